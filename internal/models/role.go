package models

import "time"

type Role struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	Permissions    []string  `json:"permissions"`
	IsSystem       bool      `json:"isSystem"`
	CreatedAt      time.Time `json:"createdAt"`
}
