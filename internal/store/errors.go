package store

import "errors"

var (
	ErrQueueItemNotFound  = errors.New("queue item not found")
	ErrDepartmentNotFound = errors.New("department not found")
	ErrRoleNotFound       = errors.New("role not found")
	ErrInvalidTransition  = errors.New("invalid queue item transition")
	ErrConflict           = errors.New("conflicting update")
	ErrInvalidReference   = errors.New("referenced record not found")
	ErrSystemRole         = errors.New("system role is immutable")
	ErrAccessDenied       = errors.New("access denied")
)
