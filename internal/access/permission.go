// Package access implements the role permission guard. Permissions are a
// flat set of names; there is no hierarchy or wildcard matching.
package access

import (
	"sort"
	"strings"

	"clinic/queue-service/internal/models"
)

type Permission string

const (
	PermissionQueueRead   Permission = "queue.read"
	PermissionQueueManage Permission = "queue.manage"
	PermissionAuditRead   Permission = "audit.read"
	PermissionRolesRead   Permission = "roles.read"
	PermissionRolesManage Permission = "roles.manage"
)

// SuperAdminRole bypasses every permission and organization check. It is
// matched by role name only.
const SuperAdminRole = "SUPER_ADMIN"

var knownPermissions = map[Permission]struct{}{
	PermissionQueueRead:   {},
	PermissionQueueManage: {},
	PermissionAuditRead:   {},
	PermissionRolesRead:   {},
	PermissionRolesManage: {},
}

type Principal struct {
	UserID         string
	OrganizationID string
	Role           *models.Role
}

func (p *Principal) IsSuperAdmin() bool {
	return p != nil && p.Role != nil && p.Role.Name == SuperAdminRole
}

func HasPermission(principal *Principal, required Permission) bool {
	if principal == nil || principal.Role == nil {
		return false
	}
	if principal.IsSuperAdmin() {
		return true
	}
	for _, name := range principal.Role.Permissions {
		if Permission(name) == required {
			return true
		}
	}
	return false
}

func CanAccessOrganization(principal *Principal, organizationID string) bool {
	if principal == nil || organizationID == "" {
		return false
	}
	if principal.IsSuperAdmin() {
		return true
	}
	return principal.OrganizationID == organizationID
}

func IsKnown(name string) bool {
	_, ok := knownPermissions[Permission(name)]
	return ok
}

// NormalizePermissions trims, dedupes and sorts names, returning the unknown
// ones separately.
func NormalizePermissions(names []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(names))
	var valid, unknown []string
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if IsKnown(name) {
			valid = append(valid, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(valid)
	sort.Strings(unknown)
	return valid, unknown
}

func All() []Permission {
	out := make([]Permission, 0, len(knownPermissions))
	for perm := range knownPermissions {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
