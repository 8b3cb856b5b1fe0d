package access

import (
	"testing"

	"clinic/queue-service/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	nurse := &Principal{UserID: "u1", OrganizationID: "org-1", Role: &models.Role{Name: "NURSE", Permissions: []string{"queue.read"}}}
	cases := []struct {
		name      string
		principal *Principal
		required  Permission
		want      bool
	}{
		{"nil principal", nil, PermissionQueueRead, false},
		{"missing role", &Principal{UserID: "u1"}, PermissionQueueRead, false},
		{"granted", nurse, PermissionQueueRead, true},
		{"not granted", nurse, PermissionQueueManage, false},
		{"no prefix matching", &Principal{Role: &models.Role{Name: "X", Permissions: []string{"queue"}}}, PermissionQueueRead, false},
		{"no wildcard", &Principal{Role: &models.Role{Name: "X", Permissions: []string{"*"}}}, PermissionQueueRead, false},
		{"super admin bypass", &Principal{Role: &models.Role{Name: SuperAdminRole}}, PermissionRolesManage, true},
		{"super admin name is exact", &Principal{Role: &models.Role{Name: "super_admin"}}, PermissionRolesManage, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.principal, tt.required))
		})
	}
}

func TestCanAccessOrganization(t *testing.T) {
	member := &Principal{OrganizationID: "org-1", Role: &models.Role{Name: "DOCTOR"}}
	assert.True(t, CanAccessOrganization(member, "org-1"))
	assert.False(t, CanAccessOrganization(member, "org-2"))
	assert.False(t, CanAccessOrganization(member, ""))
	assert.False(t, CanAccessOrganization(nil, "org-1"))

	admin := &Principal{OrganizationID: "org-1", Role: &models.Role{Name: SuperAdminRole}}
	assert.True(t, CanAccessOrganization(admin, "org-2"))
}

func TestNormalizePermissions(t *testing.T) {
	valid, unknown := NormalizePermissions([]string{" queue.read", "queue.read", "roles.manage", "", "billing.write"})
	assert.Equal(t, []string{"queue.read", "roles.manage"}, valid)
	assert.Equal(t, []string{"billing.write"}, unknown)
}

func TestAllIsSorted(t *testing.T) {
	all := All()
	assert.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Less(t, string(all[i-1]), string(all[i]))
	}
}
