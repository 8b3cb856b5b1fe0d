package auth

import (
	"context"
	"errors"

	"clinic/queue-service/internal/access"
	"clinic/queue-service/internal/models"
	"clinic/queue-service/internal/store"
)

type RoleLookup interface {
	GetRole(ctx context.Context, organizationID, roleID string) (models.Role, error)
}

// Resolver turns a bearer token into an access.Principal.
type Resolver struct {
	verifier *TokenVerifier
	roles    RoleLookup
	cache    *RoleCache
}

func NewResolver(verifier *TokenVerifier, roles RoleLookup, cache *RoleCache) *Resolver {
	return &Resolver{verifier: verifier, roles: roles, cache: cache}
}

// Resolve verifies the token and loads its role. A token whose role no longer
// exists yields a principal without a role, which every permission check denies.
func (r *Resolver) Resolve(ctx context.Context, token string) (*access.Principal, error) {
	claims, err := r.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	principal := &access.Principal{UserID: claims.Subject, OrganizationID: claims.OrganizationID}
	if claims.RoleID == "" {
		return principal, nil
	}

	if role, ok := r.cache.Get(ctx, claims.OrganizationID, claims.RoleID); ok {
		principal.Role = &role
		return principal, nil
	}
	role, err := r.roles.GetRole(ctx, claims.OrganizationID, claims.RoleID)
	if err != nil {
		if errors.Is(err, store.ErrRoleNotFound) {
			return principal, nil
		}
		return nil, err
	}
	r.cache.Set(ctx, role)
	principal.Role = &role
	return principal, nil
}

// Invalidate forgets a cached role.
func (r *Resolver) Invalidate(ctx context.Context, organizationID, roleID string) {
	r.cache.Invalidate(ctx, organizationID, roleID)
}
