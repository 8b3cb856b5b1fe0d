package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic/queue-service/internal/models"
	"clinic/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const roleColumns = `id, organization_id, name, permissions, is_system, created_at`

func (s *Store) ListRoles(ctx context.Context, organizationID string) ([]models.Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roleColumns+`
		FROM roles
		WHERE organization_id = $1
		ORDER BY name ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	roles := []models.Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) GetRole(ctx context.Context, organizationID, roleID string) (models.Role, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+roleColumns+`
		FROM roles
		WHERE id = $1 AND organization_id = $2
	`, roleID, organizationID)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Role{}, store.ErrRoleNotFound
		}
		return models.Role{}, err
	}
	return role, nil
}

func (s *Store) CreateRole(ctx context.Context, role models.Role) (models.Role, error) {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO roles (id, organization_id, name, permissions, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+roleColumns, role.ID, role.OrganizationID, role.Name, role.Permissions, role.IsSystem, time.Now().UTC())
	created, err := scanRole(row)
	if err != nil {
		return models.Role{}, mapPgError(err)
	}
	return created, nil
}

// UpdateRolePermissions replaces the permission set of a non-system role.
func (s *Store) UpdateRolePermissions(ctx context.Context, organizationID, roleID string, permissions []string) (models.Role, error) {
	if permissions == nil {
		permissions = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE roles
		SET permissions = $3
		WHERE id = $1 AND organization_id = $2 AND NOT is_system
		RETURNING `+roleColumns, roleID, organizationID, permissions)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Role{}, s.classifyRoleMiss(ctx, organizationID, roleID)
		}
		return models.Role{}, err
	}
	return role, nil
}

func (s *Store) DeleteRole(ctx context.Context, organizationID, roleID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM roles
		WHERE id = $1 AND organization_id = $2 AND NOT is_system
	`, roleID, organizationID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyRoleMiss(ctx, organizationID, roleID)
	}
	return nil
}

func (s *Store) classifyRoleMiss(ctx context.Context, organizationID, roleID string) error {
	var isSystem bool
	row := s.pool.QueryRow(ctx, `
		SELECT is_system FROM roles WHERE id = $1 AND organization_id = $2
	`, roleID, organizationID)
	if err := row.Scan(&isSystem); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrRoleNotFound
		}
		return err
	}
	if isSystem {
		return store.ErrSystemRole
	}
	return store.ErrConflict
}

func scanRole(row pgx.Row) (models.Role, error) {
	var role models.Role
	if err := row.Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Permissions, &role.IsSystem, &role.CreatedAt); err != nil {
		return models.Role{}, err
	}
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	return role, nil
}
