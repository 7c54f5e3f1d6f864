package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-io/gatehouse/internal/platform/db"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for roles.
// Global predefined roles carry organization_id = 0.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `r.id, r.organization_id, r.name, r.description, r.role_type, r.is_active, r.version,
	r.created_at, r.created_by, COALESCE(r.updated_at, r.created_at), COALESCE(r.updated_by, 0)`

// GetRole fetches a role by id when it is either global or owned by the organization.
func (r *Repository) GetRole(ctx context.Context, roleID, orgID int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+roleColumns+`
		FROM roles r
		WHERE r.id = $1 AND r.organization_id IN (0, $2)`, roleID, orgID)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("roles: role %d: %w", roleID, shared.ErrNotFound)
		}
		return Role{}, err
	}
	if err := r.attachPermissions(ctx, []*Role{&role}); err != nil {
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns active global predefined roles unioned with the
// organization's active custom roles.
func (r *Repository) ListRoles(ctx context.Context, orgID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+roleColumns+`
		FROM roles r
		WHERE r.is_active AND r.organization_id IN (0, $1)
		ORDER BY r.organization_id, r.name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
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
	refs := make([]*Role, len(roles))
	for i := range roles {
		refs[i] = &roles[i]
	}
	if err := r.attachPermissions(ctx, refs); err != nil {
		return nil, err
	}
	return roles, nil
}

// FindActiveByName looks up an active role by canonical name within the
// organization's scope, global predefined roles included.
func (r *Repository) FindActiveByName(ctx context.Context, orgID int64, canonicalName string) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+roleColumns+`
		FROM roles r
		WHERE r.is_active AND r.organization_id IN (0, $1) AND r.canonical_name = $2
		ORDER BY r.organization_id DESC
		LIMIT 1`, orgID, canonicalName)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("roles: name %q: %w", canonicalName, shared.ErrNotFound)
		}
		return Role{}, err
	}
	return role, nil
}

// CountCustom counts the organization's active custom roles.
func (r *Repository) CountCustom(ctx context.Context, orgID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM roles
		WHERE organization_id = $1 AND role_type = $2 AND is_active`, orgID, string(KindCustom)).Scan(&count)
	return count, err
}

// CreateRole inserts the role header and its permission references in one
// transaction so a failed insert never leaves a partial role behind.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	var created Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO roles (organization_id, name, canonical_name, description, role_type, is_active, version, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, TRUE, 1, $6, $7)
			RETURNING `+bareRoleColumns(),
			role.OrgID, role.Name, CanonicalName(role.Name), role.Description, string(role.Kind), role.CreatedAt, role.CreatedBy)
		var err error
		created, err = scanRole(row)
		if err != nil {
			return mapUniqueViolation(err)
		}
		for _, permID := range role.PermissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, created.ID, permID); err != nil {
				return err
			}
		}
		created.PermissionIDs = append([]int64(nil), role.PermissionIDs...)
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return created, nil
}

// UpdateRolePermissions replaces the role's permission references under a
// version compare-and-swap. A vanished row with a live role id means a
// concurrent writer advanced the version first.
func (r *Repository) UpdateRolePermissions(ctx context.Context, role Role) (Role, error) {
	var updated Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE roles
			SET version = version + 1, updated_at = $4, updated_by = $5
			WHERE id = $1 AND organization_id = $2 AND version = $3
			RETURNING `+bareRoleColumns(), role.ID, role.OrgID, role.Version, role.UpdatedAt, role.UpdatedBy)
		var err error
		updated, err = scanRole(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("roles: role %d version %d: %w", role.ID, role.Version, shared.ErrConcurrentModification)
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return err
		}
		for _, permID := range role.PermissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, role.ID, permID); err != nil {
				return err
			}
		}
		updated.PermissionIDs = append([]int64(nil), role.PermissionIDs...)
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return updated, nil
}

// DeactivateRole soft-deletes a role under a version compare-and-swap.
func (r *Repository) DeactivateRole(ctx context.Context, roleID, orgID, version, deactivatedBy int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE roles
		SET is_active = FALSE, version = version + 1, updated_at = NOW(), updated_by = $4
		WHERE id = $1 AND organization_id = $2 AND version = $3`,
		roleID, orgID, version, deactivatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("roles: role %d version %d: %w", roleID, version, shared.ErrConcurrentModification)
	}
	return nil
}

func (r *Repository) attachPermissions(ctx context.Context, roles []*Role) error {
	if len(roles) == 0 {
		return nil
	}
	ids := make([]int64, len(roles))
	index := make(map[int64]*Role, len(roles))
	for i, role := range roles {
		ids[i] = role.ID
		index[role.ID] = role
	}
	rows, err := r.pool.Query(ctx, `
		SELECT role_id, permission_id FROM role_permissions WHERE role_id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var roleID, permID int64
		if err := rows.Scan(&roleID, &permID); err != nil {
			return err
		}
		if role, ok := index[roleID]; ok {
			role.PermissionIDs = append(role.PermissionIDs, permID)
		}
	}
	return rows.Err()
}

func bareRoleColumns() string {
	return `id, organization_id, name, description, role_type, is_active, version,
	created_at, created_by, COALESCE(updated_at, created_at), COALESCE(updated_by, 0)`
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	var kind string
	if err := row.Scan(&role.ID, &role.OrgID, &role.Name, &role.Description, &kind, &role.Active,
		&role.Version, &role.CreatedAt, &role.CreatedBy, &role.UpdatedAt, &role.UpdatedBy); err != nil {
		return Role{}, err
	}
	role.Kind = Kind(kind)
	return role, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("roles: %s: %w", pgErr.ConstraintName, shared.ErrDuplicateName)
	}
	return err
}
