package catalog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListPermissions returns every permission, retired ones included.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource, action, description, is_active, created_at, updated_at
		FROM permissions
		ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// UpsertPermission inserts or reactivates a permission for its unique
// (resource, action) pair.
func (r *Repository) UpsertPermission(ctx context.Context, p Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, description, is_active, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (resource, action) DO UPDATE
		SET description = EXCLUDED.description, is_active = TRUE, updated_at = NOW()
		RETURNING id, resource, action, description, is_active, created_at, updated_at`,
		p.Resource, p.Action, p.Description)
	var out Permission
	if err := row.Scan(&out.ID, &out.Resource, &out.Action, &out.Description, &out.Active, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return Permission{}, err
	}
	return out, nil
}
