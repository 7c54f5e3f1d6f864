package assignments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for assignments.
// The active predicate (not removed, not expired) is evaluated in SQL at
// query time; nothing sweeps rows into an inactive state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assignmentColumns = `id, user_id, role_id, organization_id, assigned_at, assigned_by,
	expires_at, removed_at, removed_by, COALESCE(removed_reason, ''), version`

// FindActive fetches the active assignment for a (user, role) pair, if any.
func (r *Repository) FindActive(ctx context.Context, userID, roleID, orgID int64, now time.Time) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_roles
		WHERE user_id = $1 AND role_id = $2 AND organization_id = $3
		  AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $4)
		LIMIT 1`, userID, roleID, orgID, now)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("assignments: user %d role %d: %w", userID, roleID, shared.ErrNotFound)
		}
		return Assignment{}, err
	}
	return a, nil
}

// Insert persists a new assignment. The partial unique index on active
// (user_id, role_id) rows turns a concurrent duplicate grant into a
// ConcurrentModification the service resolves by re-reading.
func (r *Repository) Insert(ctx context.Context, a Assignment) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role_id, organization_id, assigned_at, assigned_by, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING `+assignmentColumns,
		a.UserID, a.RoleID, a.OrgID, a.AssignedAt, a.AssignedBy, a.ExpiresAt)
	created, err := scanAssignment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Assignment{}, fmt.Errorf("assignments: duplicate active grant: %w", shared.ErrConcurrentModification)
		}
		return Assignment{}, err
	}
	return created, nil
}

// UpdateExpiry moves the expiry under a version compare-and-swap.
func (r *Repository) UpdateExpiry(ctx context.Context, id, version int64, expiresAt time.Time) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE user_roles
		SET expires_at = $3, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+assignmentColumns, id, version, expiresAt)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("assignments: assignment %d version %d: %w", id, version, shared.ErrConcurrentModification)
		}
		return Assignment{}, err
	}
	return a, nil
}

// MarkRemoved revokes an assignment under a version compare-and-swap.
func (r *Repository) MarkRemoved(ctx context.Context, id, version int64, removedAt time.Time, removedBy int64, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_roles
		SET removed_at = $3, removed_by = $4, removed_reason = NULLIF($5, ''), version = version + 1
		WHERE id = $1 AND version = $2 AND removed_at IS NULL`,
		id, version, removedAt, removedBy, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assignments: assignment %d version %d: %w", id, version, shared.ErrConcurrentModification)
	}
	return nil
}

// ListActive returns the user's active assignments within an organization.
func (r *Repository) ListActive(ctx context.Context, userID, orgID int64, now time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_roles
		WHERE user_id = $1 AND organization_id = $2
		  AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY assigned_at`, userID, orgID, now)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// ListActiveForUser returns the user's active assignments across organizations.
func (r *Repository) ListActiveForUser(ctx context.Context, userID int64, now time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_roles
		WHERE user_id = $1
		  AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY organization_id, assigned_at`, userID, now)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// ListActiveForRole returns the active assignments of one role.
func (r *Repository) ListActiveForRole(ctx context.Context, roleID, orgID int64, now time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_roles
		WHERE role_id = $1 AND organization_id = $2
		  AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY assigned_at`, roleID, orgID, now)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// CountActiveForRole counts current active holders of a role.
func (r *Repository) CountActiveForRole(ctx context.Context, roleID, orgID int64, now time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM user_roles
		WHERE role_id = $1 AND organization_id = $2
		  AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $3)`,
		roleID, orgID, now).Scan(&count)
	return count, err
}

// RemoveAllForRole revokes every active assignment referencing a role.
func (r *Repository) RemoveAllForRole(ctx context.Context, roleID, orgID int64, removedAt time.Time, removedBy int64, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_roles
		SET removed_at = $3, removed_by = $4, removed_reason = NULLIF($5, ''), version = version + 1
		WHERE role_id = $1 AND organization_id = $2
		  AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $3)`,
		roleID, orgID, removedAt, removedBy, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteSweepable hard-deletes rows removed or expired before the cutoff.
// Storage hygiene only; correctness never depends on it.
func (r *Repository) DeleteSweepable(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM user_roles
		WHERE (removed_at IS NOT NULL AND removed_at < $1)
		   OR (expires_at IS NOT NULL AND expires_at < $1)`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.OrgID, &a.AssignedAt, &a.AssignedBy,
		&a.ExpiresAt, &a.RemovedAt, &a.RemovedBy, &a.RemovedReason, &a.Version); err != nil {
		return Assignment{}, err
	}
	return a, nil
}
