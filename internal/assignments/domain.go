package assignments

import "time"

// Assignment binds a user to a role within an organization, optionally until
// an expiry instant. Removed and expired rows persist for audit history.
type Assignment struct {
	ID            int64
	UserID        int64
	RoleID        int64
	OrgID         int64
	AssignedAt    time.Time
	AssignedBy    int64
	ExpiresAt     *time.Time
	RemovedAt     *time.Time
	RemovedBy     *int64
	RemovedReason string
	Version       int64
}

// Removed reports whether the assignment was explicitly revoked.
func (a Assignment) Removed() bool {
	return a.RemovedAt != nil
}

// Expired reports whether the assignment's grant lapsed at the given instant.
// Expiry is evaluated lazily at read time; no background job flips state.
func (a Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Active reports whether the assignment still grants permissions.
func (a Assignment) Active(now time.Time) bool {
	return !a.Removed() && !a.Expired(now)
}

// Temporary reports whether the grant carries an expiry.
func (a Assignment) Temporary() bool {
	return a.ExpiresAt != nil
}
