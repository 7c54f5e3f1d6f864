// Package events carries the mutation events that drive cache coherence and
// feed external audit consumers. Every successful role or assignment mutation
// emits exactly one event before the mutation call returns.
package events

import "time"

// Kind identifies the mutation that produced an event.
type Kind string

const (
	KindRoleCreated      Kind = "role.created"
	KindRoleModified     Kind = "role.modified"
	KindRoleDeleted      Kind = "role.deleted"
	KindUserRoleAssigned Kind = "user_role.assigned"
	KindUserRoleRemoved  Kind = "user_role.removed"
)

// Event describes a single role or assignment mutation.
// UserID is zero for role-level events. AffectedUsers is populated on role
// deletion with the number of assignments cascaded.
type Event struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	OrgID         int64     `json:"org_id"`
	RoleID        int64     `json:"role_id"`
	UserID        int64     `json:"user_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	AffectedUsers int64     `json:"affected_users,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RoleScoped reports whether the event affects every holder of a role rather
// than a single user.
func (e Event) RoleScoped() bool {
	switch e.Kind {
	case KindRoleCreated, KindRoleModified, KindRoleDeleted:
		return true
	}
	return false
}
