package shared

import "errors"

var (
	// ErrNotFound indicates the requested role, permission, or assignment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName indicates an active role with the same name already exists in the scope.
	ErrDuplicateName = errors.New("duplicate role name")
	// ErrRoleLimitExceeded indicates the organization reached its custom role cap.
	ErrRoleLimitExceeded = errors.New("custom role limit exceeded")
	// ErrImmutableRole indicates an attempt to modify or delete a predefined role.
	ErrImmutableRole = errors.New("predefined role is immutable")
	// ErrUnknownPermission indicates a referenced permission is not in the catalog.
	ErrUnknownPermission = errors.New("unknown permission")
	// ErrNotAssigned indicates no active assignment exists for the user and role.
	ErrNotAssigned = errors.New("no active assignment")
	// ErrConcurrentModification indicates a version conflict; callers may retry with fresh data.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrTimeout indicates the store or cache did not answer before the caller's deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrCacheUnavailable indicates the cache tier could not be reached.
	ErrCacheUnavailable = errors.New("permission cache unavailable")
	// ErrAccessDenied is returned by enforce-style checks when the permission is not held.
	ErrAccessDenied = errors.New("access denied")
)

// ReasonRoleDeleted marks assignments removed by a role-deletion cascade.
const ReasonRoleDeleted = "role_deleted"
