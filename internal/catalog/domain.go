package catalog

import (
	"strings"
	"time"
)

// Permission is an atomic (resource, action) capability tag. Permissions are
// system-wide; organizations reference them but never define their own.
type Permission struct {
	ID          int64
	Resource    string
	Action      string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the canonical RESOURCE:ACTION form used in effective sets.
func (p Permission) Key() string {
	return PermissionKey(p.Resource, p.Action)
}

// PermissionKey builds the canonical RESOURCE:ACTION key.
func PermissionKey(resource, action string) string {
	return strings.ToUpper(strings.TrimSpace(resource)) + ":" + strings.ToUpper(strings.TrimSpace(action))
}
