package roles

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Kind distinguishes predefined system roles from organization-created ones.
type Kind string

const (
	// KindPredefined roles are global, seeded by the platform, and immutable.
	KindPredefined Kind = "PREDEFINED"
	// KindCustom roles belong to a single organization and may be edited.
	KindCustom Kind = "CUSTOM"
)

// Predefined global role names seeded for every deployment.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Role is a named bundle of permissions. OrgID is zero for global predefined
// roles, which every organization sees alongside its own custom roles.
type Role struct {
	ID            int64
	OrgID         int64
	Name          string
	Description   string
	Kind          Kind
	Active        bool
	PermissionIDs []int64
	Version       int64
	CreatedAt     time.Time
	CreatedBy     int64
	UpdatedAt     time.Time
	UpdatedBy     int64
}

// IsPredefined reports whether the role is a seeded system role.
func (r Role) IsPredefined() bool {
	return r.Kind == KindPredefined
}

// IsCustom reports whether the role was created by an organization.
func (r Role) IsCustom() bool {
	return r.Kind == KindCustom
}

// CanBeModified reports whether mutation operations may touch this role.
func (r Role) CanBeModified() bool {
	return r.IsCustom() && r.Active
}

// Stats summarizes an organization's role usage.
type Stats struct {
	Total      int64
	Custom     int64
	Predefined int64
}

var nameFolder = cases.Fold()

// CanonicalName normalizes a role name for scope-uniqueness comparison.
// Case-folded rather than lowercased so non-ASCII names compare correctly.
func CanonicalName(name string) string {
	return nameFolder.String(strings.TrimSpace(name))
}
