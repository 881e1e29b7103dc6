package rbac

import "time"

// Role represents a named permission grouping. Roles form a forest via
// ParentID; a misconfigured cycle must not break resolution.
type Role struct {
	ID        int64
	Code      string
	Name      string
	Level     int
	ParentID  *int64
	IsSystem  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission represents an atomic capability, coded "module.action".
type Permission struct {
	ID        int64
	Code      string
	Name      string
	RiskLevel int
}

// RoleGrant attaches a permission to a role. Granted=false records an
// explicit removal that survives catalog reloads.
type RoleGrant struct {
	RoleID       int64
	PermissionID int64
	Granted      bool
}

// DirectGrant is an explicit per-subject allow or deny. A nil TenantID
// applies across all tenants. Denies always win over role-derived
// grants.
type DirectGrant struct {
	ID         int64
	SubjectID  int64
	Code       string
	TenantID   *int64
	Granted    bool
	ValidFrom  time.Time
	ValidUntil *time.Time
	GrantedBy  int64
}

// RoleAssignment links a subject to a role within a tenant for a
// validity window. A subject may hold many roles across many tenants.
type RoleAssignment struct {
	ID         int64
	SubjectID  int64
	RoleID     int64
	TenantID   int64
	ValidFrom  time.Time
	ValidUntil *time.Time
}

// ActiveAt reports whether the assignment is within its validity window.
func (a RoleAssignment) ActiveAt(t time.Time) bool {
	if t.Before(a.ValidFrom) {
		return false
	}
	return a.ValidUntil == nil || t.Before(*a.ValidUntil)
}

// ActiveAt reports whether the direct grant is within its validity window.
func (g DirectGrant) ActiveAt(t time.Time) bool {
	if t.Before(g.ValidFrom) {
		return false
	}
	return g.ValidUntil == nil || t.Before(*g.ValidUntil)
}

// EffectiveSet is the fully resolved capability set for one
// (subject, tenant) pair.
type EffectiveSet struct {
	SubjectID   int64     `json:"subject_id"`
	TenantID    int64     `json:"tenant_id"`
	Permissions []string  `json:"permissions"`
	Roles       []string  `json:"roles"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Has reports whether the set contains the exact permission code.
func (s EffectiveSet) Has(code string) bool {
	for _, p := range s.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// GlobalTenant scopes assignments and grants that apply to every tenant.
const GlobalTenant int64 = 0

// WildcardAll authorizes every permission code.
const WildcardAll = "*"
