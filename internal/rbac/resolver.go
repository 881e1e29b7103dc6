package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gatehouse/gatehouse/internal/shared"
)

// Store abstracts the role/permission graph persistence consumed by the
// resolver.
type Store interface {
	ActiveAssignments(ctx context.Context, subjectID, tenantID int64) ([]RoleAssignment, error)
	ActiveDirectGrants(ctx context.Context, subjectID, tenantID int64) ([]DirectGrant, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	RoleGrantedCodes(ctx context.Context, roleID int64) ([]string, error)
}

// Resolver computes the effective permission set for a (subject, tenant)
// pair from role assignments, the role hierarchy, and direct grants.
type Resolver struct {
	store  Store
	logger *slog.Logger

	// isSystemSubject marks the reserved subject class that resolves to
	// the universal wildcard without touching the store.
	isSystemSubject func(subjectID int64) bool
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithSystemSubjects installs the predicate identifying universal
// wildcard subjects (service accounts, controllers in commissioning
// mode).
func WithSystemSubjects(pred func(subjectID int64) bool) ResolverOption {
	return func(r *Resolver) { r.isSystemSubject = pred }
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the effective permission set. Store failures are
// returned to the caller so the cache layer never stores a partial set;
// Authorize converts them into a fail-closed deny.
func (r *Resolver) Resolve(ctx context.Context, subjectID, tenantID int64) (EffectiveSet, error) {
	now := time.Now().UTC()

	if r.isSystemSubject != nil && r.isSystemSubject(subjectID) {
		return EffectiveSet{
			SubjectID:   subjectID,
			TenantID:    tenantID,
			Permissions: []string{WildcardAll},
			Roles:       nil,
			ComputedAt:  now,
		}, nil
	}

	assignments, err := r.store.ActiveAssignments(ctx, subjectID, tenantID)
	if err != nil {
		return EffectiveSet{}, err
	}

	roleIDs := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}

	permSet, roleSet, err := r.roleClosure(ctx, roleIDs)
	if err != nil {
		return EffectiveSet{}, err
	}

	grants, err := r.store.ActiveDirectGrants(ctx, subjectID, tenantID)
	if err != nil {
		return EffectiveSet{}, err
	}
	// Allows union in first so a deny on the same code still wins no
	// matter the order grants were created in.
	for _, g := range grants {
		if g.Granted {
			permSet[g.Code] = struct{}{}
		}
	}
	for _, g := range grants {
		if !g.Granted {
			delete(permSet, g.Code)
		}
	}

	return EffectiveSet{
		SubjectID:   subjectID,
		TenantID:    tenantID,
		Permissions: sortedKeys(permSet),
		Roles:       sortedKeys(roleSet),
		ComputedAt:  now,
	}, nil
}

// roleClosure walks the parent chain of every assigned role with an
// explicit worklist and visited set, so cyclic parent configurations
// terminate with the union of reachable grants.
func (r *Resolver) roleClosure(ctx context.Context, roleIDs []int64) (map[string]struct{}, map[string]struct{}, error) {
	permSet := make(map[string]struct{})
	roleSet := make(map[string]struct{})
	visited := make(map[int64]struct{}, len(roleIDs))

	stack := append([]int64(nil), roleIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		role, err := r.store.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				// Dangling assignment or parent reference; skip rather
				// than fail the whole resolution.
				if r.logger != nil {
					r.logger.Warn("rbac: role missing during resolution", slog.Int64("role_id", id))
				}
				continue
			}
			return nil, nil, err
		}
		roleSet[role.Code] = struct{}{}

		codes, err := r.store.RoleGrantedCodes(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		for _, code := range codes {
			permSet[code] = struct{}{}
		}

		if role.ParentID != nil {
			stack = append(stack, *role.ParentID)
		}
	}
	return permSet, roleSet, nil
}

// Allows reports whether the permission list authorizes the code: an
// exact match, the universal wildcard, or any dot-ancestor wildcard.
// Ancestors are checked from the most specific segment boundary down to
// the root; the first match wins.
func Allows(perms []string, code string) bool {
	if code == "" {
		return false
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	if _, ok := set[code]; ok {
		return true
	}
	if _, ok := set[WildcardAll]; ok {
		return true
	}
	prefix := code
	for {
		i := strings.LastIndexByte(prefix, '.')
		if i < 0 {
			return false
		}
		prefix = prefix[:i]
		if _, ok := set[prefix+".*"]; ok {
			return true
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
