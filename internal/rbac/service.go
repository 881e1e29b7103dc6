package rbac

import (
	"context"
	"log/slog"
)

// ServiceStore is the persistence surface the service needs on top of
// what the resolver consumes.
type ServiceStore interface {
	Store

	ListRoles(ctx context.Context) ([]Role, error)
	GetRoleByCode(ctx context.Context, code string) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermission(ctx context.Context, code, name string, riskLevel int) (Permission, error)
	SetRoleGrant(ctx context.Context, roleID, permissionID int64, granted bool) error
	ReplaceRoleGrants(ctx context.Context, roleID int64, permissionIDs []int64) error
	AssignRole(ctx context.Context, a RoleAssignment) (RoleAssignment, error)
	RevokeAssignment(ctx context.Context, id int64) (int64, error)
	AddDirectGrant(ctx context.Context, g DirectGrant) (DirectGrant, error)
	RemoveDirectGrant(ctx context.Context, id int64) (int64, error)
}

// Service orchestrates permission resolution, caching, and graph
// mutations with the matching cache invalidation.
type Service struct {
	store    ServiceStore
	resolver *Resolver
	cache    *GrantCache
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(store ServiceStore, resolver *Resolver, cache *GrantCache, logger *slog.Logger) *Service {
	return &Service{store: store, resolver: resolver, cache: cache, logger: logger}
}

// ResolvePermissions returns the effective permission set for the
// subject within the tenant, served from cache when fresh.
func (s *Service) ResolvePermissions(ctx context.Context, subjectID, tenantID int64) (EffectiveSet, error) {
	return s.cache.FetchSet(ctx, subjectID, tenantID, func(ctx context.Context) (EffectiveSet, error) {
		return s.resolver.Resolve(ctx, subjectID, tenantID)
	})
}

// Authorize reports whether the subject holds the permission code in
// the tenant. Infrastructure failures fail closed: the incident is
// logged and the answer is false, never an error into the grant path.
func (s *Service) Authorize(ctx context.Context, subjectID, tenantID int64, code string) bool {
	set, err := s.ResolvePermissions(ctx, subjectID, tenantID)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("rbac: resolution failed, denying",
				slog.Int64("subject_id", subjectID),
				slog.Int64("tenant_id", tenantID),
				slog.String("permission", code),
				slog.Any("error", err))
		}
		return false
	}
	return Allows(set.Permissions, code)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRoleByCode fetches a role by code.
func (s *Service) GetRoleByCode(ctx context.Context, code string) (Role, error) {
	return s.store.GetRoleByCode(ctx, code)
}

// CreateRole inserts a role. No invalidation: a fresh role has no
// assignments yet.
func (s *Service) CreateRole(ctx context.Context, role Role) (Role, error) {
	return s.store.CreateRole(ctx, role)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// EnsurePermission upserts a catalog entry.
func (s *Service) EnsurePermission(ctx context.Context, code, name string, riskLevel int) (Permission, error) {
	return s.store.EnsurePermission(ctx, code, name, riskLevel)
}

// SetRoleGrant attaches or detaches a permission on a role. There is no
// reverse index from role to affected subjects, so the whole grant
// cache is bumped.
func (s *Service) SetRoleGrant(ctx context.Context, roleID, permissionID int64, granted bool) error {
	if err := s.store.SetRoleGrant(ctx, roleID, permissionID, granted); err != nil {
		return err
	}
	if err := s.cache.Bump(ctx); err != nil && s.logger != nil {
		s.logger.Warn("rbac: cache bump failed", slog.Any("error", err))
	}
	return nil
}

// ReplaceRoleGrants swaps a role's granted set wholesale, then bumps
// the cache like any other role-grant mutation.
func (s *Service) ReplaceRoleGrants(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if err := s.store.ReplaceRoleGrants(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	if err := s.cache.Bump(ctx); err != nil && s.logger != nil {
		s.logger.Warn("rbac: cache bump failed", slog.Any("error", err))
	}
	return nil
}

// AssignRole creates a role assignment and invalidates the subject's
// cached sets across all tenants.
func (s *Service) AssignRole(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	created, err := s.store.AssignRole(ctx, a)
	if err != nil {
		return RoleAssignment{}, err
	}
	s.invalidateSubject(ctx, a.SubjectID)
	return created, nil
}

// RevokeAssignment deletes a role assignment.
func (s *Service) RevokeAssignment(ctx context.Context, id, subjectID int64) error {
	rows, err := s.store.RevokeAssignment(ctx, id)
	if err != nil {
		return err
	}
	if rows > 0 {
		s.invalidateSubject(ctx, subjectID)
	}
	return nil
}

// AddDirectGrant records an explicit allow/deny and invalidates the
// subject.
func (s *Service) AddDirectGrant(ctx context.Context, g DirectGrant) (DirectGrant, error) {
	created, err := s.store.AddDirectGrant(ctx, g)
	if err != nil {
		return DirectGrant{}, err
	}
	s.invalidateSubject(ctx, g.SubjectID)
	return created, nil
}

// RemoveDirectGrant deletes a direct grant.
func (s *Service) RemoveDirectGrant(ctx context.Context, id, subjectID int64) error {
	rows, err := s.store.RemoveDirectGrant(ctx, id)
	if err != nil {
		return err
	}
	if rows > 0 {
		s.invalidateSubject(ctx, subjectID)
	}
	return nil
}

func (s *Service) invalidateSubject(ctx context.Context, subjectID int64) {
	if err := s.cache.InvalidateSubject(ctx, subjectID); err != nil && s.logger != nil {
		s.logger.Warn("rbac: cache invalidation failed",
			slog.Int64("subject_id", subjectID),
			slog.Any("error", err))
	}
}
