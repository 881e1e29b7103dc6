package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse/gatehouse/internal/platform/db"
	"github.com/gatehouse/gatehouse/internal/shared"
)

const pgUniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for the
// role/permission graph.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, code, name, level, parent_id, is_system, created_at, updated_at
		FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// GetRoleByCode fetches a role by its unique code.
func (r *Repository) GetRoleByCode(ctx context.Context, code string) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, code, name, level, parent_id, is_system, created_at, updated_at
		FROM roles WHERE code = $1`, code)
	return scanRole(row)
}

// ListRoles returns all roles ordered by hierarchy level then code.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, name, level, parent_id, is_system, created_at, updated_at
		FROM roles ORDER BY level, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO roles (code, name, level, parent_id, is_system)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, code, name, level, parent_id, is_system, created_at, updated_at`,
		role.Code, role.Name, role.Level, role.ParentID, role.IsSystem)
	created, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("rbac: role %q: %w", role.Code, shared.ErrAlreadyExists)
		}
		return Role{}, err
	}
	return created, nil
}

// ListPermissions returns the static permission catalog.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, name, risk_level FROM permissions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.RiskLevel); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EnsurePermission upserts a catalog entry keyed by code.
func (r *Repository) EnsurePermission(ctx context.Context, code, name string, riskLevel int) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (code, name, risk_level)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, risk_level = EXCLUDED.risk_level
		RETURNING id, code, name, risk_level`, code, name, riskLevel)
	var p Permission
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.RiskLevel); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// RoleGrantedCodes returns permission codes granted (granted=true) to a
// single role, not including inherited roles.
func (r *Repository) RoleGrantedCodes(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.code
		FROM role_grants rg
		JOIN permissions p ON p.id = rg.permission_id
		WHERE rg.role_id = $1 AND rg.granted`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// SetRoleGrant attaches or detaches a permission on a role.
func (r *Repository) SetRoleGrant(ctx context.Context, roleID, permissionID int64, granted bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_grants (role_id, permission_id, granted)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO UPDATE SET granted = EXCLUDED.granted`,
		roleID, permissionID, granted)
	return err
}

// ReplaceRoleGrants swaps a role's granted permission set wholesale.
// Runs under serializable isolation so two concurrent replaces cannot
// interleave into a mix of both sets.
func (r *Repository) ReplaceRoleGrants(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_grants WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, pid := range permissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_grants (role_id, permission_id, granted)
				VALUES ($1, $2, true)`, roleID, pid); err != nil {
				return err
			}
		}
		return nil
	})
}

// ActiveAssignments fetches role assignments for the subject scoped to
// the tenant or to the global tenant, filtered to the current validity
// window.
func (r *Repository) ActiveAssignments(ctx context.Context, subjectID, tenantID int64) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, subject_id, role_id, tenant_id, valid_from, valid_until
		FROM role_assignments
		WHERE subject_id = $1
		  AND tenant_id IN ($2, $3)
		  AND valid_from <= now()
		  AND (valid_until IS NULL OR valid_until > now())`,
		subjectID, tenantID, GlobalTenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.RoleID, &a.TenantID, &a.ValidFrom, &a.ValidUntil); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// AssignRole creates a role assignment.
func (r *Repository) AssignRole(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO role_assignments (subject_id, role_id, tenant_id, valid_from, valid_until)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, a.SubjectID, a.RoleID, a.TenantID, a.ValidFrom, a.ValidUntil)
	if err := row.Scan(&a.ID); err != nil {
		if isUniqueViolation(err) {
			return RoleAssignment{}, fmt.Errorf("rbac: assignment: %w", shared.ErrAlreadyExists)
		}
		return RoleAssignment{}, err
	}
	return a, nil
}

// RevokeAssignment removes a role assignment.
func (r *Repository) RevokeAssignment(ctx context.Context, id int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_assignments WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ActiveDirectGrants fetches direct grants for the subject scoped to the
// tenant or global, within validity.
func (r *Repository) ActiveDirectGrants(ctx context.Context, subjectID, tenantID int64) ([]DirectGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, subject_id, code, tenant_id, granted, valid_from, valid_until, granted_by
		FROM direct_grants
		WHERE subject_id = $1
		  AND (tenant_id IS NULL OR tenant_id = $2)
		  AND valid_from <= now()
		  AND (valid_until IS NULL OR valid_until > now())`,
		subjectID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []DirectGrant
	for rows.Next() {
		var g DirectGrant
		if err := rows.Scan(&g.ID, &g.SubjectID, &g.Code, &g.TenantID, &g.Granted, &g.ValidFrom, &g.ValidUntil, &g.GrantedBy); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// AddDirectGrant records an explicit allow or deny for a subject.
func (r *Repository) AddDirectGrant(ctx context.Context, g DirectGrant) (DirectGrant, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO direct_grants (subject_id, code, tenant_id, granted, valid_from, valid_until, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, g.SubjectID, g.Code, g.TenantID, g.Granted, g.ValidFrom, g.ValidUntil, g.GrantedBy)
	if err := row.Scan(&g.ID); err != nil {
		return DirectGrant{}, err
	}
	return g, nil
}

// RemoveDirectGrant deletes a direct grant by ID.
func (r *Repository) RemoveDirectGrant(ctx context.Context, id int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM direct_grants WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Code, &role.Name, &role.Level, &role.ParentID,
		&role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("rbac: role: %w", shared.ErrNotFound)
		}
		return Role{}, err
	}
	return role, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
