package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse/gatehouse/internal/shared"
)

// Repository provides PostgreSQL backed persistence for access points.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const pointColumns = `id, code, tenant_id, name, area_id, device_id, anti_passback,
	interlock_group, unlock_duration_ms, required_permission, pin_hash, created_at, updated_at`

// GetPointByCode fetches an access point by its unique code.
func (r *Repository) GetPointByCode(ctx context.Context, code string) (AccessPoint, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pointColumns+` FROM access_points WHERE code = $1`, code)
	return scanPoint(row)
}

// ListPoints returns a tenant's access points ordered by code.
func (r *Repository) ListPoints(ctx context.Context, tenantID int64) ([]AccessPoint, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pointColumns+` FROM access_points WHERE tenant_id = $1 ORDER BY code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var points []AccessPoint
	for rows.Next() {
		point, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// CreatePoint inserts an access point.
func (r *Repository) CreatePoint(ctx context.Context, p AccessPoint) (AccessPoint, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO access_points
			(code, tenant_id, name, area_id, device_id, anti_passback,
			 interlock_group, unlock_duration_ms, required_permission, pin_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+pointColumns,
		p.Code, p.TenantID, p.Name, p.AreaID, p.DeviceID, p.AntiPassback,
		p.InterlockGroup, p.UnlockDuration.Milliseconds(), p.RequiredPermission, p.PINHash)
	return scanPoint(row)
}

func scanPoint(row pgx.Row) (AccessPoint, error) {
	var p AccessPoint
	var unlockMs int64
	err := row.Scan(&p.ID, &p.Code, &p.TenantID, &p.Name, &p.AreaID, &p.DeviceID,
		&p.AntiPassback, &p.InterlockGroup, &unlockMs, &p.RequiredPermission,
		&p.PINHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccessPoint{}, fmt.Errorf("access: point: %w", shared.ErrNotFound)
		}
		return AccessPoint{}, err
	}
	p.UnlockDuration = time.Duration(unlockMs) * time.Millisecond
	return p, nil
}
