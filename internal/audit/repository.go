package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides append-only persistence for decision records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one decision record. Records are never updated or
// deleted.
func (r *Repository) Insert(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO access_decisions
			(id, tenant_id, subject_id, point_code, direction, granted, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.TenantID, rec.SubjectID, rec.PointCode, rec.Direction,
		rec.Granted, rec.Reason, rec.OccurredAt)
	return err
}

// TimelineWindow fetches a page of records, newest first, per access
// point ordering by timestamp.
func (r *Repository) TimelineWindow(ctx context.Context, f TimelineFilters, offset, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, subject_id, point_code, direction, granted, reason, occurred_at
		FROM access_decisions
		WHERE tenant_id = $1
		  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		  AND ($3::timestamptz IS NULL OR occurred_at < $3)
		  AND ($4::text = '' OR point_code = $4)
		  AND ($5::bigint IS NULL OR subject_id = $5)
		  AND ($6::boolean IS NULL OR granted = $6)
		ORDER BY occurred_at DESC, id DESC
		OFFSET $7 LIMIT $8`,
		f.TenantID, nullTime(f.From), nullTime(f.To), f.PointCode,
		f.SubjectID, f.Granted, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SubjectID, &rec.PointCode,
			&rec.Direction, &rec.Granted, &rec.Reason, &rec.OccurredAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
