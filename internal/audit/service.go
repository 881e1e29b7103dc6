package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence surface the service needs.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	TimelineWindow(ctx context.Context, f TimelineFilters, offset, limit int) ([]Record, error)
}

// EventBus fans recorded decisions out to listeners.
type EventBus interface {
	Emit(ctx context.Context, tenantID int64, event string, payload any)
}

// Service writes the decision trail and serves timeline queries.
type Service struct {
	store  Store
	bus    EventBus
	logger *slog.Logger
}

// NewService constructs an audit service.
func NewService(store Store, bus EventBus, logger *slog.Logger) *Service {
	return &Service{store: store, bus: bus, logger: logger}
}

// Record appends one decision record and announces it. The append is
// synchronous; the fan-out is fire-and-forget and never fails the
// write.
func (s *Service) Record(ctx context.Context, rec Record) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("audit: store not configured")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("audit: insert record: %w", err)
	}
	if s.bus != nil {
		s.bus.Emit(ctx, rec.TenantID, "access.decision", rec)
	}
	return rec.ID, nil
}

// Timeline returns a page of the decision trail.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.store == nil {
		return Result{}, fmt.Errorf("audit: store not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.store.TimelineWindow(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
