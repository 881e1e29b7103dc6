package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatehouse/gatehouse/internal/audit"
	"github.com/gatehouse/gatehouse/internal/shared"
)

// PointStore resolves access points.
type PointStore interface {
	GetPointByCode(ctx context.Context, code string) (AccessPoint, error)
}

// Authorizer answers permission checks. Implementations fail closed.
type Authorizer interface {
	Authorize(ctx context.Context, subjectID, tenantID int64, code string) bool
}

// PhysicalState enforces passback and interlock constraints with atomic
// conditional updates.
type PhysicalState interface {
	FlipPassback(ctx context.Context, tenantID, subjectID, areaID int64, dir Direction) (bool, error)
	AcquireInterlock(ctx context.Context, tenantID int64, group, pointCode string, window time.Duration) (bool, string, error)
}

// Recorder appends decision records to the audit trail.
type Recorder interface {
	Record(ctx context.Context, rec audit.Record) (string, error)
}

// Commander turns a grant into a queued device command.
type Commander interface {
	EnqueueOpenDoor(ctx context.Context, tenantID int64, deviceID, pointCode, direction string, unlock time.Duration) (string, error)
}

// EventBus fans decisions out to interested listeners, fire-and-forget.
type EventBus interface {
	Emit(ctx context.Context, tenantID int64, event string, payload any)
}

// Metrics counts decisions by reason code.
type Metrics interface {
	ObserveDecision(reason string)
}

// Engine is the access decision pipeline: authorization, then physical
// constraints, then hardware dispatch. Policy outcomes are Decision
// values, never errors; infrastructure failures convert to a
// fail-closed deny.
type Engine struct {
	points   PointStore
	authz    Authorizer
	state    PhysicalState
	recorder Recorder
	commands Commander
	bus      EventBus
	metrics  Metrics
	logger   *slog.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithMetrics installs the decision counter.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs an Engine.
func NewEngine(points PointStore, authz Authorizer, state PhysicalState, recorder Recorder, commands Commander, bus EventBus, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		points:   points,
		authz:    authz,
		state:    state,
		recorder: recorder,
		commands: commands,
		bus:      bus,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide runs the decision pipeline for one access attempt. The only
// error return is a malformed request; every policy or infrastructure
// outcome is a recorded Decision.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	if !req.Direction.Valid() {
		return Decision{}, fmt.Errorf("access: invalid direction %q", req.Direction)
	}

	point, err := e.points.GetPointByCode(ctx, req.PointCode)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return e.finish(ctx, req, AccessPoint{TenantID: 0, Code: req.PointCode}, Decision{Granted: false, Reason: ReasonUnknownAccessPoint}), nil
		}
		e.logger.Error("access: point lookup failed", slog.String("point", req.PointCode), slog.Any("error", err))
		return e.finish(ctx, req, AccessPoint{Code: req.PointCode}, Decision{Granted: false, Reason: ReasonStoreUnavailable}), nil
	}

	// Anonymous subjects (plate matches) skip the permission check and
	// are constrained physically only.
	if req.SubjectID != nil && point.RequiredPermission != "" {
		if !e.authz.Authorize(ctx, *req.SubjectID, point.TenantID, point.RequiredPermission) {
			return e.finish(ctx, req, point, Decision{Granted: false, Reason: ReasonInsufficientPermission}), nil
		}
	}

	if point.PINRequired() && !VerifyPIN(point.PINHash, req.PIN) {
		return e.finish(ctx, req, point, Decision{Granted: false, Reason: ReasonInvalidCredential}), nil
	}

	flipped := false
	if point.AntiPassback && req.SubjectID != nil {
		ok, err := e.state.FlipPassback(ctx, point.TenantID, *req.SubjectID, point.AreaID, req.Direction)
		if err != nil {
			e.logger.Error("access: passback state unavailable", slog.String("point", point.Code), slog.Any("error", err))
			return e.finish(ctx, req, point, Decision{Granted: false, Reason: ReasonStoreUnavailable}), nil
		}
		if !ok {
			return e.finish(ctx, req, point, Decision{Granted: false, Reason: ReasonAntiPassbackViolation}), nil
		}
		flipped = true
	}

	if point.InterlockGroup != "" {
		ok, holder, err := e.state.AcquireInterlock(ctx, point.TenantID, point.InterlockGroup, point.Code, point.UnlockDuration)
		if err != nil {
			e.compensateFlip(ctx, point, req, flipped)
			e.logger.Error("access: interlock state unavailable", slog.String("point", point.Code), slog.Any("error", err))
			return e.finish(ctx, req, point, Decision{Granted: false, Reason: ReasonStoreUnavailable}), nil
		}
		if !ok {
			e.compensateFlip(ctx, point, req, flipped)
			e.logger.Info("access: interlock blocked",
				slog.String("point", point.Code),
				slog.String("group", point.InterlockGroup),
				slog.String("holder", holder))
			return e.finish(ctx, req, point, Decision{Granted: false, Reason: ReasonInterlockViolation}), nil
		}
	}

	decision := e.finish(ctx, req, point, Decision{Granted: true, Reason: ReasonGranted})

	// Hardware dispatch is decoupled from the decision: the state
	// mutations above are already committed and a delivery failure is
	// retried by the dispatcher, not surfaced here.
	if jobID, err := e.commands.EnqueueOpenDoor(ctx, point.TenantID, point.DeviceID, point.Code, string(req.Direction), point.UnlockDuration); err != nil {
		e.logger.Error("access: enqueue open command failed",
			slog.String("point", point.Code),
			slog.String("device", point.DeviceID),
			slog.Any("error", err))
	} else {
		e.logger.Info("access: open command enqueued",
			slog.String("point", point.Code),
			slog.String("job_id", jobID))
	}

	return decision, nil
}

// compensateFlip reverses a committed passback transition when a later
// pipeline step denies the same request.
func (e *Engine) compensateFlip(ctx context.Context, point AccessPoint, req Request, flipped bool) {
	if !flipped || req.SubjectID == nil {
		return
	}
	if _, err := e.state.FlipPassback(ctx, point.TenantID, *req.SubjectID, point.AreaID, req.Direction.Opposite()); err != nil {
		e.logger.Error("access: passback compensation failed",
			slog.String("point", point.Code),
			slog.Int64("subject_id", *req.SubjectID),
			slog.Any("error", err))
	}
}

// finish writes the audit record and emits the decision event. The
// record write is synchronous and independent of command dispatch;
// failures are logged, never propagated into the decision.
func (e *Engine) finish(ctx context.Context, req Request, point AccessPoint, d Decision) Decision {
	if e.metrics != nil {
		e.metrics.ObserveDecision(string(d.Reason))
	}
	rec := audit.Record{
		TenantID:   point.TenantID,
		SubjectID:  req.SubjectID,
		PointCode:  req.PointCode,
		Direction:  string(req.Direction),
		Granted:    d.Granted,
		Reason:     string(d.Reason),
		OccurredAt: time.Now().UTC(),
	}
	id, err := e.recorder.Record(ctx, rec)
	if err != nil {
		e.logger.Error("access: decision record write failed",
			slog.String("point", req.PointCode),
			slog.String("reason", string(d.Reason)),
			slog.Any("error", err))
	} else {
		d.RecordID = id
	}

	if e.bus != nil {
		event := "access.denied"
		if d.Granted {
			event = "access.granted"
		}
		e.bus.Emit(ctx, point.TenantID, event, map[string]any{
			"point":     req.PointCode,
			"direction": req.Direction,
			"reason":    d.Reason,
			"record_id": d.RecordID,
		})
	}
	return d
}
