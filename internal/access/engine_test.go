package access

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse/gatehouse/internal/audit"
	"github.com/gatehouse/gatehouse/internal/shared"
)

type fakePoints struct {
	points map[string]AccessPoint
	err    error
}

func (f *fakePoints) GetPointByCode(ctx context.Context, code string) (AccessPoint, error) {
	if f.err != nil {
		return AccessPoint{}, f.err
	}
	p, ok := f.points[code]
	if !ok {
		return AccessPoint{}, shared.ErrNotFound
	}
	return p, nil
}

type fakeAuthz struct {
	allowed map[string]bool
}

func (f *fakeAuthz) Authorize(ctx context.Context, subjectID, tenantID int64, code string) bool {
	return f.allowed[code]
}

type fakeRecorder struct {
	records []audit.Record
	err     error
}

func (f *fakeRecorder) Record(ctx context.Context, rec audit.Record) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.records = append(f.records, rec)
	return "rec-1", nil
}

func (f *fakeRecorder) last(t *testing.T) audit.Record {
	t.Helper()
	if len(f.records) == 0 {
		t.Fatal("expected a decision record")
	}
	return f.records[len(f.records)-1]
}

type fakeCommander struct {
	enqueued []string
	err      error
}

func (f *fakeCommander) EnqueueOpenDoor(ctx context.Context, tenantID int64, deviceID, pointCode, direction string, unlock time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, pointCode)
	return "job-1", nil
}

type fakeBus struct {
	events []string
}

func (f *fakeBus) Emit(ctx context.Context, tenantID int64, event string, payload any) {
	f.events = append(f.events, event)
}

type engineFixture struct {
	engine   *Engine
	points   *fakePoints
	authz    *fakeAuthz
	recorder *fakeRecorder
	commands *fakeCommander
	bus      *fakeBus
	redis    *miniredis.Miniredis
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &engineFixture{
		points:   &fakePoints{points: map[string]AccessPoint{}},
		authz:    &fakeAuthz{allowed: map[string]bool{}},
		recorder: &fakeRecorder{},
		commands: &fakeCommander{},
		bus:      &fakeBus{},
		redis:    mr,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewEngine(f.points, f.authz, NewStateStore(client), f.recorder, f.commands, f.bus, logger)
	return f
}

func (f *engineFixture) addPoint(p AccessPoint) {
	f.points.points[p.Code] = p
}

func subject(id int64) *int64 { return &id }

func TestDecideGrantsAndDispatches(t *testing.T) {
	f := newEngineFixture(t)
	f.addPoint(AccessPoint{
		Code: "hq-lobby-in", TenantID: 1, AreaID: 100, DeviceID: "ctrl-1",
		AntiPassback: true, UnlockDuration: 5 * time.Second,
		RequiredPermission: "access.doors.open",
	})
	f.authz.allowed["access.doors.open"] = true

	d, err := f.engine.Decide(context.Background(), Request{
		SubjectID: subject(7), PointCode: "hq-lobby-in", Direction: DirectionIn,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Granted || d.Reason != ReasonGranted {
		t.Fatalf("expected grant, got %+v", d)
	}
	if d.RecordID != "rec-1" {
		t.Fatalf("expected record id on decision, got %q", d.RecordID)
	}
	rec := f.recorder.last(t)
	if !rec.Granted || rec.PointCode != "hq-lobby-in" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(f.commands.enqueued) != 1 {
		t.Fatalf("expected one open command, got %d", len(f.commands.enqueued))
	}
	if len(f.bus.events) != 1 || f.bus.events[0] != "access.granted" {
		t.Fatalf("expected access.granted event, got %v", f.bus.events)
	}
}

func TestDecideDeniesWithoutPermission(t *testing.T) {
	f := newEngineFixture(t)
	f.addPoint(AccessPoint{
		Code: "vault-in", TenantID: 1, AreaID: 200, DeviceID: "ctrl-2",
		RequiredPermission: "access.vault.open",
	})

	d, err := f.engine.Decide(context.Background(), Request{
		SubjectID: subject(7), PointCode: "vault-in", Direction: DirectionIn,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Granted || d.Reason != ReasonInsufficientPermission {
		t.Fatalf("expected permission deny, got %+v", d)
	}
	if len(f.commands.enqueued) != 0 {
		t.Fatal("denied attempt must not enqueue a command")
	}
	rec := f.recorder.last(t)
	if rec.Granted || rec.Reason != string(ReasonInsufficientPermission) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(f.bus.events) != 1 || f.bus.events[0] != "access.denied" {
		t.Fatalf("expected access.denied event, got %v", f.bus.events)
	}
}

func TestDecideAntiPassback(t *testing.T) {
	f := newEngineFixture(t)
	f.addPoint(AccessPoint{
		Code: "lab-in", TenantID: 1, AreaID: 300, DeviceID: "ctrl-3",
		AntiPassback: true, RequiredPermission: "access.doors.open",
	})
	f.authz.allowed["access.doors.open"] = true
	ctx := context.Background()
	req := Request{SubjectID: subject(7), PointCode: "lab-in", Direction: DirectionIn}

	if d, _ := f.engine.Decide(ctx, req); !d.Granted {
		t.Fatalf("first entry must be granted, got %+v", d)
	}

	// Badge passed back through the door: same subject, same direction.
	d, err := f.engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Granted || d.Reason != ReasonAntiPassbackViolation {
		t.Fatalf("expected passback violation, got %+v", d)
	}
	if len(f.commands.enqueued) != 1 {
		t.Fatalf("violation must not enqueue a second command, got %d", len(f.commands.enqueued))
	}

	// Exit then re-entry is the legitimate sequence.
	out := req
	out.Direction = DirectionOut
	if d, _ := f.engine.Decide(ctx, out); !d.Granted {
		t.Fatalf("exit must be granted, got %+v", d)
	}
	if d, _ := f.engine.Decide(ctx, req); !d.Granted {
		t.Fatalf("re-entry after exit must be granted, got %+v", d)
	}
}

func TestDecideAnonymousSubjectSkipsPermissions(t *testing.T) {
	f := newEngineFixture(t)
	f.addPoint(AccessPoint{
		Code: "parking-in", TenantID: 1, AreaID: 400, DeviceID: "ctrl-4",
		RequiredPermission: "access.parking.open",
	})
	// No permissions granted at all.

	d, err := f.engine.Decide(context.Background(), Request{
		SubjectID: nil, PointCode: "parking-in", Direction: DirectionIn,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Granted {
		t.Fatalf("anonymous plate match must be constrained physically only, got %+v", d)
	}
	rec := f.recorder.last(t)
	if rec.SubjectID != nil {
		t.Fatalf("expected anonymous record, got subject %v", rec.SubjectID)
	}
}

func TestDecideInterlockBlocksGroup(t *testing.T) {
	f := newEngineFixture(t)
	f.addPoint(AccessPoint{
		Code: "mantrap-outer", TenantID: 1, AreaID: 500, DeviceID: "ctrl-5",
		InterlockGroup: "mantrap-a", UnlockDuration: 3 * time.Second,
	})
	f.addPoint(AccessPoint{
		Code: "mantrap-inner", TenantID: 1, AreaID: 500, DeviceID: "ctrl-6",
		InterlockGroup: "mantrap-a", UnlockDuration: 3 * time.Second,
	})
	ctx := context.Background()

	if d, _ := f.engine.Decide(ctx, Request{SubjectID: subject(7), PointCode: "mantrap-outer", Direction: DirectionIn}); !d.Granted {
		t.Fatalf("outer door must open, got %+v", d)
	}

	d, err := f.engine.Decide(ctx, Request{SubjectID: subject(7), PointCode: "mantrap-inner", Direction: DirectionIn})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Granted || d.Reason != ReasonInterlockViolation {
		t.Fatalf("inner door must be blocked while outer is open, got %+v", d)
	}

	// After the outer window lapses the inner door opens.
	f.redis.FastForward(4 * time.Second)
	if d, _ := f.engine.Decide(ctx, Request{SubjectID: subject(7), PointCode: "mantrap-inner", Direction: DirectionIn}); !d.Granted {
		t.Fatalf("inner door must open after the window, got %+v", d)
	}
}

func TestDecideInterlockDenyCompensatesPassback(t *testing.T) {
	f := newEngineFixture(t)
	f.addPoint(AccessPoint{
		Code: "clean-in", TenantID: 1, AreaID: 600, DeviceID: "ctrl-7",
		AntiPassback: true, InterlockGroup: "clean-a", UnlockDuration: time.Minute,
	})
	f.addPoint(AccessPoint{
		Code: "clean-aux", TenantID: 1, AreaID: 601, DeviceID: "ctrl-8",
		InterlockGroup: "clean-a", UnlockDuration: time.Minute,
	})
	ctx := context.Background()

	// Another point holds the group open.
	if d, _ := f.engine.Decide(ctx, Request{SubjectID: subject(9), PointCode: "clean-aux", Direction: DirectionIn}); !d.Granted {
		t.Fatalf("aux point must open, got %+v", d)
	}

	req := Request{SubjectID: subject(7), PointCode: "clean-in", Direction: DirectionIn}
	if d, _ := f.engine.Decide(ctx, req); d.Granted || d.Reason != ReasonInterlockViolation {
		t.Fatalf("expected interlock deny, got %+v", d)
	}

	// The denied attempt must not have consumed the subject's entry: once
	// the group frees up, the same entry succeeds.
	f.redis.FastForward(2 * time.Minute)
	if d, _ := f.engine.Decide(ctx, req); !d.Granted {
		t.Fatalf("entry after group freed must be granted, got %+v", d)
	}
}

func TestDecidePIN(t *testing.T) {
	f := newEngineFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("4913"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	f.addPoint(AccessPoint{
		Code: "server-room-in", TenantID: 1, AreaID: 700, DeviceID: "ctrl-9",
		PINHash: hash,
	})
	ctx := context.Background()

	d, err := f.engine.Decide(ctx, Request{SubjectID: subject(7), PointCode: "server-room-in", Direction: DirectionIn, PIN: "0000"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Granted || d.Reason != ReasonInvalidCredential {
		t.Fatalf("wrong PIN must deny, got %+v", d)
	}

	if d, _ := f.engine.Decide(ctx, Request{SubjectID: subject(7), PointCode: "server-room-in", Direction: DirectionIn, PIN: "4913"}); !d.Granted {
		t.Fatalf("correct PIN must grant, got %+v", d)
	}
}

func TestDecideUnknownPoint(t *testing.T) {
	f := newEngineFixture(t)

	d, err := f.engine.Decide(context.Background(), Request{
		SubjectID: subject(7), PointCode: "no-such-door", Direction: DirectionIn,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Granted || d.Reason != ReasonUnknownAccessPoint {
		t.Fatalf("expected unknown point deny, got %+v", d)
	}
	if len(f.recorder.records) != 1 {
		t.Fatal("unknown point attempts must still be recorded")
	}
}

func TestDecideFailsClosedOnStoreError(t *testing.T) {
	f := newEngineFixture(t)
	f.points.err = errors.New("pg down")

	d, err := f.engine.Decide(context.Background(), Request{
		SubjectID: subject(7), PointCode: "hq-lobby-in", Direction: DirectionIn,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Granted || d.Reason != ReasonStoreUnavailable {
		t.Fatalf("store failure must deny, got %+v", d)
	}
}

func TestDecideRejectsInvalidDirection(t *testing.T) {
	f := newEngineFixture(t)

	if _, err := f.engine.Decide(context.Background(), Request{
		SubjectID: subject(7), PointCode: "hq-lobby-in", Direction: "sideways",
	}); err == nil {
		t.Fatal("invalid direction must be a request error")
	}
}

func TestDecideGrantSurvivesDispatchFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.addPoint(AccessPoint{Code: "yard-in", TenantID: 1, AreaID: 800, DeviceID: "ctrl-10"})
	f.commands.err = errors.New("queue down")

	d, err := f.engine.Decide(context.Background(), Request{
		SubjectID: subject(7), PointCode: "yard-in", Direction: DirectionIn,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Granted {
		t.Fatalf("dispatch failure must not flip the decision, got %+v", d)
	}
}
