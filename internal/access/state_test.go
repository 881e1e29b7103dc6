package access

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestState(t *testing.T) (*StateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStateStore(client), mr
}

func TestPassbackFlipSequence(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	// Fresh subject is outside: OUT is a violation, IN flips.
	ok, err := state.FlipPassback(ctx, 1, 7, 100, DirectionOut)
	if err != nil {
		t.Fatalf("flip out: %v", err)
	}
	if ok {
		t.Fatal("exit without entry must be a violation")
	}

	ok, err = state.FlipPassback(ctx, 1, 7, 100, DirectionIn)
	if err != nil {
		t.Fatalf("flip in: %v", err)
	}
	if !ok {
		t.Fatal("first entry must succeed")
	}

	// Second IN while inside is the classic tailgate share.
	ok, err = state.FlipPassback(ctx, 1, 7, 100, DirectionIn)
	if err != nil {
		t.Fatalf("second flip in: %v", err)
	}
	if ok {
		t.Fatal("re-entry while inside must be a violation")
	}

	// OUT flips back, and a later IN succeeds again.
	if ok, _ = state.FlipPassback(ctx, 1, 7, 100, DirectionOut); !ok {
		t.Fatal("exit while inside must succeed")
	}
	if ok, _ = state.FlipPassback(ctx, 1, 7, 100, DirectionIn); !ok {
		t.Fatal("entry after exit must succeed")
	}
}

func TestPassbackScopedPerSubjectAndArea(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	if ok, _ := state.FlipPassback(ctx, 1, 7, 100, DirectionIn); !ok {
		t.Fatal("subject 7 entry must succeed")
	}
	// A different subject and a different area are unaffected.
	if ok, _ := state.FlipPassback(ctx, 1, 8, 100, DirectionIn); !ok {
		t.Fatal("subject 8 entry must succeed")
	}
	if ok, _ := state.FlipPassback(ctx, 1, 7, 200, DirectionIn); !ok {
		t.Fatal("same subject, other area must succeed")
	}
}

func TestResetPassbackOverridesState(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	if ok, _ := state.FlipPassback(ctx, 1, 7, 100, DirectionIn); !ok {
		t.Fatal("entry must succeed")
	}
	// Operator marks the subject outside after an unobserved exit.
	if err := state.ResetPassback(ctx, 1, 7, 100, false); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := state.FlipPassback(ctx, 1, 7, 100, DirectionIn); !ok {
		t.Fatal("entry after operator reset must succeed")
	}

	pb, err := state.Passback(ctx, 1, 7, 100)
	if err != nil {
		t.Fatalf("read passback: %v", err)
	}
	if !pb.Inside || pb.LastDirection != DirectionIn {
		t.Fatalf("unexpected state after re-entry: %+v", pb)
	}
}

func TestInterlockExcludesGroupMembers(t *testing.T) {
	state, mr := newTestState(t)
	ctx := context.Background()

	ok, holder, err := state.AcquireInterlock(ctx, 1, "mantrap-a", "door-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire must succeed")
	}

	ok, holder, err = state.AcquireInterlock(ctx, 1, "mantrap-a", "door-2", time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("group member must be excluded while door-1 holds")
	}
	if holder != "door-1" {
		t.Fatalf("expected holder door-1, got %q", holder)
	}

	// Same holder refreshes rather than conflicts.
	if ok, _, _ = state.AcquireInterlock(ctx, 1, "mantrap-a", "door-1", time.Second); !ok {
		t.Fatal("holder re-acquire must refresh the window")
	}

	// The window expires on its own.
	mr.FastForward(2 * time.Second)
	if ok, _, _ = state.AcquireInterlock(ctx, 1, "mantrap-a", "door-2", time.Second); !ok {
		t.Fatal("acquire after expiry must succeed")
	}
}

func TestInterlockReleaseOnlyByHolder(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	if ok, _, _ := state.AcquireInterlock(ctx, 1, "mantrap-a", "door-1", time.Minute); !ok {
		t.Fatal("acquire must succeed")
	}
	// A non-holder release is a no-op.
	if err := state.ReleaseInterlock(ctx, 1, "mantrap-a", "door-2"); err != nil {
		t.Fatalf("non-holder release: %v", err)
	}
	if ok, _, _ := state.AcquireInterlock(ctx, 1, "mantrap-a", "door-2", time.Minute); ok {
		t.Fatal("group must still be held after non-holder release")
	}

	if err := state.ReleaseInterlock(ctx, 1, "mantrap-a", "door-1"); err != nil {
		t.Fatalf("holder release: %v", err)
	}
	if ok, _, _ := state.AcquireInterlock(ctx, 1, "mantrap-a", "door-2", time.Minute); !ok {
		t.Fatal("acquire after holder release must succeed")
	}
}

func TestInterlockScopedPerTenantAndGroup(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	if ok, _, _ := state.AcquireInterlock(ctx, 1, "mantrap-a", "door-1", time.Minute); !ok {
		t.Fatal("acquire must succeed")
	}
	if ok, _, _ := state.AcquireInterlock(ctx, 2, "mantrap-a", "door-9", time.Minute); !ok {
		t.Fatal("other tenant's group must be independent")
	}
	if ok, _, _ := state.AcquireInterlock(ctx, 1, "mantrap-b", "door-3", time.Minute); !ok {
		t.Fatal("other group must be independent")
	}
}
