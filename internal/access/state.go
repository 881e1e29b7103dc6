package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore keeps passback and interlock state in Redis. Both updates
// are single atomic operations (Lua scripts), never read-then-write
// from Go, so concurrent requests for the same subject/area or group
// cannot race past each other.
type StateStore struct {
	client *redis.Client
}

// NewStateStore constructs a StateStore.
func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client}
}

const (
	sideInside  = "inside"
	sideOutside = "outside"
)

// passbackFlip validates the requested direction against the current
// side and conditionally commits the transition in one step. A missing
// key means outside.
var passbackFlip = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local inside = (cur == 'inside')
if ARGV[1] == 'in' then
  if inside then return 0 end
  redis.call('SET', KEYS[1], 'inside')
  return 1
end
if not inside then return 0 end
redis.call('SET', KEYS[1], 'outside')
return 1
`)

// interlockAcquire marks the point open in its group unless a different
// member already holds it. Re-acquiring by the same point refreshes the
// open window.
var interlockAcquire = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

func passbackKey(tenantID, subjectID, areaID int64) string {
	return fmt.Sprintf("access:pb:%d:%d:%d", tenantID, subjectID, areaID)
}

func passbackMetaKey(tenantID, subjectID, areaID int64) string {
	return fmt.Sprintf("access:pb:%d:%d:%d:meta", tenantID, subjectID, areaID)
}

func interlockKey(tenantID int64, group string) string {
	return fmt.Sprintf("access:il:%d:%s", tenantID, group)
}

// FlipPassback attempts the OUTSIDE<->INSIDE transition for the subject
// in the area. It returns false when the requested direction does not
// match the current side, an anti-passback violation.
func (s *StateStore) FlipPassback(ctx context.Context, tenantID, subjectID, areaID int64, dir Direction) (bool, error) {
	key := passbackKey(tenantID, subjectID, areaID)
	res, err := passbackFlip.Run(ctx, s.client, []string{key}, string(dir)).Int()
	if err != nil {
		return false, fmt.Errorf("access: passback flip: %w", err)
	}
	if res != 1 {
		return false, nil
	}
	// Metadata is advisory only; its write is not part of the atomic
	// transition.
	meta, _ := json.Marshal(PassbackState{
		Inside:        dir == DirectionIn,
		LastDirection: dir,
		LastAccessAt:  time.Now().UTC(),
	})
	if err := s.client.Set(ctx, passbackMetaKey(tenantID, subjectID, areaID), meta, 0).Err(); err != nil {
		return true, nil
	}
	return true, nil
}

// Passback returns the subject's current state for the area. A missing
// key reads as outside.
func (s *StateStore) Passback(ctx context.Context, tenantID, subjectID, areaID int64) (PassbackState, error) {
	raw, err := s.client.Get(ctx, passbackMetaKey(tenantID, subjectID, areaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PassbackState{Inside: false}, nil
		}
		return PassbackState{}, err
	}
	var state PassbackState
	if err := json.Unmarshal(raw, &state); err != nil {
		return PassbackState{}, err
	}
	return state, nil
}

// ResetPassback force-sets the subject's side for the area. This is the
// operator compensation for physical state the system could not
// observe (a swallowed exit event, a hardware fault).
func (s *StateStore) ResetPassback(ctx context.Context, tenantID, subjectID, areaID int64, inside bool) error {
	side := sideOutside
	dir := DirectionOut
	if inside {
		side = sideInside
		dir = DirectionIn
	}
	if err := s.client.Set(ctx, passbackKey(tenantID, subjectID, areaID), side, 0).Err(); err != nil {
		return fmt.Errorf("access: passback reset: %w", err)
	}
	meta, _ := json.Marshal(PassbackState{Inside: inside, LastDirection: dir, LastAccessAt: time.Now().UTC()})
	return s.client.Set(ctx, passbackMetaKey(tenantID, subjectID, areaID), meta, 0).Err()
}

// AcquireInterlock marks the point open in its group for the unlock
// window. It returns false with the blocking point code when another
// member currently holds the group open.
func (s *StateStore) AcquireInterlock(ctx context.Context, tenantID int64, group, pointCode string, window time.Duration) (bool, string, error) {
	if window <= 0 {
		window = 5 * time.Second
	}
	key := interlockKey(tenantID, group)
	res, err := interlockAcquire.Run(ctx, s.client, []string{key}, pointCode, window.Milliseconds()).Int()
	if err != nil {
		return false, "", fmt.Errorf("access: interlock acquire: %w", err)
	}
	if res == 1 {
		return true, "", nil
	}
	holder, err := s.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, "", fmt.Errorf("access: interlock holder: %w", err)
	}
	return false, holder, nil
}

// interlockRelease deletes the group key only when held by the calling
// point.
var interlockRelease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseInterlock clears the group's open state early, e.g. on a door
// closed report before the window expires. Only the holding point may
// release.
func (s *StateStore) ReleaseInterlock(ctx context.Context, tenantID int64, group, pointCode string) error {
	key := interlockKey(tenantID, group)
	if err := interlockRelease.Run(ctx, s.client, []string{key}, pointCode).Err(); err != nil {
		return fmt.Errorf("access: interlock release: %w", err)
	}
	return nil
}
