package access

import "time"

// Direction is the side of an access point a subject moves through.
type Direction string

const (
	// DirectionIn enters the area behind the access point.
	DirectionIn Direction = "in"
	// DirectionOut leaves it.
	DirectionOut Direction = "out"
)

// Valid reports whether the direction is one of the two known values.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Opposite returns the reverse direction, used to compensate a passback
// flip when a later pipeline step denies.
func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// AccessPoint is a controllable door, gate, or barrier.
type AccessPoint struct {
	ID                 int64
	Code               string
	TenantID           int64
	Name               string
	AreaID             int64
	DeviceID           string
	AntiPassback       bool
	InterlockGroup     string
	UnlockDuration     time.Duration
	RequiredPermission string
	PINHash            []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PINRequired reports whether the point demands a keypad PIN on top of
// the credential.
func (p AccessPoint) PINRequired() bool {
	return len(p.PINHash) > 0
}

// Reason is a stable, enumerable decision reason code.
type Reason string

const (
	ReasonGranted                Reason = "GRANTED"
	ReasonInsufficientPermission Reason = "INSUFFICIENT_PERMISSION"
	ReasonAntiPassbackViolation  Reason = "ANTI_PASSBACK_VIOLATION"
	ReasonInterlockViolation     Reason = "INTERLOCK_VIOLATION"
	ReasonUnknownAccessPoint     Reason = "UNKNOWN_ACCESS_POINT"
	ReasonInvalidCredential      Reason = "INVALID_CREDENTIAL"
	ReasonStoreUnavailable       Reason = "STORE_UNAVAILABLE"
)

// Decision is the outcome of one access attempt.
type Decision struct {
	Granted  bool   `json:"granted"`
	Reason   Reason `json:"reason"`
	RecordID string `json:"record_id,omitempty"`
}

// Request describes one inbound access attempt. SubjectID is nil for
// anonymous credentials (a recognized plate): physical constraints are
// evaluated but the permission check is skipped.
type Request struct {
	SubjectID *int64
	PointCode string
	Direction Direction
	PIN       string
}

// PassbackState tracks which side of an area a subject is on.
type PassbackState struct {
	Inside        bool      `json:"inside"`
	LastDirection Direction `json:"last_direction"`
	LastAccessAt  time.Time `json:"last_access_at"`
}
