package session

import (
	"time"

	"github.com/veilpay/clientvault/core/config"
)

// State is the session lifecycle state. Terminal states are transient:
// termination passes through the state matching its reason and settles back
// at StateNoSession.
type State string

const (
	StateNoSession State = "no-session"
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateIdle      State = "idle"
	StateTampered  State = "tampered"
	StateClosed    State = "closed"
)

// Reason explains why a session was terminated.
type Reason string

const (
	ReasonExpired  Reason = "expired"
	ReasonIdle     Reason = "idle"
	ReasonTampered Reason = "tampered"
	ReasonClosed   Reason = "closed"
)

// terminalState maps a termination reason to the state passed through on
// the way back to StateNoSession.
func (r Reason) terminalState() State {
	switch r {
	case ReasonExpired:
		return StateExpired
	case ReasonIdle:
		return StateIdle
	case ReasonTampered:
		return StateTampered
	default:
		return StateClosed
	}
}

// Policy holds the session lifetime and background-check configuration.
// Loadable from the environment via core/config.
type Policy struct {
	Duration         time.Duration `env:"SESSION_DURATION" envDefault:"30m"`
	IdleTimeout      time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"10m"`
	MaxExtensions    int           `env:"SESSION_MAX_EXTENSIONS" envDefault:"3"`
	StatusInterval   time.Duration `env:"SESSION_STATUS_INTERVAL" envDefault:"30s"`
	RotationInterval time.Duration `env:"SESSION_ROTATION_INTERVAL" envDefault:"5m"`
	TamperInterval   time.Duration `env:"SESSION_TAMPER_INTERVAL" envDefault:"2m"`
	SecretLength     int           `env:"SESSION_SECRET_LENGTH" envDefault:"32"`
}

// DefaultPolicy returns the policy used when none is supplied.
func DefaultPolicy() Policy {
	return Policy{
		Duration:         30 * time.Minute,
		IdleTimeout:      10 * time.Minute,
		MaxExtensions:    3,
		StatusInterval:   30 * time.Second,
		RotationInterval: 5 * time.Minute,
		TamperInterval:   2 * time.Minute,
		SecretLength:     32,
	}
}

// PolicyFromEnv loads the policy from SESSION_* environment variables,
// falling back to the tag defaults.
func PolicyFromEnv() (Policy, error) {
	var p Policy
	if err := config.Load(&p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// descriptor is the tamper-protected session metadata persisted to the host
// region. It never carries the session secret or any registry password.
type descriptor struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExtensionCount int       `json:"extension_count"`
}

// Info is a point-in-time snapshot of the session for callers that need to
// display or assert on its state.
type Info struct {
	ID             string
	State          State
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	ExtensionCount int
	RegisteredKeys int
	LastReason     Reason
}
