package twofactor

import (
	"fmt"
	"time"
)

// State is a step of the enrollment flow.
type State string

const (
	StateNone      State = "none"
	StateQR        State = "qr"
	StateVerify    State = "verify"
	StateBackup    State = "backup"
	StateEnabled   State = "enabled"
	StateCancelled State = "cancelled"
)

var transitions = map[State][]State{
	StateQR:     {StateVerify, StateCancelled},
	StateVerify: {StateBackup, StateQR, StateCancelled},
	StateBackup: {StateEnabled, StateCancelled},
}

// Terminal states end the enrollment; the pending record is removed.
func (s State) Terminal() bool {
	return s == StateEnabled || s == StateCancelled
}

// Enrollment is the pending, not yet enabled, second factor of one identity.
type Enrollment struct {
	IdentityID string    `json:"identityId"`
	Account    string    `json:"account"`
	State      State     `json:"state"`
	Secret     []byte    `json:"secret"` // sealed
	StartedAt  time.Time `json:"startedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// advance moves e to next if the flow allows it.
func (e *Enrollment) advance(next State) error {
	for _, allowed := range transitions[e.State] {
		if allowed == next {
			e.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, next)
}
