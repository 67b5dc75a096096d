package challenge

import "time"

// State is the lifecycle state of a Challenge.
type State string

const (
	StatePending  State = "PENDING"
	StateConsumed State = "CONSUMED"
	StateExpired  State = "EXPIRED"
)

// Challenge is the metadata about a single challenge issuance.
type Challenge struct {
	ID         string            `json:"id"`         // UUIDv7 identifying the challenge
	Salt       string            `json:"salt"`       // Hex random data the client hashes with its solution
	Difficulty int               `json:"difficulty"` // Leading zero hex nibbles the solution hash needs
	Algorithm  string            `json:"algorithm"`  // Registered Impl that checks solutions
	IssuedAt   time.Time         `json:"issuedAt"`   // When the challenge was issued
	ExpiresAt  time.Time         `json:"expiresAt"`  // When the challenge stops being solvable
	State      State             `json:"state"`      // Stored state, only ever PENDING or CONSUMED
	ConsumedAt *time.Time        `json:"consumedAt,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"` // Correlation id and request details
}

// StateAt derives the state of the challenge at now. EXPIRED is never stored.
func (c *Challenge) StateAt(now time.Time) State {
	if c.State == StateConsumed {
		return StateConsumed
	}
	if now.After(c.ExpiresAt) {
		return StateExpired
	}
	return StatePending
}
