// Package challengetest builds issuers and challenges for tests.
package challengetest

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/admission"
	"github.com/uvensys/aegis/lib/challenge"
	"github.com/uvensys/aegis/lib/store"
	"github.com/uvensys/aegis/lib/store/memory"

	_ "github.com/uvensys/aegis/lib/challenge/proofofwork"
)

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// New returns a PENDING challenge that was never persisted.
func New(t *testing.T) *challenge.Challenge {
	t.Helper()

	now := time.Now()

	return &challenge.Challenge{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Salt:       internal.SHA256sum(now.String()),
		Difficulty: 1,
		Algorithm:  aegis.DefaultAlgorithm,
		IssuedAt:   now,
		ExpiresAt:  now.Add(aegis.DefaultChallengeTTL),
		State:      challenge.StatePending,
	}
}

// Env is an issuer and token store sharing one memory store and clock.
type Env struct {
	Clock  *Clock
	Store  store.Interface
	Tokens *admission.Store
	Issuer *challenge.Issuer
}

func NewEnv(t *testing.T, difficulty int) *Env {
	t.Helper()

	clk := NewClock()
	st := memory.New(t.Context())
	tokens := admission.New(admission.Options{
		Store: st,
		Clock: clk.Now,
	})

	iss, err := challenge.NewIssuer(challenge.Options{
		Store:      st,
		Tokens:     tokens,
		Difficulty: difficulty,
		Clock:      clk.Now,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &Env{
		Clock:  clk,
		Store:  st,
		Tokens: tokens,
		Issuer: iss,
	}
}

// Plant writes c into the store as if the issuer had created it.
func (e *Env) Plant(t *testing.T, c *challenge.Challenge) {
	t.Helper()

	js := &store.JSON[challenge.Challenge]{Underlying: e.Store, Prefix: challenge.StorePrefix}
	if err := js.Set(t.Context(), c.ID, *c, time.Hour); err != nil {
		t.Fatal(err)
	}
}
