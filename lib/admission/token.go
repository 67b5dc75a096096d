// Package admission mints and checks the opaque bearer tokens a client
// receives for solving a proof-of-work challenge.
package admission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/apierr"
	"github.com/uvensys/aegis/lib/store"
)

// Status is the lifecycle state of a Token.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// idBytes is the amount of randomness in a token id.
const idBytes = 32

var (
	errAlreadyRevoked = errors.New("admission: token already revoked")
	errExpired        = errors.New("admission: token expired")
)

// Token is an admission token. It proves a challenge was solved and carries
// no identity.
type Token struct {
	ID          string     `json:"tokenId"`
	ChallengeID string     `json:"issuedFromChallengeId"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Status      Status     `json:"status"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// StatusAt derives the status of the token at now. Expiry is never written
// back to the store; it is computed on every read.
func (t *Token) StatusAt(now time.Time) Status {
	if t.Status == StatusRevoked {
		return StatusRevoked
	}
	if now.After(t.ExpiresAt) {
		return StatusExpired
	}
	return t.Status
}

type Options struct {
	Store store.Interface
	TTL   time.Duration
	Clock func() time.Time
	Rand  io.Reader
}

// Store issues, validates and revokes tokens on top of a storage backend.
type Store struct {
	tokens *store.JSON[Token]
	ttl    time.Duration
	now    func() time.Time
	rand   io.Reader
}

func New(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = aegis.DefaultTokenTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	return &Store{
		tokens: &store.JSON[Token]{Underlying: opts.Store, Prefix: "token:"},
		ttl:    opts.TTL,
		now:    opts.Clock,
		rand:   opts.Rand,
	}
}

// TTL is the lifetime of newly issued tokens.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// storeKey keeps raw token ids out of the backend so a leaked store dump
// can't be replayed as bearer tokens.
func storeKey(tokenID string) string {
	return internal.SHA256sum(tokenID)
}

func wellFormed(tokenID string) bool {
	if len(tokenID) != idBytes*2 {
		return false
	}
	_, err := hex.DecodeString(tokenID)
	return err == nil
}

// Issue mints a fresh token for a consumed challenge.
func (s *Store) Issue(ctx context.Context, challengeID string) (*Token, error) {
	buf := make([]byte, idBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return nil, fmt.Errorf("admission: can't generate token id: %w", err)
	}

	now := s.now()
	tok := Token{
		ID:          hex.EncodeToString(buf),
		ChallengeID: challengeID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
		Status:      StatusActive,
	}

	if err := s.tokens.Set(ctx, storeKey(tok.ID), tok, s.ttl+aegis.RetentionGrace); err != nil {
		return nil, apierr.New(apierr.StoreUnavailable, "issue", err)
	}

	tokensIssued.Inc()
	return &tok, nil
}

func (s *Store) lookup(ctx context.Context, verb, tokenID string) (*Token, error) {
	if !wellFormed(tokenID) {
		return nil, apierr.New(apierr.TokenInvalid, verb, errors.New("admission: malformed token id"))
	}

	tok, err := s.tokens.Get(ctx, storeKey(tokenID))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apierr.New(apierr.TokenInvalid, verb, err)
	case err != nil:
		return nil, apierr.New(apierr.StoreUnavailable, verb, err)
	}

	return &tok, nil
}

// Validate returns the token if it is ACTIVE. Otherwise the error carries
// TokenInvalid, TokenExpired, TokenRevoked or StoreUnavailable.
func (s *Store) Validate(ctx context.Context, tokenID string) (*Token, error) {
	tok, err := s.lookup(ctx, "validate", tokenID)
	if err != nil {
		tokenValidations.WithLabelValues(string(apierr.KindOf(err))).Inc()
		return nil, err
	}

	switch tok.StatusAt(s.now()) {
	case StatusExpired:
		err = apierr.New(apierr.TokenExpired, "validate", fmt.Errorf("admission: token expired at %s", tok.ExpiresAt.Format(time.RFC3339)))
	case StatusRevoked:
		err = apierr.New(apierr.TokenRevoked, "validate", nil)
	}

	if err != nil {
		tokenValidations.WithLabelValues(string(apierr.KindOf(err))).Inc()
		return nil, err
	}

	tokenValidations.WithLabelValues("ok").Inc()
	return tok, nil
}

// Revoke moves an ACTIVE token to REVOKED with a single compare-and-swap.
// Revoking an already revoked token is a no-op.
func (s *Store) Revoke(ctx context.Context, tokenID string) (*Token, error) {
	if _, err := s.lookup(ctx, "revoke", tokenID); err != nil {
		return nil, err
	}

	now := s.now()
	var current Token

	tok, err := s.tokens.Transition(ctx, storeKey(tokenID), func(t Token) (Token, error) {
		current = t
		switch t.StatusAt(now) {
		case StatusRevoked:
			return t, errAlreadyRevoked
		case StatusExpired:
			return t, errExpired
		}

		t.Status = StatusRevoked
		t.RevokedAt = &now
		return t, nil
	})

	switch {
	case errors.Is(err, errAlreadyRevoked):
		return &current, nil
	case errors.Is(err, errExpired):
		return nil, apierr.New(apierr.TokenExpired, "revoke", err)
	case errors.Is(err, store.ErrNotFound):
		return nil, apierr.New(apierr.TokenInvalid, "revoke", err)
	case err != nil:
		return nil, apierr.New(apierr.StoreUnavailable, "revoke", err)
	}

	tokensRevoked.Inc()
	return &tok, nil
}
