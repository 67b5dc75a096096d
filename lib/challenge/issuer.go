package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/lib/admission"
	"github.com/uvensys/aegis/lib/apierr"
	"github.com/uvensys/aegis/lib/store"
)

// StorePrefix namespaces challenge records in the shared store.
const StorePrefix = "challenge:"

const (
	saltBytes            = 32
	maxDifficulty        = 64
	maxSolutionLength    = 64
	maxCorrelationLength = 128
)

type Options struct {
	Store      store.Interface
	Tokens     *admission.Store
	Algorithm  string
	Difficulty int
	TTL        time.Duration
	Clock      func() time.Time
	Rand       io.Reader
}

// Issuer creates challenges and turns solved ones into admission tokens.
type Issuer struct {
	challenges *store.JSON[Challenge]
	tokens     *admission.Store
	algorithm  string
	difficulty int
	ttl        time.Duration
	now        func() time.Time
	rand       io.Reader
}

func NewIssuer(opts Options) (*Issuer, error) {
	var errs []error

	if opts.Store == nil || opts.Tokens == nil {
		errs = append(errs, ErrNoStore)
	}
	if opts.Algorithm == "" {
		opts.Algorithm = aegis.DefaultAlgorithm
	}
	if _, ok := Get(opts.Algorithm); !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, opts.Algorithm))
	}
	if opts.Difficulty < 1 || opts.Difficulty > maxDifficulty {
		errs = append(errs, fmt.Errorf("%w: %d not in [1, %d]", ErrBadDifficulty, opts.Difficulty, maxDifficulty))
	}
	if opts.TTL == 0 {
		opts.TTL = aegis.DefaultChallengeTTL
	}
	if opts.TTL < 0 {
		errs = append(errs, ErrBadTTL)
	}

	if len(errs) != 0 {
		return nil, fmt.Errorf("challenge: can't create issuer: %w", errors.Join(errs...))
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	return &Issuer{
		challenges: &store.JSON[Challenge]{Underlying: opts.Store, Prefix: StorePrefix},
		tokens:     opts.Tokens,
		algorithm:  opts.Algorithm,
		difficulty: opts.Difficulty,
		ttl:        opts.TTL,
		now:        opts.Clock,
		rand:       opts.Rand,
	}, nil
}

// Difficulty is the number of leading zero nibbles new challenges require.
func (i *Issuer) Difficulty() int {
	return i.difficulty
}

// Algorithm is the proof-of-work algorithm new challenges use.
func (i *Issuer) Algorithm() string {
	return i.algorithm
}

// Init creates and persists a new PENDING challenge. correlationID is
// optional and only recorded for observability.
func (i *Issuer) Init(ctx context.Context, correlationID string) (*Challenge, error) {
	if len(correlationID) > maxCorrelationLength {
		return nil, apierr.New(apierr.MalformedRequest, "init", fmt.Errorf("%w: sessionId longer than %d bytes", ErrInvalidFormat, maxCorrelationLength))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("challenge: can't generate id: %w", err)
	}

	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(i.rand, salt); err != nil {
		return nil, fmt.Errorf("challenge: can't generate salt: %w", err)
	}

	now := i.now()
	chall := Challenge{
		ID:         id.String(),
		Salt:       hex.EncodeToString(salt),
		Difficulty: i.difficulty,
		Algorithm:  i.algorithm,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.ttl),
		State:      StatePending,
	}

	if correlationID != "" {
		chall.Metadata = map[string]string{"correlationId": correlationID}
	}

	if err := i.challenges.Set(ctx, chall.ID, chall, i.ttl+aegis.RetentionGrace); err != nil {
		return nil, apierr.New(apierr.StoreUnavailable, "init", err)
	}

	challengesIssued.WithLabelValues(i.algorithm).Inc()
	return &chall, nil
}

// Get returns a challenge with its state derived at the current time.
func (i *Issuer) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	if _, err := uuid.Parse(challengeID); err != nil {
		return nil, apierr.New(apierr.ChallengeNotFound, "get", fmt.Errorf("%w: challengeId: %w", ErrInvalidFormat, err))
	}

	chall, err := i.challenges.Get(ctx, challengeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apierr.New(apierr.ChallengeNotFound, "get", err)
	case err != nil:
		return nil, apierr.New(apierr.StoreUnavailable, "get", err)
	}

	chall.State = chall.StateAt(i.now())
	return &chall, nil
}

// Verify checks solution against the stored challenge and, on success,
// consumes the challenge and mints an admission token. A failed solution
// leaves the challenge PENDING. Of any number of concurrent Verify calls with
// valid solutions for one challenge, exactly one succeeds.
func (i *Issuer) Verify(ctx context.Context, challengeID, solution string) (*admission.Token, error) {
	tok, err := i.verify(ctx, challengeID, solution)
	if err != nil {
		failedValidations.WithLabelValues(i.algorithm, string(apierr.KindOf(err))).Inc()
		return nil, err
	}

	challengesValidated.WithLabelValues(i.algorithm).Inc()
	return tok, nil
}

func (i *Issuer) verify(ctx context.Context, challengeID, solution string) (*admission.Token, error) {
	if solution == "" {
		return nil, apierr.New(apierr.MalformedRequest, "verify", fmt.Errorf("%w solution", ErrMissingField))
	}
	if len(solution) > maxSolutionLength {
		return nil, apierr.New(apierr.MalformedRequest, "verify", fmt.Errorf("%w: solution longer than %d bytes", ErrInvalidFormat, maxSolutionLength))
	}

	chall, err := i.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	switch chall.State {
	case StateExpired:
		return nil, apierr.New(apierr.ChallengeExpired, "verify", fmt.Errorf("%w at %s", errExpired, chall.ExpiresAt.Format(time.RFC3339)))
	case StateConsumed:
		return nil, apierr.New(apierr.ChallengeAlreadyConsumed, "verify", errAlreadyConsumed)
	}

	impl, ok := Get(chall.Algorithm)
	if !ok {
		return nil, apierr.New(apierr.StoreUnavailable, "verify", fmt.Errorf("%w: stored challenge uses %q", ErrUnknownAlgorithm, chall.Algorithm))
	}

	if err := impl.Validate(chall, solution); err != nil {
		return nil, apierr.New(apierr.InvalidProofOfWork, "verify", err)
	}

	now := i.now()
	_, err = i.challenges.Transition(ctx, challengeID, func(c Challenge) (Challenge, error) {
		switch c.StateAt(now) {
		case StateConsumed:
			return c, errAlreadyConsumed
		case StateExpired:
			return c, errExpired
		}

		c.State = StateConsumed
		c.ConsumedAt = &now
		return c, nil
	})

	switch {
	case errors.Is(err, errAlreadyConsumed):
		return nil, apierr.New(apierr.ChallengeAlreadyConsumed, "verify", err)
	case errors.Is(err, errExpired):
		return nil, apierr.New(apierr.ChallengeExpired, "verify", err)
	case errors.Is(err, store.ErrNotFound):
		return nil, apierr.New(apierr.ChallengeNotFound, "verify", err)
	case err != nil:
		return nil, apierr.New(apierr.StoreUnavailable, "verify", err)
	}

	// The challenge is spent even if minting fails; the client starts over.
	return i.tokens.Issue(ctx, chall.ID)
}
