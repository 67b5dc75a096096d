// Package agent is the client side of the handshake. It obtains admission
// tokens by solving proof-of-work challenges, caches them per correlation key
// and attaches them (plus request signatures, when configured) to outgoing
// requests.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/lib/apierr"
	"github.com/uvensys/aegis/lib/challenge"
	"github.com/uvensys/aegis/lib/challenge/proofofwork"
	"github.com/uvensys/aegis/lib/signature"
	"golang.org/x/sync/singleflight"
)

// FallbackPolicy decides what Do does when no token can be obtained.
type FallbackPolicy int

const (
	// FailClosed fails the request with the handshake error.
	FailClosed FallbackPolicy = iota
	// FailOpen sends the request without a token.
	FailOpen
)

func (p FallbackPolicy) String() string {
	switch p {
	case FailClosed:
		return "fail-closed"
	case FailOpen:
		return "fail-open"
	}
	return fmt.Sprintf("FallbackPolicy(%d)", int(p))
}

// DefaultKey is the correlation key used when a request carries none.
const DefaultKey = "default"

const (
	DefaultMargin           = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMaxRetries       = 5
)

var (
	ErrNoBaseURL            = errors.New("agent: gateway base URL is missing")
	ErrUnsupportedAlgorithm = errors.New("agent: gateway asked for an unsupported proof-of-work algorithm")
)

type Options struct {
	// BaseURL is the gateway URL, including its base prefix if any.
	BaseURL string

	Client   *http.Client
	Signer   *signature.Signer
	Fallback FallbackPolicy

	// Margin is how long before expiry a cached token is replaced.
	Margin time.Duration

	// HandshakeTimeout bounds a whole handshake including retries. It is
	// detached from the caller's context so one impatient caller can't fail
	// a handshake shared with others.
	HandshakeTimeout time.Duration

	MaxRetries      int
	InitialInterval time.Duration
	MaxIterations   int

	Clock  func() time.Time
	Logger *slog.Logger
}

type cachedToken struct {
	TokenID   string
	ExpiresAt time.Time
}

// Agent is safe for concurrent use.
type Agent struct {
	base             *url.URL
	client           *http.Client
	signer           *signature.Signer
	fallback         FallbackPolicy
	margin           time.Duration
	handshakeTimeout time.Duration
	maxRetries       int
	initialInterval  time.Duration
	maxIterations    int
	now              func() time.Time
	lg               *slog.Logger

	group singleflight.Group

	lock  sync.Mutex
	cache map[string]cachedToken
}

func New(opts Options) (*Agent, error) {
	if opts.BaseURL == "" {
		return nil, ErrNoBaseURL
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("agent: can't parse base URL: %w", err)
	}

	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = backoff.DefaultInitialInterval
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = aegis.MaxSolveIterations
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Agent{
		base:             base,
		client:           opts.Client,
		signer:           opts.Signer,
		fallback:         opts.Fallback,
		margin:           opts.Margin,
		handshakeTimeout: opts.HandshakeTimeout,
		maxRetries:       opts.MaxRetries,
		initialInterval:  opts.InitialInterval,
		maxIterations:    opts.MaxIterations,
		now:              opts.Clock,
		lg:               opts.Logger.With("component", "agent"),
		cache:            map[string]cachedToken{},
	}, nil
}

type keyCtxKey struct{}

// WithKey returns a context whose requests use key as correlation key.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtxKey{}, key)
}

// KeyFromContext returns the correlation key carried by ctx, or DefaultKey.
func KeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(keyCtxKey{}).(string); ok && key != "" {
		return key
	}
	return DefaultKey
}

func (a *Agent) cached(key string) (cachedToken, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	tok, ok := a.cache[key]
	if !ok || !a.now().Before(tok.ExpiresAt.Add(-a.margin)) {
		return cachedToken{}, false
	}
	return tok, true
}

// invalidate drops the cache entry for key if it still holds tokenID, so a
// token refreshed by a concurrent caller survives.
func (a *Agent) invalidate(key, tokenID string) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if tok, ok := a.cache[key]; ok && (tokenID == "" || tok.TokenID == tokenID) {
		delete(a.cache, key)
	}
}

// ClearCache forgets every cached token.
func (a *Agent) ClearCache() {
	a.lock.Lock()
	defer a.lock.Unlock()
	clear(a.cache)
}

// Token returns a usable token for key, running a handshake when the cache
// has none. Concurrent callers with the same key share one handshake.
func (a *Agent) Token(ctx context.Context, key string) (string, error) {
	if tok, ok := a.cached(key); ok {
		return tok.TokenID, nil
	}

	ch := a.group.DoChan(key, func() (any, error) {
		if tok, ok := a.cached(key); ok {
			return tok, nil
		}

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.handshakeTimeout)
		defer cancel()

		tok, err := a.handshake(hctx, key)
		if err != nil {
			return nil, err
		}

		a.lock.Lock()
		a.cache[key] = tok
		a.lock.Unlock()

		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(cachedToken).TokenID, nil
	}
}

func (a *Agent) handshake(ctx context.Context, key string) (cachedToken, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.initialInterval
	eb.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(a.maxRetries)), ctx)

	return backoff.RetryNotifyWithData[cachedToken](func() (cachedToken, error) {
		tok, err := a.handshakeOnce(ctx, key)
		if err == nil {
			return tok, nil
		}
		if !shouldRetry(err) {
			return cachedToken{}, backoff.Permanent(err)
		}
		return cachedToken{}, err
	}, bo, func(err error, wait time.Duration) {
		a.lg.Debug("handshake failed, retrying", "key", key, "err", err, "wait", wait)
	})
}

// shouldRetry separates infrastructure failures and challenge lifecycle
// failures, which a fresh attempt can fix, from client errors.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, proofofwork.ErrSolveExhausted) || errors.Is(err, ErrUnsupportedAlgorithm) {
		return false
	}

	var aerr *apierr.Error
	if !errors.As(err, &aerr) {
		// Transport error.
		return true
	}

	if aerr.Retryable() {
		return true
	}

	switch aerr.Kind {
	case apierr.ChallengeNotFound, apierr.ChallengeExpired, apierr.ChallengeAlreadyConsumed:
		return true
	}

	return false
}

func (a *Agent) handshakeOnce(ctx context.Context, key string) (cachedToken, error) {
	var puzzle aegis.InitResponse
	if err := a.post(ctx, "init", "", aegis.InitRequest{SessionID: key}, &puzzle); err != nil {
		return cachedToken{}, err
	}

	algorithm := puzzle.Algorithm
	if algorithm == "" {
		algorithm = aegis.DefaultAlgorithm
	}

	impl, ok := challenge.Get(algorithm)
	if !ok {
		return cachedToken{}, fmt.Errorf("%w: %q, this agent knows %v", ErrUnsupportedAlgorithm, algorithm, challenge.Methods())
	}

	start := time.Now()
	solution, tries, err := impl.Solve(ctx, puzzle.Salt, puzzle.Difficulty, a.maxIterations)
	if err != nil {
		return cachedToken{}, err
	}
	elapsed := time.Since(start)

	a.lg.Debug("solved challenge", "key", key, "challenge", puzzle.ChallengeID, "difficulty", puzzle.Difficulty, "tries", tries, "elapsed", elapsed)

	var admitted aegis.VerifyResponse
	if err := a.post(ctx, "verify", "", aegis.VerifyRequest{
		ChallengeID: puzzle.ChallengeID,
		Solution:    solution,
		ElapsedTime: elapsed.Milliseconds(),
	}, &admitted); err != nil {
		return cachedToken{}, err
	}

	return cachedToken{TokenID: admitted.TokenID, ExpiresAt: admitted.ExpiresAt}, nil
}

func (a *Agent) handshakeURL(endpoint string) string {
	return a.base.JoinPath(strings.Trim(aegis.HandshakePrefix, "/"), endpoint).String()
}

// post sends a JSON request to a handshake endpoint. Error responses are
// decoded into *apierr.Error.
func (a *Agent) post(ctx context.Context, endpoint, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("agent: can't encode %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.handshakeURL(endpoint), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: can't build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set(aegis.TokenHeader, token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("agent: can't read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.Decode(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("agent: can't decode %s response: %w", endpoint, err)
	}

	return nil
}

// Logout revokes the cached token for key on the gateway and forgets it.
func (a *Agent) Logout(ctx context.Context, key string) error {
	a.lock.Lock()
	tok, ok := a.cache[key]
	a.lock.Unlock()

	if !ok {
		return nil
	}
	defer a.invalidate(key, tok.TokenID)

	err := a.post(ctx, "revoke", tok.TokenID, struct{}{}, nil)
	if tokenRejected(err) {
		return nil
	}

	return err
}

func tokenRejected(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.TokenExpired, apierr.TokenInvalid, apierr.TokenRevoked:
		return true
	}
	return false
}
