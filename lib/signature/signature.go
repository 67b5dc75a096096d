// Package signature authenticates privileged requests with an HMAC-SHA256
// over the request timestamp and canonical body.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/lib/apierr"
)

// MinSecretLength is the shortest HMAC secret New accepts.
const MinSecretLength = 16

// DefaultMaxBodyBytes caps how much of a privileged request body is read for
// verification.
const DefaultMaxBodyBytes = 1 << 20

var (
	ErrNoSecret       = errors.New("signature: no secret configured")
	ErrSecretTooShort = fmt.Errorf("signature: secret must be at least %d bytes", MinSecretLength)
	ErrBodyTooLarge   = errors.New("signature: body too large")
)

var signatureChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aegis_signature_checks_total",
	Help: "Privileged request signature checks by result",
}, []string{"result"})

func checkSecret(secret []byte) error {
	switch {
	case len(secret) == 0:
		return ErrNoSecret
	case len(secret) < MinSecretLength:
		return ErrSecretTooShort
	}
	return nil
}

// Message is the exact byte string that gets signed.
func Message(timestamp string, canonicalBody []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(canonicalBody))
	msg = append(msg, timestamp...)
	msg = append(msg, '.')
	return append(msg, canonicalBody...)
}

func mac(secret []byte, timestamp string, canonicalBody []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(Message(timestamp, canonicalBody))
	return h.Sum(nil)
}

type Options struct {
	Secret       []byte
	Window       time.Duration
	MaxBodyBytes int64
	Clock        func() time.Time
}

// Authenticator verifies signed requests. It holds no mutable state and is
// safe for concurrent use.
type Authenticator struct {
	secret  []byte
	window  time.Duration
	maxBody int64
	now     func() time.Time
}

// New creates an Authenticator. There is no default secret: an empty or short
// secret is an error.
func New(opts Options) (*Authenticator, error) {
	if err := checkSecret(opts.Secret); err != nil {
		return nil, err
	}
	if opts.Window <= 0 {
		opts.Window = aegis.DefaultReplayWindow
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Authenticator{
		secret:  bytes.Clone(opts.Secret),
		window:  opts.Window,
		maxBody: opts.MaxBodyBytes,
		now:     opts.Clock,
	}, nil
}

// Window is the accepted clock drift of signed timestamps.
func (a *Authenticator) Window() time.Duration {
	return a.window
}

// Check validates a signature over timestamp and body. The returned error
// carries SignatureMissing, MalformedRequest, ReplayWindowExceeded or
// SignatureInvalid.
func (a *Authenticator) Check(signature, timestamp string, body []byte) error {
	err := a.check(signature, timestamp, body)
	if err != nil {
		signatureChecks.WithLabelValues(string(apierr.KindOf(err))).Inc()
		return err
	}

	signatureChecks.WithLabelValues("ok").Inc()
	return nil
}

func (a *Authenticator) check(signature, timestamp string, body []byte) error {
	if signature == "" || timestamp == "" {
		return apierr.New(apierr.SignatureMissing, "verify", errors.New("signature: missing signature or timestamp header"))
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apierr.New(apierr.MalformedRequest, "verify", fmt.Errorf("signature: timestamp: %w", err))
	}

	if !withinWindow(a.now().UnixMilli(), ms, a.window.Milliseconds()) {
		return apierr.New(apierr.ReplayWindowExceeded, "verify", fmt.Errorf("signature: timestamp %d is more than %s away from now", ms, a.window))
	}

	canonical, err := Canonicalize(body)
	if err != nil {
		return apierr.New(apierr.MalformedRequest, "verify", err)
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return apierr.New(apierr.SignatureInvalid, "verify", fmt.Errorf("signature: not hex: %w", err))
	}

	if !hmac.Equal(provided, mac(a.secret, timestamp, canonical)) {
		return apierr.New(apierr.SignatureInvalid, "verify", errors.New("signature: mismatch"))
	}

	return nil
}

// withinWindow reports whether |now-ms| <= window without overflowing for
// timestamps near the ends of the int64 range.
func withinWindow(now, ms, window int64) bool {
	if ms < now {
		return now-window <= ms
	}
	return ms-window <= now
}

// Verify checks the signature headers of r against its body. The body is
// restored so the next handler can read it again.
func (a *Authenticator) Verify(r *http.Request) error {
	body, err := readBody(r, a.maxBody)
	if err != nil {
		return apierr.New(apierr.MalformedRequest, "verify", err)
	}

	return a.Check(r.Header.Get(aegis.SignatureHeader), r.Header.Get(aegis.TimestampHeader), body)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("signature: can't read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	r.ContentLength = int64(len(body))

	return body, nil
}
