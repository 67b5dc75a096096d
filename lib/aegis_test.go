package lib

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/agent"
	"github.com/uvensys/aegis/lib/apierr"
	"github.com/uvensys/aegis/lib/challenge"
	"github.com/uvensys/aegis/lib/challenge/challengetest"
	"github.com/uvensys/aegis/lib/challenge/proofofwork"
	"github.com/uvensys/aegis/lib/policy"
	"github.com/uvensys/aegis/lib/roles"
	"github.com/uvensys/aegis/lib/signature"
	"github.com/uvensys/aegis/lib/store"
	"github.com/uvensys/aegis/lib/store/memory"
)

func init() {
	internal.InitSlog("debug")
}

const testSecret = "0123456789abcdef0123456789abcdef"

const testPolicy = `
routes:
  - name: health
    action: ALLOW
    path_regex: ^/healthz$
  - name: admin
    action: PRIVILEGED
    path_regex: ^/api/admin/
  - name: internal
    action: DENY
    path_regex: ^/api/internal/
  - name: api
    action: GATE
    path_regex: ^/api/
default_action: ALLOW
challenge:
  difficulty: 1
roles:
  source: header
  trusted_proxies:
    - 127.0.0.0/8
    - ::1/128
`

func loadPolicy(t *testing.T, src string) *policy.ParsedConfig {
	t.Helper()

	pc, err := policy.ParseConfig(t.Context(), strings.NewReader(src), "test.yaml")
	if err != nil {
		t.Fatal(err)
	}

	return pc
}

// upstream records what reached it and answers with a JSON object holding
// personal data.
type upstream struct {
	lock sync.Mutex
	seen []*http.Request
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.lock.Lock()
	u.seen = append(u.seen, r.Clone(context.Background()))
	u.lock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", `"v1"`)
	json.NewEncoder(w).Encode(map[string]any{
		"id":    42,
		"owner": "alice.smith@example.com",
		"path":  r.URL.Path,
	})
}

func (u *upstream) last(t *testing.T) *http.Request {
	t.Helper()

	u.lock.Lock()
	defer u.lock.Unlock()

	if len(u.seen) == 0 {
		t.Fatal("no request reached the upstream")
	}
	return u.seen[len(u.seen)-1]
}

func (u *upstream) count() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return len(u.seen)
}

type testGateway struct {
	srv   *Server
	ts    *httptest.Server
	clock *challengetest.Clock
	store store.Interface
	up    *upstream
}

func spawnAegis(t *testing.T, opts Options) *testGateway {
	t.Helper()

	tg := &testGateway{
		clock: challengetest.NewClock(),
		store: memory.New(t.Context()),
		up:    &upstream{},
	}

	if opts.Policy == nil {
		opts.Policy = loadPolicy(t, testPolicy)
	}
	if opts.Store == nil {
		opts.Store = tg.store
	}
	if opts.Secret == nil {
		opts.Secret = []byte(testSecret)
	}
	if opts.Next == nil {
		opts.Next = tg.up
	}
	opts.Clock = tg.clock.Now

	s, err := New(opts)
	if err != nil {
		t.Fatalf("can't construct lib.Server: %v", err)
	}
	t.Cleanup(func() { aegis.BasePrefix = "" })

	tg.srv = s
	tg.ts = httptest.NewServer(s)
	t.Cleanup(tg.ts.Close)

	return tg
}

func (tg *testGateway) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()

	resp, err := tg.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("can't do request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("can't read response body: %v", err)
	}

	return resp, body
}

func (tg *testGateway) post(t *testing.T, path string, in any) (*http.Response, []byte) {
	t.Helper()

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, tg.ts.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return tg.do(t, req)
}

func (tg *testGateway) get(t *testing.T, path, token string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, tg.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set(aegis.TokenHeader, token)
	}

	return tg.do(t, req)
}

func (tg *testGateway) handshake(t *testing.T) aegis.VerifyResponse {
	t.Helper()

	resp, body := tg.post(t, "/handshake/init", aegis.InitRequest{SessionID: t.Name()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	var ir aegis.InitResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		t.Fatal(err)
	}

	solution, _, err := proofofwork.Solve(t.Context(), ir.Salt, ir.Difficulty, 0)
	if err != nil {
		t.Fatal(err)
	}

	resp, body = tg.post(t, "/handshake/verify", aegis.VerifyRequest{
		ChallengeID: ir.ChallengeID,
		Solution:    solution,
		ElapsedTime: 42,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	var vr aegis.VerifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		t.Fatal(err)
	}

	return vr
}

func wantKind(t *testing.T, resp *http.Response, body []byte, status int, kind apierr.Kind) {
	t.Helper()

	if resp.StatusCode != status {
		t.Errorf("wanted status %d, got %d: %s", status, resp.StatusCode, body)
	}

	var eb apierr.Body
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatalf("error body is not JSON: %v: %s", err, body)
	}

	if eb.Error != kind {
		t.Errorf("wanted error kind %s, got %s", kind, eb.Error)
	}
	if eb.Message == "" {
		t.Error("error body has no message")
	}
}

func TestNewValidation(t *testing.T) {
	pc := loadPolicy(t, testPolicy)
	st := memory.New(t.Context())

	for _, tt := range []struct {
		name string
		opts Options
		err  error
	}{
		{
			name: "no policy",
			opts: Options{Store: st, Secret: []byte(testSecret)},
			err:  ErrNoPolicy,
		},
		{
			name: "no store",
			opts: Options{Policy: pc, Secret: []byte(testSecret)},
			err:  ErrNoStore,
		},
		{
			name: "no secret",
			opts: Options{Policy: pc, Store: st},
			err:  signature.ErrNoSecret,
		},
		{
			name: "short secret",
			opts: Options{Policy: pc, Store: st, Secret: []byte("hunter2")},
			err:  signature.ErrSecretTooShort,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}

func TestHandshakeAndGate(t *testing.T) {
	tg := spawnAegis(t, Options{})

	resp, body := tg.get(t, "/api/items", "")
	wantKind(t, resp, body, http.StatusUnauthorized, apierr.TokenMissing)

	resp, body = tg.get(t, "/api/items", strings.Repeat("ab", 32))
	wantKind(t, resp, body, http.StatusUnauthorized, apierr.TokenInvalid)

	if n := tg.up.count(); n != 0 {
		t.Fatalf("rejected requests reached the upstream %d times", n)
	}

	vr := tg.handshake(t)
	if !vr.ExpiresAt.After(tg.clock.Now()) {
		t.Errorf("token expires in the past: %s", vr.ExpiresAt)
	}

	resp, body = tg.get(t, "/api/items", vr.TokenID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	// Tokens are reusable until they expire.
	resp, body = tg.get(t, "/api/items", vr.TokenID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second use: wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	seen := tg.up.last(t)
	if seen.Header.Get(aegis.TokenHeader) != "" {
		t.Error("the admission token leaked to the upstream")
	}
	if got := seen.Header.Get("X-Aegis-Rule"); got != "api" {
		t.Errorf("wanted X-Aegis-Rule api, got %q", got)
	}
}

func TestResponsesAreShaped(t *testing.T) {
	tg := spawnAegis(t, Options{})
	vr := tg.handshake(t)

	resp, body := tg.get(t, "/api/items", vr.TokenID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}

	if got["owner"] != "al***@example.com" {
		t.Errorf("wanted owner to be masked, got %v", got["owner"])
	}

	decoys := 0
	for k := range got {
		if strings.HasPrefix(k, "__ag_") {
			decoys++
		}
	}
	if decoys < 2 || decoys > 3 {
		t.Errorf("wanted 2 or 3 decoy fields, got %d", decoys)
	}

	if resp.Header.Get("ETag") != "" {
		t.Error("ETag survived shaping")
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("wanted Cache-Control no-store, got %q", resp.Header.Get("Cache-Control"))
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Errorf("wanted Content-Length %d, got %s", len(body), cl)
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, tg.ts.URL+"/api/items", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(aegis.TokenHeader, vr.TokenID)
	req.Header.Set(roles.DefaultHeader, "viewer, admin")

	resp, body = tg.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	got = nil
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["owner"] != "alice.smith@example.com" {
		t.Errorf("privileged caller got a redacted owner: %v", got["owner"])
	}
}

func getAs(t *testing.T, tg *testGateway, path, token, roleValue string) map[string]any {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, tg.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(aegis.TokenHeader, token)
	req.Header.Set(roles.DefaultHeader, roleValue)

	resp, body := tg.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	return got
}

func TestForgedRoleHeader(t *testing.T) {
	defaultPolicy, err := LoadPoliciesOrDefault(t.Context(), "")
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name   string
		policy *policy.ParsedConfig
	}{
		{
			name:   "default policy",
			policy: defaultPolicy,
		},
		{
			name:   "header roles from another proxy",
			policy: loadPolicy(t, strings.Replace(testPolicy, "    - 127.0.0.0/8\n    - ::1/128\n", "    - 10.0.0.0/8\n", 1)),
		},
		{
			name:   "role source none",
			policy: loadPolicy(t, strings.Replace(testPolicy, "source: header", "source: none", 1)),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tg := spawnAegis(t, Options{Policy: tt.policy})
			vr := tg.handshake(t)

			got := getAs(t, tg, "/api/users/1", vr.TokenID, "admin")
			if got["owner"] != "al***@example.com" {
				t.Errorf("caller with a self-declared role got owner %v", got["owner"])
			}

			if v := tg.up.last(t).Header.Get(roles.DefaultHeader); v != "" {
				t.Errorf("self-declared role header reached the upstream: %q", v)
			}
		})
	}
}

func TestShaperDisabled(t *testing.T) {
	tg := spawnAegis(t, Options{Policy: loadPolicy(t, testPolicy+"shaper:\n  disabled: true\n")})
	vr := tg.handshake(t)

	_, body := tg.get(t, "/api/items", vr.TokenID)
	if !bytes.Contains(body, []byte("alice.smith@example.com")) {
		t.Errorf("wanted the upstream body unchanged, got: %s", body)
	}
}

func TestDoubleVerify(t *testing.T) {
	tg := spawnAegis(t, Options{})

	chall := &challenge.Challenge{
		ID:         "0190f1b4-7c3e-7a4b-9d2e-3f5a6b7c8d9e",
		Salt:       "abc123",
		Difficulty: 4,
		Algorithm:  aegis.DefaultAlgorithm,
		IssuedAt:   tg.clock.Now(),
		ExpiresAt:  tg.clock.Now().Add(aegis.DefaultChallengeTTL),
		State:      challenge.StatePending,
	}
	env := &challengetest.Env{Store: tg.store}
	env.Plant(t, chall)

	solution, _, err := proofofwork.Solve(t.Context(), "abc123", 4, 0)
	if err != nil {
		t.Fatal(err)
	}

	resp, body := tg.post(t, "/handshake/verify", aegis.VerifyRequest{ChallengeID: chall.ID, Solution: solution})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	resp, body = tg.post(t, "/handshake/verify", aegis.VerifyRequest{ChallengeID: chall.ID, Solution: solution})
	wantKind(t, resp, body, http.StatusConflict, apierr.ChallengeAlreadyConsumed)
}

func TestVerifyErrors(t *testing.T) {
	tg := spawnAegis(t, Options{})

	resp, body := tg.post(t, "/handshake/init", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	var ir aegis.InitResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		t.Fatal(err)
	}

	wrong := "0"
	for n := range 1000 {
		candidate := strconv.Itoa(n)
		if !proofofwork.HasLeadingZeros(internal.SHA256sum(ir.Salt+candidate), ir.Difficulty) {
			wrong = candidate
			break
		}
	}

	for _, tt := range []struct {
		name   string
		body   any
		status int
		kind   apierr.Kind
	}{
		{
			name:   "unknown challenge",
			body:   aegis.VerifyRequest{ChallengeID: "0190f1b4-0000-7000-8000-000000000000", Solution: "1"},
			status: http.StatusNotFound,
			kind:   apierr.ChallengeNotFound,
		},
		{
			name:   "garbage challenge id",
			body:   aegis.VerifyRequest{ChallengeID: "nope", Solution: "1"},
			status: http.StatusNotFound,
			kind:   apierr.ChallengeNotFound,
		},
		{
			name:   "missing solution",
			body:   aegis.VerifyRequest{ChallengeID: ir.ChallengeID},
			status: http.StatusBadRequest,
			kind:   apierr.MalformedRequest,
		},
		{
			name:   "not json",
			body:   "not an object",
			status: http.StatusBadRequest,
			kind:   apierr.MalformedRequest,
		},
		{
			name:   "wrong solution",
			body:   aegis.VerifyRequest{ChallengeID: ir.ChallengeID, Solution: wrong},
			status: http.StatusForbidden,
			kind:   apierr.InvalidProofOfWork,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := tg.post(t, "/handshake/verify", tt.body)
			wantKind(t, resp, body, tt.status, tt.kind)
		})
	}

	// A failed attempt leaves the challenge solvable.
	solution, _, err := proofofwork.Solve(t.Context(), ir.Salt, ir.Difficulty, 0)
	if err != nil {
		t.Fatal(err)
	}

	tg.clock.Advance(aegis.DefaultChallengeTTL + time.Second)

	resp, body = tg.post(t, "/handshake/verify", aegis.VerifyRequest{ChallengeID: ir.ChallengeID, Solution: solution})
	wantKind(t, resp, body, http.StatusGone, apierr.ChallengeExpired)
}

func TestTokenLifecycle(t *testing.T) {
	tg := spawnAegis(t, Options{})

	t.Run("revoke", func(t *testing.T) {
		vr := tg.handshake(t)

		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, tg.ts.URL+"/handshake/revoke", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set(aegis.TokenHeader, vr.TokenID)

		resp, body := tg.do(t, req)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("wanted status 204, got %d: %s", resp.StatusCode, body)
		}

		resp, body = tg.get(t, "/api/items", vr.TokenID)
		wantKind(t, resp, body, http.StatusUnauthorized, apierr.TokenRevoked)

		// Revoking twice is fine.
		req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, tg.ts.URL+"/handshake/revoke", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set(aegis.TokenHeader, vr.TokenID)

		if resp, body := tg.do(t, req); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("second revoke: wanted status 204, got %d: %s", resp.StatusCode, body)
		}
	})

	t.Run("revoke without token", func(t *testing.T) {
		resp, body := tg.post(t, "/handshake/revoke", nil)
		wantKind(t, resp, body, http.StatusUnauthorized, apierr.TokenMissing)
	})

	t.Run("expire", func(t *testing.T) {
		vr := tg.handshake(t)
		tg.clock.Advance(aegis.DefaultTokenTTL + time.Second)

		resp, body := tg.get(t, "/api/items", vr.TokenID)
		wantKind(t, resp, body, http.StatusUnauthorized, apierr.TokenExpired)
	})
}

func signedRequest(t *testing.T, tg *testGateway, secret, token string, body []byte, at time.Time) *http.Request {
	t.Helper()

	signer, err := signature.NewSigner([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}

	ts, sig, err := signer.Sign(body, at)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, tg.ts.URL+"/api/admin/purge", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(aegis.TokenHeader, token)
	req.Header.Set(aegis.TimestampHeader, ts)
	req.Header.Set(aegis.SignatureHeader, sig)

	return req
}

func TestPrivilegedRoutes(t *testing.T) {
	tg := spawnAegis(t, Options{})
	vr := tg.handshake(t)
	body := []byte(`{"scope": "cache", "force": true}`)

	t.Run("needs a token first", func(t *testing.T) {
		req := signedRequest(t, tg, testSecret, "", body, tg.clock.Now())
		req.Header.Del(aegis.TokenHeader)

		resp, rbody := tg.do(t, req)
		wantKind(t, resp, rbody, http.StatusUnauthorized, apierr.TokenMissing)
	})

	t.Run("unsigned", func(t *testing.T) {
		req := signedRequest(t, tg, testSecret, vr.TokenID, body, tg.clock.Now())
		req.Header.Del(aegis.SignatureHeader)

		resp, rbody := tg.do(t, req)
		wantKind(t, resp, rbody, http.StatusUnauthorized, apierr.SignatureMissing)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := signedRequest(t, tg, "fedcba9876543210fedcba9876543210", vr.TokenID, body, tg.clock.Now())

		resp, rbody := tg.do(t, req)
		wantKind(t, resp, rbody, http.StatusUnauthorized, apierr.SignatureInvalid)
	})

	t.Run("not json", func(t *testing.T) {
		req := signedRequest(t, tg, testSecret, vr.TokenID, nil, tg.clock.Now())
		req.Body = io.NopCloser(strings.NewReader("scope=cache"))
		req.ContentLength = int64(len("scope=cache"))

		resp, rbody := tg.do(t, req)
		wantKind(t, resp, rbody, http.StatusBadRequest, apierr.MalformedRequest)
	})

	t.Run("signed and replayed", func(t *testing.T) {
		at := tg.clock.Now()
		req := signedRequest(t, tg, testSecret, vr.TokenID, body, at)
		replay := req.Clone(t.Context())
		replay.Body = io.NopCloser(bytes.NewReader(body))

		resp, rbody := tg.do(t, req)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, rbody)
		}

		seen := tg.up.last(t)
		if seen.URL.Path != "/api/admin/purge" {
			t.Errorf("wrong upstream path %q", seen.URL.Path)
		}

		tg.clock.Advance(301_000 * time.Millisecond)

		resp, rbody = tg.do(t, replay)
		wantKind(t, resp, rbody, http.StatusUnauthorized, apierr.ReplayWindowExceeded)
	})
}

func TestRouteActions(t *testing.T) {
	tg := spawnAegis(t, Options{})

	t.Run("allow", func(t *testing.T) {
		resp, body := tg.get(t, "/healthz", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("wanted status 200, got %d: %s", resp.StatusCode, body)
		}
	})

	t.Run("default action", func(t *testing.T) {
		resp, body := tg.get(t, "/static/app.js", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("wanted status 200, got %d: %s", resp.StatusCode, body)
		}
		if got := tg.up.last(t).Header.Get("X-Aegis-Rule"); got != "default" {
			t.Errorf("wanted X-Aegis-Rule default, got %q", got)
		}
	})

	t.Run("deny", func(t *testing.T) {
		vr := tg.handshake(t)
		before := tg.up.count()

		resp, body := tg.get(t, "/api/internal/stats", vr.TokenID)
		wantKind(t, resp, body, http.StatusForbidden, apierr.Forbidden)

		if tg.up.count() != before {
			t.Error("denied request reached the upstream")
		}
	})
}

func TestHandshakeIsNeverGated(t *testing.T) {
	tg := spawnAegis(t, Options{Policy: loadPolicy(t, `
routes:
  - name: everything
    action: DENY
    path_regex: .*
default_action: DENY
`)})

	resp, body := tg.post(t, "/handshake/init", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	resp, body = tg.get(t, "/handshake/init", "")
	wantKind(t, resp, body, http.StatusMethodNotAllowed, apierr.MalformedRequest)

	resp, body = tg.post(t, "/handshake/refresh", nil)
	wantKind(t, resp, body, http.StatusNotFound, apierr.MalformedRequest)
}

func TestErrorsAreLocalized(t *testing.T) {
	tg := spawnAegis(t, Options{})

	messages := map[string]string{}
	for _, lang := range []string{"en", "de"} {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, tg.ts.URL+"/api/items", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Accept-Language", lang)

		resp, body := tg.do(t, req)
		wantKind(t, resp, body, http.StatusUnauthorized, apierr.TokenMissing)

		var eb apierr.Body
		if err := json.Unmarshal(body, &eb); err != nil {
			t.Fatal(err)
		}
		messages[lang] = eb.Message
	}

	if messages["en"] == messages["de"] {
		t.Errorf("wanted different messages per language, got %q twice", messages["en"])
	}
}

// brokenStore fails every call like an unreachable backend.
type brokenStore struct{}

var errBroken = errors.New("connection refused")

func (brokenStore) Delete(context.Context, string) error { return errBroken }

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errBroken }

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error { return errBroken }

func (brokenStore) CompareAndSwap(context.Context, string, []byte, []byte) (bool, error) {
	return false, errBroken
}

func TestStoreUnavailable(t *testing.T) {
	tg := spawnAegis(t, Options{Store: brokenStore{}})

	resp, body := tg.post(t, "/handshake/init", nil)
	wantKind(t, resp, body, http.StatusServiceUnavailable, apierr.StoreUnavailable)

	resp, body = tg.get(t, "/api/items", strings.Repeat("ab", 32))
	wantKind(t, resp, body, http.StatusServiceUnavailable, apierr.StoreUnavailable)

	if bytes.Contains(body, []byte(errBroken.Error())) {
		t.Errorf("private reason leaked into the response: %s", body)
	}
}

func TestNoUpstream(t *testing.T) {
	s, err := New(Options{
		Policy: loadPolicy(t, testPolicy),
		Store:  memory.New(t.Context()),
		Secret: []byte(testSecret),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Aegis-Status") != "PASS" {
		t.Errorf("wanted X-Aegis-Status PASS, got %q", resp.Header.Get("X-Aegis-Status"))
	}
}

func TestHandshakeCompressed(t *testing.T) {
	tg := spawnAegis(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/handshake/init", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	tg.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("wanted status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("wanted gzip encoding, got %q", got)
	}

	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}

	var ir aegis.InitResponse
	if err := json.NewDecoder(zr).Decode(&ir); err != nil {
		t.Fatal(err)
	}
	if ir.ChallengeID == "" || ir.Salt == "" {
		t.Errorf("incomplete challenge: %+v", ir)
	}
}

func TestBasePrefix(t *testing.T) {
	tg := spawnAegis(t, Options{BasePrefix: "/gw", StripBasePrefix: true})

	resp, body := tg.post(t, "/gw/handshake/init", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	resp, body = tg.get(t, "/gw/static/app.js", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
	}

	if got := tg.up.last(t).URL.Path; got != "/static/app.js" {
		t.Errorf("wanted the prefix stripped, upstream saw %q", got)
	}
}

func TestAgentAgainstGateway(t *testing.T) {
	tg := spawnAegis(t, Options{})

	signer, err := signature.NewSigner([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	ag, err := agent.New(agent.Options{
		BaseURL: tg.ts.URL,
		Client:  tg.ts.Client(),
		Signer:  signer,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		method string
		path   string
		body   string
	}{
		{method: http.MethodGet, path: "/api/items"},
		{method: http.MethodPost, path: "/api/admin/purge", body: `{"scope":"cache"}`},
	} {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequestWithContext(t.Context(), tt.method, tg.ts.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := ag.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("wanted status 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}

	if err := ag.Logout(t.Context(), agent.DefaultKey); err != nil {
		t.Fatalf("can't log out: %v", err)
	}
}
