package lib

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/admission"
	"github.com/uvensys/aegis/lib/apierr"
	"github.com/uvensys/aegis/lib/challenge"
	"github.com/uvensys/aegis/lib/policy"
	"github.com/uvensys/aegis/lib/policy/config"
	"github.com/uvensys/aegis/lib/roles"
	"github.com/uvensys/aegis/lib/signature"
)

// maxHandshakeBody bounds the JSON bodies the handshake endpoints accept.
const maxHandshakeBody = 4 << 10

var (
	requestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_proxied_requests_total",
		Help: "Number of requests proxied through Aegis to upstream targets",
	}, []string{"host"})

	gateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_gate_rejections_total",
		Help: "Requests turned away before reaching the upstream by error kind",
	}, []string{"kind"})
)

type Server struct {
	next       http.Handler
	mux        *http.ServeMux
	policy     *policy.ParsedConfig
	issuer     *challenge.Issuer
	tokens     *admission.Store
	signatures *signature.Authenticator
	privileged roles.Checker
	roleHeader *roles.Header
	opts       Options
}

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxHandshakeBody))
	err := dec.Decode(v)
	switch {
	case errors.Is(err, io.EOF) && optional:
		return nil
	case err != nil:
		return apierr.New(apierr.MalformedRequest, "decode", fmt.Errorf("can't decode request body: %w", err))
	}

	return nil
}

// InitHandshake issues a fresh challenge.
func (s *Server) InitHandshake(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	var req aegis.InitRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.respondWithError(w, r, err)
		return
	}

	chall, err := s.issuer.Init(r.Context(), req.SessionID)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	lg.Debug("issued challenge", "challenge_id", chall.ID, "difficulty", chall.Difficulty)

	s.respondWithJSON(w, r, http.StatusOK, aegis.InitResponse{
		ChallengeID: chall.ID,
		Salt:        chall.Salt,
		Difficulty:  chall.Difficulty,
		ExpiresAt:   chall.ExpiresAt,
		Algorithm:   chall.Algorithm,
	})
}

// VerifyHandshake trades a solved challenge for an admission token.
func (s *Server) VerifyHandshake(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	var req aegis.VerifyRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.respondWithError(w, r, err)
		return
	}

	lg = lg.With("challenge_id", req.ChallengeID)

	tok, err := s.issuer.Verify(r.Context(), req.ChallengeID, req.Solution)
	if err != nil {
		lg.Debug("challenge verification failed", "err", err)
		s.respondWithError(w, r, err)
		return
	}

	if req.ElapsedTime > 0 {
		challenge.TimeTaken.WithLabelValues(s.issuer.Algorithm()).Observe(float64(req.ElapsedTime))
	}

	lg.Debug("challenge passed, token issued", "expires_at", tok.ExpiresAt)

	s.respondWithJSON(w, r, http.StatusOK, aegis.VerifyResponse{
		TokenID:   tok.ID,
		ExpiresAt: tok.ExpiresAt,
	})
}

// RevokeToken revokes the token presented in the token header.
func (s *Server) RevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := r.Header.Get(aegis.TokenHeader)
	if tokenID == "" {
		s.respondWithError(w, r, apierr.New(apierr.TokenMissing, "revoke", nil))
		return
	}

	if _, err := s.tokens.Revoke(r.Context(), tokenID); err != nil {
		s.respondWithError(w, r, err)
		return
	}

	internal.GetRequestLogger(r).Debug("token revoked")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handshakeNotFound(w http.ResponseWriter, r *http.Request) {
	status := http.StatusNotFound
	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
	}

	s.respondWithError(w, r, &apierr.Error{
		Kind:          apierr.MalformedRequest,
		Verb:          "handshake",
		PrivateReason: fmt.Errorf("no handshake endpoint %s %s", r.Method, r.URL.Path),
		StatusCode:    status,
	})
}

func (s *Server) maybeReverseProxy(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)
	s.roleHeader.Strip(r)

	cr, err := s.policy.Check(r)
	if err != nil {
		lg.Error("check failed", "err", err)
		s.respondWithError(w, r, fmt.Errorf("policy check: %w", err))
		return
	}

	r.Header.Set("X-Aegis-Rule", cr.Name)
	r.Header.Set("X-Aegis-Action", string(cr.Action))
	lg = lg.With("check_result", cr)

	switch cr.Action {
	case config.ActionAllow:
		lg.Debug("allowing traffic to origin (explicit)")
	case config.ActionDeny:
		lg.Info("explicit deny")
		s.reject(w, r, lg, apierr.New(apierr.Forbidden, "route", fmt.Errorf("denied by rule %s (%s)", cr.Name, cr.Hash)))
		return
	case config.ActionGate:
		if !s.gate(w, r, lg) {
			return
		}
	case config.ActionPrivileged:
		if !s.gate(w, r, lg) {
			return
		}

		if err := s.signatures.Verify(r); err != nil {
			s.reject(w, r, lg, err)
			return
		}
	default:
		lg.Error("CONFIG ERROR: unknown action", "action", cr.Action)
		s.respondWithError(w, r, fmt.Errorf("unknown action %q", cr.Action))
		return
	}

	r.Header.Set("X-Aegis-Status", "PASS")
	s.ServeHTTPNext(w, r)
}

// gate admits requests carrying a live admission token. It writes the
// rejection and returns false otherwise.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, lg *slog.Logger) bool {
	tokenID := r.Header.Get(aegis.TokenHeader)
	if tokenID == "" {
		s.reject(w, r, lg, apierr.New(apierr.TokenMissing, "gate", nil))
		return false
	}

	if _, err := s.tokens.Validate(r.Context(), tokenID); err != nil {
		s.reject(w, r, lg, err)
		return false
	}

	return true
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, lg *slog.Logger, err error) {
	kind := apierr.KindOf(err)
	gateRejections.WithLabelValues(string(kind)).Inc()
	lg.Debug("request rejected", "kind", kind, "err", err)
	s.respondWithError(w, r, err)
}
