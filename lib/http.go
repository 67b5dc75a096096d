package lib

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/apierr"
	"github.com/uvensys/aegis/lib/localization"
)

// internalError is the kind reported for failures outside the taxonomy.
const internalError apierr.Kind = "InternalServerError"

// https://github.com/oauth2-proxy/oauth2-proxy/blob/master/pkg/upstream/http.go#L124
type UnixRoundTripper struct {
	Transport *http.Transport
}

// set bare minimum stuff
func (t UnixRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Host == "" {
		req.Host = "localhost"
	}
	req.URL.Host = req.Host // proxy error: no Host in request URL
	req.URL.Scheme = "http" // make http.Transport happy and avoid an infinite recursion
	return t.Transport.RoundTrip(req)
}

func (s *Server) respondWithJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		internal.GetRequestLogger(r).Error("failed to encode response", "err", err)
	}
}

// respondWithError writes err as an apierr.Body. Only the kind and its
// localized message reach the client; the private reason is logged.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	localizer := localization.GetLocalizer(r)
	lg := internal.GetRequestLogger(r)

	kind := apierr.KindOf(err)
	status := kind.StatusCode()

	var ae *apierr.Error
	if errors.As(err, &ae) && ae.StatusCode != 0 {
		status = ae.StatusCode
	}

	if kind == "" {
		kind = internalError
	}

	if status >= http.StatusInternalServerError {
		lg.Error("request failed", "kind", kind, "err", err)
	}

	s.respondWithJSON(w, r, status, apierr.Body{
		Error:   kind,
		Message: localizer.T(kind.MessageID()),
	})
}

// shaperFailed answers a response the shaper could not safely rewrite.
func (s *Server) shaperFailed(w http.ResponseWriter, r *http.Request, err error) {
	localizer := localization.GetLocalizer(r)
	internal.GetRequestLogger(r).Error("can't shape upstream response", "err", err)

	s.respondWithJSON(w, r, http.StatusBadGateway, apierr.Body{
		Error:   internalError,
		Message: localizer.T("upstream_unavailable"),
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) stripBasePrefixFromRequest(r *http.Request) *http.Request {
	if !s.opts.StripBasePrefix || s.opts.BasePrefix == "" {
		return r
	}

	basePrefix := strings.TrimSuffix(s.opts.BasePrefix, "/")
	path := r.URL.Path

	if !strings.HasPrefix(path, basePrefix) {
		return r
	}

	trimmedPath := strings.TrimPrefix(path, basePrefix)
	if trimmedPath == "" {
		trimmedPath = "/"
	}

	// Clone the request and URL
	reqCopy := r.Clone(r.Context())
	urlCopy := *r.URL
	urlCopy.Path = trimmedPath
	urlCopy.RawPath = ""
	reqCopy.URL = &urlCopy

	return reqCopy
}

// ServeHTTPNext hands an admitted request to the upstream. Without an
// upstream the gateway answers like an auth request endpoint.
func (s *Server) ServeHTTPNext(w http.ResponseWriter, r *http.Request) {
	if s.next == nil {
		w.Header().Set("X-Aegis-Status", "PASS")
		w.WriteHeader(http.StatusOK)
		return
	}

	requestsProxied.WithLabelValues(r.Host).Inc()
	r = s.stripBasePrefixFromRequest(r)

	// The token is a credential for the gateway only.
	r.Header.Del(aegis.TokenHeader)

	// The transport negotiates gzip on its own and hands back identity
	// bodies the shaper can read.
	r.Header.Del("Accept-Encoding")

	s.next.ServeHTTP(w, r)
}
