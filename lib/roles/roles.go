// Package roles finds out which roles the caller of a request holds, so the
// response shaper can decide whether to redact personal data.
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/gaissmai/bart"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uvensys/aegis/decaymap"
	"github.com/uvensys/aegis/internal"
)

// DefaultHeader is the header the header source reads.
const DefaultHeader = "X-Aegis-Roles"

// DefaultCacheTTL is how long the http source remembers a lookup.
const DefaultCacheTTL = time.Minute

// maxCacheEntries triggers a sweep of expired cache entries.
const maxCacheEntries = 4096

var (
	ErrNoURL           = errors.New("roles: identity endpoint URL is missing")
	ErrUnexpectedCode  = errors.New("roles: unexpected status code from identity endpoint")
	ErrBadTrustedProxy = errors.New("roles: invalid trusted proxy CIDR")
)

var roleLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aegis_role_lookups_total",
	Help: "Caller role lookups by source and result",
}, []string{"source", "result"})

// DefaultPrivileged is the set of roles that may see unredacted responses
// when nothing else is configured.
func DefaultPrivileged() []string {
	return []string{"admin"}
}

// Lookup returns the roles of the principal behind a request.
type Lookup interface {
	Roles(ctx context.Context, r *http.Request) ([]string, error)
}

// None is a Lookup that never finds any roles.
type None struct{}

func (None) Roles(context.Context, *http.Request) ([]string, error) {
	return nil, nil
}

// Header reads comma separated roles from a request header. Only requests
// whose socket peer is a trusted identity proxy are believed. A Header with
// no trusted proxies believes nobody.
type Header struct {
	name    string
	trusted *bart.Table[struct{}]
}

// NewHeader builds a header source that believes the peers in the trusted
// CIDR ranges. An empty name means DefaultHeader.
func NewHeader(name string, trusted []string) (*Header, error) {
	if name == "" {
		name = DefaultHeader
	}

	table := &bart.Table[struct{}]{}
	for _, cidr := range trusted {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrBadTrustedProxy, cidr, err)
		}
		table.Insert(prefix.Masked(), struct{}{})
	}

	return &Header{name: name, trusted: table}, nil
}

// Name is the header the roles are read from.
func (h *Header) Name() string {
	return h.name
}

// Trusts reports whether the socket peer of r is a trusted identity proxy.
func (h *Header) Trusts(r *http.Request) bool {
	if h.trusted == nil {
		return false
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}

	return h.trusted.Contains(addr.Unmap())
}

// Strip deletes the role header from requests that did not come through a
// trusted identity proxy.
func (h *Header) Strip(r *http.Request) {
	if h.Trusts(r) || r.Header.Get(h.name) == "" {
		return
	}

	internal.GetRequestLogger(r).Debug("dropping role header from untrusted peer", "header", h.name, "remote_addr", r.RemoteAddr)
	roleLookups.WithLabelValues("header", "untrusted").Inc()
	r.Header.Del(h.name)
}

func (h *Header) Roles(_ context.Context, r *http.Request) ([]string, error) {
	if !h.Trusts(r) {
		return nil, nil
	}

	var result []string
	for _, value := range r.Header.Values(h.name) {
		for _, role := range strings.Split(value, ",") {
			if role = strings.TrimSpace(role); role != "" {
				result = append(result, role)
			}
		}
	}

	roleLookups.WithLabelValues("header", "ok").Inc()
	return result, nil
}

// HTTP asks an identity endpoint for the roles of the caller, forwarding the
// caller's Authorization header. The endpoint answers with
// {"roles": ["..."]}. Results are cached per Authorization value.
type HTTP struct {
	url    string
	client *http.Client
	ttl    time.Duration
	cache  *decaymap.Impl[string, []string]
}

func NewHTTP(url string, client *http.Client, ttl time.Duration) (*HTTP, error) {
	if url == "" {
		return nil, ErrNoURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &HTTP{
		url:    url,
		client: client,
		ttl:    ttl,
		cache:  decaymap.New[string, []string](),
	}, nil
}

type identityResponse struct {
	Roles []string `json:"roles"`
}

func (h *HTTP) Roles(ctx context.Context, r *http.Request) ([]string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		roleLookups.WithLabelValues("http", "anonymous").Inc()
		return nil, nil
	}

	key := internal.FastHash(auth)
	if cached, ok := h.cache.Get(key); ok {
		roleLookups.WithLabelValues("http", "cached").Inc()
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("roles: can't build identity request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		roleLookups.WithLabelValues("http", "error").Inc()
		return nil, fmt.Errorf("roles: identity request failed: %w", err)
	}
	defer resp.Body.Close()

	var result []string

	switch resp.StatusCode {
	case http.StatusOK:
		var ir identityResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ir); err != nil {
			roleLookups.WithLabelValues("http", "error").Inc()
			return nil, fmt.Errorf("roles: can't decode identity response: %w", err)
		}
		result = ir.Roles
	case http.StatusUnauthorized, http.StatusForbidden:
	default:
		roleLookups.WithLabelValues("http", "error").Inc()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedCode, resp.StatusCode)
	}

	if h.cache.Len() > maxCacheEntries {
		h.cache.Cleanup()
	}
	h.cache.Set(key, result, h.ttl)

	roleLookups.WithLabelValues("http", "ok").Inc()
	return result, nil
}

// Checker decides whether a request comes from a privileged caller.
type Checker struct {
	Lookup     Lookup
	Privileged []string
}

// IsPrivileged reports whether the caller holds any privileged role. Lookup
// failures count as unprivileged.
func (c Checker) IsPrivileged(r *http.Request) bool {
	if c.Lookup == nil {
		return false
	}

	privileged := c.Privileged
	if len(privileged) == 0 {
		privileged = DefaultPrivileged()
	}

	held, err := c.Lookup.Roles(r.Context(), r)
	if err != nil {
		internal.GetRequestLogger(r).Warn("role lookup failed, treating caller as unprivileged", "err", err)
		return false
	}

	for _, role := range held {
		if slices.Contains(privileged, role) {
			return true
		}
	}

	return false
}
