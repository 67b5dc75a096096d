// Package config holds the on-disk shape of a gateway policy file: route
// rules plus the challenge, token, signature, shaper, role and store
// settings. Every type has a Valid method; Load decodes YAML (or JSON) and
// validates the whole file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/data"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrNoRoutesDefined               = errors.New("config: must define at least one (1) route rule")
	ErrRouteMustHaveName             = errors.New("config.Route: must set name")
	ErrRouteMustHaveMatcher          = errors.New("config.Route: must set path_regex, headers_regex, remote_addresses, methods or expression")
	ErrUnknownAction                 = errors.New("config.Route: unknown action")
	ErrInvalidPathRegex              = errors.New("config.Route: invalid path regex")
	ErrInvalidHeadersRegex           = errors.New("config.Route: invalid headers regex")
	ErrInvalidCIDR                   = errors.New("config.Route: invalid CIDR")
	ErrInvalidMethod                 = errors.New("config.Route: invalid HTTP method")
	ErrRegexEndsWithNewline          = errors.New("config.Route: regular expression ends with newline (try >- instead of > in yaml)")
	ErrInvalidImportStatement        = errors.New("config.ImportStatement: invalid source file")
	ErrCantSetRouteAndImportAtOnce   = errors.New("config.RouteOrImport: can't set route rules and import values at the same time")
	ErrMustSetRouteOrImportRules     = errors.New("config.RouteOrImport: rule definition is invalid, you must set either route rules or an import statement")
	ErrChallengeDifficultyOutOfRange = errors.New("config.Challenge: difficulty must be between 1 and 64")
	ErrNegativeDuration              = errors.New("config: durations can't be negative")
	ErrReplayWindowTooShort          = errors.New("config.Signature: replay window must be at least one second")
	ErrUnknownRoleSource             = errors.New("config.Roles: unknown source")
	ErrRoleSourceNeedsURL            = errors.New("config.Roles: the http source needs url")
	ErrRoleSourceNeedsProxies        = errors.New("config.Roles: the header source needs trusted_proxies")
	ErrBadTrustedProxy               = errors.New("config.Roles: invalid trusted proxy CIDR")
	ErrSignatureSecretTooShort       = errors.New("config.Signature: secret must be at least 16 bytes")
	ErrBadDefaultAction              = errors.New("config: default_action must be ALLOW, GATE or DENY")
)

// Action is what the gateway does with a request matching a route rule.
type Action string

const (
	ActionUnknown    Action = ""
	ActionAllow      Action = "ALLOW"      // pass through without a token
	ActionGate       Action = "GATE"       // require an admission token
	ActionPrivileged Action = "PRIVILEGED" // require a token and a request signature
	ActionDeny       Action = "DENY"       // refuse outright
)

func (a Action) Valid() error {
	switch a {
	case ActionAllow, ActionGate, ActionPrivileged, ActionDeny:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
}

var httpMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "CONNECT", "TRACE"}

// Route is one rule of the route policy. All matchers that are set must
// match for the rule to apply.
type Route struct {
	Name         string            `json:"name"`
	Action       Action            `json:"action"`
	PathRegex    *string           `json:"path_regex,omitempty"`
	HeadersRegex map[string]string `json:"headers_regex,omitempty"`
	RemoteAddr   []string          `json:"remote_addresses,omitempty"`
	Methods      []string          `json:"methods,omitempty"`
	Expression   *ExpressionOrList `json:"expression,omitempty"`
}

func checkRegex(what, expr string, sentinel error) []error {
	var errs []error

	if strings.HasSuffix(expr, "\n") {
		errs = append(errs, fmt.Errorf("%w: %s: %q", ErrRegexEndsWithNewline, what, expr))
	}

	if _, err := regexp.Compile(expr); err != nil {
		errs = append(errs, sentinel, err)
	}

	return errs
}

func (r *Route) Valid() error {
	var errs []error

	if r.Name == "" {
		errs = append(errs, ErrRouteMustHaveName)
	}

	if r.PathRegex == nil && len(r.HeadersRegex) == 0 && len(r.RemoteAddr) == 0 && len(r.Methods) == 0 && r.Expression == nil {
		errs = append(errs, ErrRouteMustHaveMatcher)
	}

	if r.PathRegex != nil {
		errs = append(errs, checkRegex("path regex", *r.PathRegex, ErrInvalidPathRegex)...)
	}

	for name, expr := range r.HeadersRegex {
		if name == "" {
			continue
		}
		errs = append(errs, checkRegex("header "+name+" regex", expr, ErrInvalidHeadersRegex)...)
	}

	for _, cidr := range r.RemoteAddr {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			errs = append(errs, ErrInvalidCIDR, err)
		}
	}

	for _, method := range r.Methods {
		if !slices.Contains(httpMethods, strings.ToUpper(method)) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidMethod, method))
		}
	}

	if r.Expression != nil {
		if err := r.Expression.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.Action.Valid(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: route entry for %q is not valid:\n%w", r.Name, errors.Join(errs...))
	}

	return nil
}

// ImportStatement pulls a list of route rules from another file. Paths
// starting with (data)/ are read from the rules built into the binary.
type ImportStatement struct {
	Import string  `json:"import"`
	Routes []Route `json:"-"`
}

func (is *ImportStatement) open() (fs.File, error) {
	if fname, ok := strings.CutPrefix(is.Import, "(data)/"); ok {
		return data.Policies.Open(fname)
	}

	return os.Open(is.Import)
}

func (is *ImportStatement) load() error {
	fin, err := is.open()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidImportStatement, is.Import, err)
	}
	defer fin.Close()

	var imported []RouteOrImport
	var result []Route

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&imported); err != nil {
		return fmt.Errorf("can't parse %s: %w", is.Import, err)
	}

	var errs []error

	for _, roi := range imported {
		if err := roi.Valid(); err != nil {
			errs = append(errs, err)
		}

		if roi.ImportStatement != nil {
			result = append(result, roi.ImportStatement.Routes...)
		}

		if roi.Route != nil {
			result = append(result, *roi.Route)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config %s is not valid:\n%w", is.Import, errors.Join(errs...))
	}

	is.Routes = result

	return nil
}

func (is *ImportStatement) Valid() error {
	return is.load()
}

type RouteOrImport struct {
	*Route           `json:",inline"`
	*ImportStatement `json:",inline"`
}

func (roi *RouteOrImport) Valid() error {
	if roi.Route != nil && roi.ImportStatement != nil {
		return ErrCantSetRouteAndImportAtOnce
	}

	if roi.Route != nil {
		return roi.Route.Valid()
	}

	if roi.ImportStatement != nil {
		return roi.ImportStatement.Valid()
	}

	return ErrMustSetRouteOrImportRules
}

// Challenge configures the proof-of-work puzzle.
type Challenge struct {
	Algorithm  string   `json:"algorithm,omitempty"`
	Difficulty int      `json:"difficulty,omitempty"`
	TTL        Duration `json:"ttl,omitempty"`
}

func (c Challenge) Valid() error {
	var errs []error

	if c.Difficulty < 1 || c.Difficulty > 64 {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrChallengeDifficultyOutOfRange, c.Difficulty))
	}

	if c.TTL < 0 {
		errs = append(errs, fmt.Errorf("%w: challenge ttl", ErrNegativeDuration))
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: challenge settings are not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Tokens configures admission tokens.
type Tokens struct {
	TTL Duration `json:"ttl,omitempty"`
}

func (t Tokens) Valid() error {
	if t.TTL < 0 {
		return fmt.Errorf("%w: token ttl", ErrNegativeDuration)
	}
	return nil
}

// Signature configures privileged request signing. Secret is usually left
// empty here and passed through the environment instead.
type Signature struct {
	Secret       string   `json:"secret,omitempty"`
	ReplayWindow Duration `json:"replay_window,omitempty"`
	MaxBodyBytes int64    `json:"max_body_bytes,omitempty"`
}

func (s Signature) Valid() error {
	var errs []error

	if s.Secret != "" && len(s.Secret) < 16 {
		errs = append(errs, ErrSignatureSecretTooShort)
	}

	if s.ReplayWindow.Std() < time.Second {
		errs = append(errs, fmt.Errorf("%w, got: %s", ErrReplayWindowTooShort, s.ReplayWindow))
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: signature settings are not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Shaper configures response reshaping.
type Shaper struct {
	Disabled     bool  `json:"disabled,omitempty"`
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// Role sources.
const (
	RoleSourceNone   = "none"
	RoleSourceHeader = "header"
	RoleSourceHTTP   = "http"
)

// Roles configures how the caller's roles are looked up. The header source
// only believes requests whose socket peer is in TrustedProxies.
type Roles struct {
	Source         string   `json:"source,omitempty"`
	Header         string   `json:"header,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
	URL            string   `json:"url,omitempty"`
	CacheTTL       Duration `json:"cache_ttl,omitempty"`
	Privileged     []string `json:"privileged,omitempty"`
}

func (r Roles) Valid() error {
	var errs []error

	switch r.Source {
	case "", RoleSourceNone:
	case RoleSourceHeader:
		if len(r.TrustedProxies) == 0 {
			errs = append(errs, ErrRoleSourceNeedsProxies)
		}
	case RoleSourceHTTP:
		if r.URL == "" {
			errs = append(errs, ErrRoleSourceNeedsURL)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownRoleSource, r.Source))
	}

	for _, cidr := range r.TrustedProxies {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %w", ErrBadTrustedProxy, cidr, err))
		}
	}

	if r.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("%w: roles cache_ttl", ErrNegativeDuration))
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: roles settings are not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

type fileConfig struct {
	Routes        []RouteOrImport `json:"routes"`
	DefaultAction Action          `json:"default_action"`
	Challenge     Challenge       `json:"challenge"`
	Tokens        Tokens          `json:"tokens"`
	Signature     Signature       `json:"signature"`
	Shaper        Shaper          `json:"shaper"`
	Roles         Roles           `json:"roles"`
	Store         *Store          `json:"store"`
}

func (c *fileConfig) Valid() error {
	var errs []error

	if len(c.Routes) == 0 {
		errs = append(errs, ErrNoRoutesDefined)
	}

	for i, roi := range c.Routes {
		if err := roi.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("route %d: %w", i, err))
		}
	}

	switch c.DefaultAction {
	case ActionAllow, ActionGate, ActionDeny:
	default:
		errs = append(errs, fmt.Errorf("%w, got: %q", ErrBadDefaultAction, c.DefaultAction))
	}

	for _, v := range []interface{ Valid() error }{c.Challenge, c.Tokens, c.Signature, c.Roles} {
		if err := v.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Store != nil {
		if err := c.Store.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Load decodes and validates a policy file, resolving imports. Settings the
// file leaves out get their defaults.
func Load(fin io.Reader, fname string) (*Config, error) {
	c := &fileConfig{
		DefaultAction: ActionGate,
		Challenge: Challenge{
			Algorithm:  aegis.DefaultAlgorithm,
			Difficulty: aegis.DefaultDifficulty,
			TTL:        Duration(aegis.DefaultChallengeTTL),
		},
		Tokens: Tokens{
			TTL: Duration(aegis.DefaultTokenTTL),
		},
		Signature: Signature{
			ReplayWindow: Duration(aegis.DefaultReplayWindow),
		},
		Roles: Roles{
			Source: RoleSourceNone,
		},
	}

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&c); err != nil {
		return nil, fmt.Errorf("can't parse policy config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, err
	}

	result := &Config{
		DefaultAction: c.DefaultAction,
		Challenge:     c.Challenge,
		Tokens:        c.Tokens,
		Signature:     c.Signature,
		Shaper:        c.Shaper,
		Roles:         c.Roles,
		Store:         c.Store,
	}

	if result.Store == nil {
		result.Store = &Store{Backend: "memory"}
	}

	for _, roi := range c.Routes {
		if roi.ImportStatement != nil {
			result.Routes = append(result.Routes, roi.ImportStatement.Routes...)
		}

		if roi.Route != nil {
			result.Routes = append(result.Routes, *roi.Route)
		}
	}

	return result, nil
}

// Config is a fully loaded policy with imports flattened.
type Config struct {
	Routes        []Route
	DefaultAction Action
	Challenge     Challenge
	Tokens        Tokens
	Signature     Signature
	Shaper        Shaper
	Roles         Roles
	Store         *Store
}

func (c Config) Valid() error {
	var errs []error

	if len(c.Routes) == 0 {
		errs = append(errs, ErrNoRoutesDefined)
	}

	for _, r := range c.Routes {
		if err := r.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}
