package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/data"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/admission"
	"github.com/uvensys/aegis/lib/challenge"
	"github.com/uvensys/aegis/lib/policy"
	"github.com/uvensys/aegis/lib/policy/config"
	"github.com/uvensys/aegis/lib/roles"
	"github.com/uvensys/aegis/lib/shaper"
	"github.com/uvensys/aegis/lib/signature"
	"github.com/uvensys/aegis/lib/store"

	// proof-of-work implementations
	_ "github.com/uvensys/aegis/lib/challenge/proofofwork"
)

var (
	ErrNoPolicy = errors.New("lib: no policy configured")
	ErrNoStore  = errors.New("lib: no store configured")
)

type Options struct {
	Next            http.Handler
	Policy          *policy.ParsedConfig
	Store           store.Interface
	Secret          []byte
	BasePrefix      string
	StripBasePrefix bool

	// Roles overrides the role source named in the policy.
	Roles roles.Lookup

	// RoleClient is used by the http role source.
	RoleClient *http.Client

	Clock func() time.Time
	Rand  io.Reader
}

func LoadPoliciesOrDefault(ctx context.Context, fname string) (*policy.ParsedConfig, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/policy.yaml"
		fin, err = data.Policies.Open("policy.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't parse builtin policy file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close policy file", "file", fname, "err", err)
		}
	}(fin)

	aegisPolicy, err := policy.ParseConfig(ctx, fin, fname)
	if err != nil {
		return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
	}

	if _, ok := challenge.Get(aegisPolicy.Config().Challenge.Algorithm); !ok {
		return nil, fmt.Errorf("can't do final validation of Aegis config: %w: %s", challenge.ErrUnknownAlgorithm, aegisPolicy.Config().Challenge.Algorithm)
	}

	return aegisPolicy, nil
}

// RoleLookup builds the role source a policy asks for.
func RoleLookup(cfg config.Roles, client *http.Client) (roles.Lookup, error) {
	switch cfg.Source {
	case config.RoleSourceHeader:
		return roles.NewHeader(cfg.Header, cfg.TrustedProxies)
	case config.RoleSourceHTTP:
		return roles.NewHTTP(cfg.URL, client, cfg.CacheTTL.Std())
	default:
		return roles.None{}, nil
	}
}

// roleHeader returns the header source requests are stripped with. It trusts
// nobody unless the policy reads roles from the header.
func roleHeader(cfg config.Roles, lookup roles.Lookup) (*roles.Header, error) {
	if h, ok := lookup.(*roles.Header); ok {
		return h, nil
	}

	return roles.NewHeader(cfg.Header, nil)
}

func New(opts Options) (*Server, error) {
	if opts.Policy == nil {
		return nil, ErrNoPolicy
	}
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	cfg := opts.Policy.Config()

	tokens := admission.New(admission.Options{
		Store: opts.Store,
		TTL:   cfg.Tokens.TTL.Std(),
		Clock: opts.Clock,
		Rand:  opts.Rand,
	})

	issuer, err := challenge.NewIssuer(challenge.Options{
		Store:      opts.Store,
		Tokens:     tokens,
		Algorithm:  cfg.Challenge.Algorithm,
		Difficulty: cfg.Challenge.Difficulty,
		TTL:        cfg.Challenge.TTL.Std(),
		Clock:      opts.Clock,
		Rand:       opts.Rand,
	})
	if err != nil {
		return nil, fmt.Errorf("lib: %w", err)
	}

	secret := opts.Secret
	if len(secret) == 0 {
		secret = []byte(cfg.Signature.Secret)
	}

	signatures, err := signature.New(signature.Options{
		Secret:       secret,
		Window:       cfg.Signature.ReplayWindow.Std(),
		MaxBodyBytes: cfg.Signature.MaxBodyBytes,
		Clock:        opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("lib: %w", err)
	}

	lookup := opts.Roles
	if lookup == nil {
		lookup, err = RoleLookup(cfg.Roles, opts.RoleClient)
		if err != nil {
			return nil, fmt.Errorf("lib: %w", err)
		}
	}

	stripRoles, err := roleHeader(cfg.Roles, lookup)
	if err != nil {
		return nil, fmt.Errorf("lib: %w", err)
	}

	aegis.BasePrefix = opts.BasePrefix

	result := &Server{
		policy:     opts.Policy,
		issuer:     issuer,
		tokens:     tokens,
		signatures: signatures,
		privileged: roles.Checker{Lookup: lookup, Privileged: cfg.Roles.Privileged},
		roleHeader: stripRoles,
		opts:       opts,
	}

	if opts.Next != nil {
		result.next = opts.Next
		if !cfg.Shaper.Disabled {
			result.next = shaper.Middleware(shaper.Options{
				IsPrivileged: result.privileged.IsPrivileged,
				MaxBodyBytes: cfg.Shaper.MaxBodyBytes,
				OnError:      result.shaperFailed,
				Rand:         opts.Rand,
			}, opts.Next)
		}
	}

	mux := http.NewServeMux()

	// Helper to add global prefix
	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		// Ensure there's no double slash when concatenating BasePrefix and pattern
		basePrefix := strings.TrimSuffix(aegis.BasePrefix, "/")
		prefix := method + basePrefix

		// If pattern doesn't start with a slash, add one
		if !strings.HasPrefix(pattern, "/") {
			pattern = "/" + pattern
		}

		mux.Handle(prefix+pattern, handler)
	}

	registerWithPrefix(aegis.HandshakePrefix+"init", internal.GzipMiddleware(1, http.HandlerFunc(result.InitHandshake)), http.MethodPost)
	registerWithPrefix(aegis.HandshakePrefix+"verify", internal.GzipMiddleware(1, http.HandlerFunc(result.VerifyHandshake)), http.MethodPost)
	registerWithPrefix(aegis.HandshakePrefix+"revoke", http.HandlerFunc(result.RevokeToken), http.MethodPost)
	registerWithPrefix(aegis.HandshakePrefix, http.HandlerFunc(result.handshakeNotFound), "")
	registerWithPrefix("/", http.HandlerFunc(result.maybeReverseProxy), "")

	result.mux = mux

	return result, nil
}
