package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/uvensys/aegis/data"
	"github.com/uvensys/aegis/lib/policy"
	"github.com/uvensys/aegis/lib/policy/config"

	"sigs.k8s.io/yaml"
)

const redacted = "<redacted>"

// flatPolicy is a policy file with imports resolved and defaults filled in.
type flatPolicy struct {
	Routes        []config.Route   `json:"routes"`
	DefaultAction config.Action    `json:"default_action"`
	Challenge     config.Challenge `json:"challenge"`
	Tokens        config.Tokens    `json:"tokens"`
	Signature     config.Signature `json:"signature"`
	Shaper        config.Shaper    `json:"shaper"`
	Roles         config.Roles     `json:"roles"`
	Store         *config.Store    `json:"store,omitempty"`
}

func flatten(cfg *config.Config) flatPolicy {
	sig := cfg.Signature
	if sig.Secret != "" {
		sig.Secret = redacted
	}

	return flatPolicy{
		Routes:        cfg.Routes,
		DefaultAction: cfg.DefaultAction,
		Challenge:     cfg.Challenge,
		Tokens:        cfg.Tokens,
		Signature:     sig,
		Shaper:        cfg.Shaper,
		Roles:         cfg.Roles,
		Store:         cfg.Store,
	}
}

// headerFlags collects repeated -header "Name: value" flags.
type headerFlags http.Header

func (h headerFlags) String() string {
	var sb strings.Builder
	for k, vs := range h {
		for _, v := range vs {
			fmt.Fprintf(&sb, "%s: %s; ", k, v)
		}
	}
	return strings.TrimSuffix(sb.String(), "; ")
}

func (h headerFlags) Set(value string) error {
	name, val, ok := strings.Cut(value, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header %q must look like \"Name: value\"", value)
	}
	http.Header(h).Add(strings.TrimSpace(name), strings.TrimSpace(val))
	return nil
}

func openPolicy(fname string) (io.ReadCloser, string, error) {
	switch fname {
	case "":
		fin, err := data.Policies.Open("policy.yaml")
		return fin, "(data)/policy.yaml", err
	case "-":
		return io.NopCloser(os.Stdin), "(stdin)", nil
	default:
		fin, err := os.Open(fname)
		return fin, fname, err
	}
}

func runPolicy(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("policy")
	input := fs.String("input", "", "policy file to read, - for stdin, defaults to the built-in policy")
	format := fs.String("format", "yaml", "output format: yaml or json")
	check := fs.String("check", "", "print the route a request hits instead of the policy, e.g. \"POST /api/orders\"")
	remoteAddr := fs.String("remote-addr", "127.0.0.1", "client address used with -check")
	headers := headerFlags{}
	fs.Var(headers, "header", "request header used with -check, may be repeated")
	if err := parse(fs, args); err != nil {
		return err
	}

	fin, fname, err := openPolicy(*input)
	if err != nil {
		return fmt.Errorf("can't open policy file: %w", err)
	}
	defer fin.Close()

	pc, err := policy.ParseConfig(ctx, fin, fname)
	if err != nil {
		return err
	}

	if *check != "" {
		return checkRoute(pc, *check, *remoteAddr, http.Header(headers), stdout)
	}

	var output []byte
	switch strings.ToLower(*format) {
	case "yaml":
		output, err = yaml.Marshal(flatten(pc.Config()))
	case "json":
		output, err = json.MarshalIndent(flatten(pc.Config()), "", "  ")
		output = append(output, '\n')
	default:
		return fmt.Errorf("%w: unsupported output format %q, use yaml or json", errUsage, *format)
	}
	if err != nil {
		return fmt.Errorf("can't marshal policy: %w", err)
	}

	_, err = stdout.Write(output)
	return err
}

func checkRoute(pc *policy.ParsedConfig, request, remoteAddr string, headers http.Header, stdout io.Writer) error {
	method, path, ok := strings.Cut(strings.TrimSpace(request), " ")
	if !ok {
		method, path = http.MethodGet, request
	}

	r := httptest.NewRequest(strings.ToUpper(method), strings.TrimSpace(path), nil)
	r.RemoteAddr = net.JoinHostPort(remoteAddr, "0")
	r.Header.Set("X-Real-Ip", remoteAddr)
	for name, values := range headers {
		for _, v := range values {
			r.Header.Add(name, v)
		}
	}

	cr, err := pc.Check(r)
	if err != nil {
		return fmt.Errorf("can't check request: %w", err)
	}

	fmt.Fprintf(stdout, "rule:   %s\naction: %s\nhash:   %s\n", cr.Name, cr.Action, cr.Hash)
	return nil
}
