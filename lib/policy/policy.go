// Package policy compiles route rules from a policy file and decides what
// the gateway does with each request.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uvensys/aegis/lib/policy/checker"
	"github.com/uvensys/aegis/lib/policy/config"
)

var (
	Applications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_policy_results",
		Help: "The results of each route rule",
	}, []string{"rule", "action"})
)

const defaultRuleName = "default"

type ParsedConfig struct {
	orig *config.Config

	Routes        []Route
	DefaultAction config.Action
}

func NewParsedConfig(orig *config.Config) *ParsedConfig {
	return &ParsedConfig{
		orig:          orig,
		DefaultAction: orig.DefaultAction,
	}
}

// Config returns the loaded policy file the routes were compiled from.
func (pc *ParsedConfig) Config() *config.Config {
	return pc.orig
}

// CompileRoute turns one route rule into a Route whose matchers must all
// match.
func CompileRoute(rc config.Route) (Route, error) {
	if err := rc.Valid(); err != nil {
		return Route{}, err
	}

	var (
		cl   checker.All
		errs []error
	)

	if len(rc.Methods) > 0 {
		cl = append(cl, NewMethodChecker(rc.Methods))
	}

	if len(rc.RemoteAddr) > 0 {
		c, err := NewRemoteAddrChecker(rc.RemoteAddr)
		if err != nil {
			errs = append(errs, fmt.Errorf("while processing rule %s remote addr set: %w", rc.Name, err))
		} else {
			cl = append(cl, c)
		}
	}

	if rc.PathRegex != nil {
		c, err := NewPathChecker(*rc.PathRegex)
		if err != nil {
			errs = append(errs, fmt.Errorf("while processing rule %s path regex: %w", rc.Name, err))
		} else {
			cl = append(cl, c)
		}
	}

	if len(rc.HeadersRegex) > 0 {
		c, err := NewHeadersChecker(rc.HeadersRegex)
		if err != nil {
			errs = append(errs, fmt.Errorf("while processing rule %s headers regex map: %w", rc.Name, err))
		} else {
			cl = append(cl, c)
		}
	}

	if rc.Expression != nil {
		c, err := NewCELChecker(rc.Expression)
		if err != nil {
			errs = append(errs, fmt.Errorf("while processing rule %s expressions: %w", rc.Name, err))
		} else {
			cl = append(cl, c)
		}
	}

	if len(errs) != 0 {
		return Route{}, errors.Join(errs...)
	}

	return Route{
		Rules:  cl,
		Name:   rc.Name,
		Action: rc.Action,
	}, nil
}

// ParseConfig loads a policy file and compiles its route rules.
func ParseConfig(ctx context.Context, fin io.Reader, fname string) (*ParsedConfig, error) {
	c, err := config.Load(fin, fname)
	if err != nil {
		return nil, err
	}

	var validationErrs []error

	result := NewParsedConfig(c)

	for _, rc := range c.Routes {
		route, err := CompileRoute(rc)
		if err != nil {
			validationErrs = append(validationErrs, err)
			continue
		}

		result.Routes = append(result.Routes, route)
	}

	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("errors validating policy config %s: %w", fname, errors.Join(validationErrs...))
	}

	slog.DebugContext(ctx, "loaded policy", "file", fname, "routes", len(result.Routes), "default_action", result.DefaultAction)

	return result, nil
}

// Check finds the first route matching r. Requests no rule matches get the
// default action. A matcher error is returned as is; callers must fail
// closed.
func (pc *ParsedConfig) Check(r *http.Request) (CheckResult, error) {
	for _, route := range pc.Routes {
		match, err := route.Rules.Check(r)
		if err != nil {
			return CheckResult{}, fmt.Errorf("can't run check %s: %w", route.Name, err)
		}

		if match {
			Applications.WithLabelValues(route.Name, string(route.Action)).Inc()
			return CheckResult{
				Name:   route.Name,
				Action: route.Action,
				Hash:   route.Hash(),
			}, nil
		}
	}

	Applications.WithLabelValues(defaultRuleName, string(pc.DefaultAction)).Inc()
	return CheckResult{
		Name:   defaultRuleName,
		Action: pc.DefaultAction,
	}, nil
}
