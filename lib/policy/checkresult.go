package policy

import (
	"log/slog"

	"github.com/uvensys/aegis/lib/policy/config"
)

// CheckResult is the outcome of matching a request against the route policy.
type CheckResult struct {
	Name   string
	Action config.Action
	Hash   string
}

func (cr CheckResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", cr.Name),
		slog.String("action", string(cr.Action)),
		slog.String("hash", cr.Hash),
	)
}
