package policy

import (
	"fmt"

	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/policy/checker"
	"github.com/uvensys/aegis/lib/policy/config"
)

// Route is a compiled route rule.
type Route struct {
	Rules  checker.Impl
	Name   string
	Action config.Action
}

func (r Route) Hash() string {
	return internal.FastHash(fmt.Sprintf("%s::%s::%s", r.Name, r.Action, r.Rules.Hash()))
}
