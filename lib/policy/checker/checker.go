// Package checker defines the request matcher interface shared by route
// rules. It lives apart from package policy to avoid import cycles.
package checker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/uvensys/aegis/internal"
)

type Impl interface {
	Check(*http.Request) (bool, error)
	Hash() string
}

// All matches when every checker in it matches. An empty All matches
// everything.
type All []Impl

func (a All) Check(r *http.Request) (bool, error) {
	for _, c := range a {
		ok, err := c.Check(r)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func (a All) Hash() string {
	var sb strings.Builder

	for _, c := range a {
		fmt.Fprintln(&sb, c.Hash())
	}

	return internal.FastHash(sb.String())
}
