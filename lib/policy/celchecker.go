package policy

import (
	"fmt"
	"net/http"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/policy/config"
	"github.com/uvensys/aegis/lib/policy/expressions"
)

type CELChecker struct {
	src     string
	program cel.Program
}

func NewCELChecker(cfg *config.ExpressionOrList) (*CELChecker, error) {
	env, err := expressions.NewEnvironment()
	if err != nil {
		return nil, err
	}

	var ast *cel.Ast

	switch {
	case len(cfg.All) != 0:
		ast, err = expressions.Join(env, expressions.All, cfg.All...)
	case len(cfg.Any) != 0:
		ast, err = expressions.Join(env, expressions.Any, cfg.Any...)
	default:
		ast, err = expressions.CompileBool(env, cfg.Expression)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguration, err)
	}

	program, err := expressions.Program(env, ast)
	if err != nil {
		return nil, fmt.Errorf("can't compile CEL program: %w", err)
	}

	return &CELChecker{
		src:     cfg.String(),
		program: program,
	}, nil
}

func (cc *CELChecker) Hash() string {
	return internal.FastHash(cc.src)
}

func (cc *CELChecker) Check(r *http.Request) (bool, error) {
	result, _, err := cc.program.ContextEval(r.Context(), &CELRequest{r})
	if err != nil {
		return false, err
	}

	if val, ok := result.(types.Bool); ok {
		return bool(val), nil
	}

	return false, nil
}

// CELRequest exposes a request to CEL programs as the variables declared in
// expressions.NewEnvironment.
type CELRequest struct {
	*http.Request
}

func (cr *CELRequest) Parent() cel.Activation { return nil }

func (cr *CELRequest) ResolveName(name string) (any, bool) {
	switch name {
	case expressions.VarRemoteAddress:
		return remoteAddr(cr.Request), true
	case expressions.VarHost:
		return cr.Host, true
	case expressions.VarMethod:
		return cr.Method, true
	case expressions.VarUserAgent:
		return cr.UserAgent(), true
	case expressions.VarPath:
		return cr.URL.Path, true
	case expressions.VarQuery:
		return expressions.Query(cr.URL.Query()), true
	case expressions.VarHeaders:
		return expressions.Headers(cr.Header), true
	case expressions.VarHasToken:
		return cr.Header.Get(aegis.TokenHeader) != "", true
	case expressions.VarHasSignature:
		return cr.Header.Get(aegis.SignatureHeader) != "" && cr.Header.Get(aegis.TimestampHeader) != "", true
	case expressions.VarContentLength:
		return cr.ContentLength, true
	default:
		return nil, false
	}
}
