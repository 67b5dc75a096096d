package expressions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

var (
	ErrNoExpressions = errors.New("expressions: nothing to compile")
	ErrCantCompile   = errors.New("expressions: can't compile expression")
	ErrNotBool       = errors.New("expressions: expression does not return bool")
)

// Operator joins the clauses of an all or any block.
type Operator string

const (
	All Operator = "&&"
	Any Operator = "||"
)

// CompileBool compiles a single clause and makes sure it yields a bool.
func CompileBool(env *cel.Env, clause string) (*cel.Ast, error) {
	ast, iss := env.Compile(clause)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrCantCompile, clause, iss.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %q returns %s", ErrNotBool, clause, ast.OutputType())
	}

	return ast, nil
}

// Join compiles every clause on its own, so errors point at the clause that
// broke, then combines them with op into one checked expression.
func Join(env *cel.Env, op Operator, clauses ...string) (*cel.Ast, error) {
	switch op {
	case All, Any:
	default:
		return nil, fmt.Errorf("expressions: unknown operator %q", op)
	}

	if len(clauses) == 0 {
		return nil, ErrNoExpressions
	}

	var errs []error
	parts := make([]string, 0, len(clauses))

	for _, clause := range clauses {
		ast, err := CompileBool(env, clause)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if len(clauses) == 1 {
			return ast, nil
		}

		src, err := cel.AstToString(ast)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parts = append(parts, "("+src+")")
	}

	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}

	ast, iss := env.Compile(strings.Join(parts, " "+string(op)+" "))
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: joined clauses: %w", ErrCantCompile, iss.Err())
	}

	return ast, nil
}
