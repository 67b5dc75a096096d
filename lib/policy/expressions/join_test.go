package expressions

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/cel-go/cel"
)

func eval(t *testing.T, env *cel.Env, ast *cel.Ast, vars map[string]any) bool {
	t.Helper()

	program, err := Program(env, ast)
	if err != nil {
		t.Fatal(err)
	}

	result, _, err := program.Eval(vars)
	if err != nil {
		t.Fatalf("can't evaluate: %v", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		t.Fatalf("result %v is not a bool", result)
	}
	return b
}

func TestJoin(t *testing.T) {
	env, err := NewEnvironment()
	if err != nil {
		t.Fatal(err)
	}

	unsignedDelete := map[string]any{
		VarMethod:       "DELETE",
		VarPath:         "/api/listings/42/moderation",
		VarHeaders:      Headers(http.Header{}),
		VarHasToken:     true,
		VarHasSignature: false,
	}

	for _, tt := range []struct {
		name    string
		op      Operator
		clauses []string
		err     error
		want    bool
	}{
		{
			name: "no-clauses",
			op:   All,
			err:  ErrNoExpressions,
		},
		{
			name:    "single-clause",
			op:      All,
			clauses: []string{`method == "DELETE"`},
			want:    true,
		},
		{
			name: "all-of",
			op:   All,
			clauses: []string{
				`method in ["PUT", "PATCH", "DELETE"]`,
				`path.matches("^/api/listings/[^/]+/moderation$")`,
			},
			want: true,
		},
		{
			name: "all-of-one-false",
			op:   All,
			clauses: []string{
				`method in ["PUT", "PATCH", "DELETE"]`,
				`hasSignature`,
			},
			want: false,
		},
		{
			name: "any-of",
			op:   Any,
			clauses: []string{
				`hasSignature`,
				`hasToken && "X-Debug" in headers`,
				`path.startsWith("/api/listings/")`,
			},
			want: true,
		},
		{
			name:    "non-bool-clause",
			op:      Any,
			clauses: []string{`hasToken`, `path + "x"`},
			err:     ErrNotBool,
		},
		{
			name:    "unknown-variable",
			op:      All,
			clauses: []string{`tokenId == "x"`},
			err:     ErrCantCompile,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ast, err := Join(env, tt.op, tt.clauses...)
			if !errors.Is(err, tt.err) {
				t.Fatalf("wanted error %v, got: %v", tt.err, err)
			}
			if tt.err != nil {
				return
			}

			if got := eval(t, env, ast, unsignedDelete); got != tt.want {
				t.Errorf("wanted %v, got %v", tt.want, got)
			}
		})
	}
}

func TestJoinUnknownOperator(t *testing.T) {
	env, err := NewEnvironment()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Join(env, "^", "hasToken", "hasSignature"); err == nil {
		t.Error("an unknown operator must not compile")
	}
}
