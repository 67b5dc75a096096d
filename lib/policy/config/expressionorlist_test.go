package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"sigs.k8s.io/yaml"
)

func TestExpressionOrListMarshal(t *testing.T) {
	for _, tt := range []struct {
		name  string
		input *ExpressionOrList
		json  string
		yaml  string
	}{
		{
			name:  "single expression",
			input: &ExpressionOrList{Expression: "true"},
			json:  `"true"`,
			yaml:  `"true"`,
		},
		{
			name:  "all",
			input: &ExpressionOrList{All: []string{"true", "true"}},
			json:  `{"all":["true","true"]}`,
			yaml:  "all:\n- \"true\"\n- \"true\"",
		},
		{
			name:  "all one",
			input: &ExpressionOrList{All: []string{"true"}},
			json:  `"true"`,
			yaml:  `"true"`,
		},
		{
			name:  "any",
			input: &ExpressionOrList{Any: []string{"true", "false"}},
			json:  `{"any":["true","false"]}`,
			yaml:  "any:\n- \"true\"\n- \"false\"",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			result, err := json.Marshal(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			if string(result) != tt.json {
				t.Errorf("json: wanted %s, got %s", tt.json, result)
			}

			result, err = yaml.Marshal(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			if got := string(bytes.TrimSpace(result)); got != tt.yaml {
				t.Errorf("yaml: wanted %q, got %q", tt.yaml, got)
			}
		})
	}
}

func TestExpressionOrListUnmarshalJSON(t *testing.T) {
	for _, tt := range []struct {
		name     string
		inp      string
		err      error
		validErr error
		result   *ExpressionOrList
	}{
		{
			name:   "simple",
			inp:    `"\"Authorization\" in headers"`,
			result: &ExpressionOrList{Expression: `"Authorization" in headers`},
		},
		{
			name:   "object-and",
			inp:    `{"all": ["method == \"POST\"", "path.startsWith(\"/api/admin/\")"]}`,
			result: &ExpressionOrList{All: []string{`method == "POST"`, `path.startsWith("/api/admin/")`}},
		},
		{
			name:   "object-or",
			inp:    `{"any": ["method == \"PUT\""]}`,
			result: &ExpressionOrList{Any: []string{`method == "PUT"`}},
		},
		{
			name:     "both-or-and",
			inp:      `{"all": ["true"], "any": ["true"]}`,
			validErr: ErrExpressionCantHaveBoth,
		},
		{
			name:     "expression-empty",
			inp:      `{"any": []}`,
			validErr: ErrExpressionEmpty,
		},
		{
			name:     "not string or object",
			inp:      `42`,
			err:      ErrExpressionOrListMustBeStringOrObject,
			validErr: ErrExpressionEmpty,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var eol ExpressionOrList

			if err := json.Unmarshal([]byte(tt.inp), &eol); !errors.Is(err, tt.err) {
				t.Errorf("wanted unmarshal error: %v but got: %v", tt.err, err)
			}

			if tt.result != nil && !eol.Equal(tt.result) {
				t.Logf("wanted: %#v", tt.result)
				t.Logf("got:    %#v", &eol)
				t.Fatal("parsed expression is not what was expected")
			}

			if err := eol.Valid(); !errors.Is(err, tt.validErr) {
				t.Errorf("wanted validation error: %v but got: %v", tt.validErr, err)
			}
		})
	}
}

func TestExpressionOrListString(t *testing.T) {
	eol := ExpressionOrList{All: []string{`method == "POST"`, `path == "/x"`}}
	if got, want := eol.String(), `( method == "POST" ) && ( path == "/x" )`; got != want {
		t.Errorf("wanted %s, got %s", want, got)
	}
}
