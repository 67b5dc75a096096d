package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/uvensys/aegis"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(strings.NewReader("routes:\n  - name: api\n    action: GATE\n    path_regex: ^/api/\n"), "test.yaml")
	if err != nil {
		t.Fatal(err)
	}

	if c.DefaultAction != ActionGate {
		t.Errorf("wanted default action GATE, got %s", c.DefaultAction)
	}
	if c.Challenge.Difficulty != aegis.DefaultDifficulty {
		t.Errorf("wanted difficulty %d, got %d", aegis.DefaultDifficulty, c.Challenge.Difficulty)
	}
	if c.Challenge.TTL.Std() != aegis.DefaultChallengeTTL {
		t.Errorf("wanted challenge ttl %s, got %s", aegis.DefaultChallengeTTL, c.Challenge.TTL)
	}
	if c.Tokens.TTL.Std() != aegis.DefaultTokenTTL {
		t.Errorf("wanted token ttl %s, got %s", aegis.DefaultTokenTTL, c.Tokens.TTL)
	}
	if c.Signature.ReplayWindow.Std() != aegis.DefaultReplayWindow {
		t.Errorf("wanted replay window %s, got %s", aegis.DefaultReplayWindow, c.Signature.ReplayWindow)
	}
	if c.Store == nil || c.Store.Backend != "memory" {
		t.Errorf("wanted the memory store by default, got %+v", c.Store)
	}
	if c.Roles.Source != RoleSourceNone {
		t.Errorf("wanted no role source by default, got %q", c.Roles.Source)
	}
}

func TestLoadImports(t *testing.T) {
	c, err := Load(strings.NewReader("routes:\n  - import: (data)/routes/common.yaml\n  - name: api\n    action: GATE\n    path_regex: ^/api/\n"), "test.yaml")
	if err != nil {
		t.Fatal(err)
	}

	if len(c.Routes) < 2 {
		t.Fatalf("wanted imported routes plus one, got %d", len(c.Routes))
	}
	if last := c.Routes[len(c.Routes)-1]; last.Name != "api" {
		t.Errorf("imports must keep their position, last route is %q", last.Name)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tt := range []struct {
		name  string
		input string
		err   error
	}{
		{
			name:  "no routes",
			input: "default_action: GATE\n",
			err:   ErrNoRoutesDefined,
		},
		{
			name:  "unknown action",
			input: "routes:\n  - name: x\n    action: CHALLENGE\n    path_regex: .\n",
			err:   ErrUnknownAction,
		},
		{
			name:  "no matcher",
			input: "routes:\n  - name: x\n    action: GATE\n",
			err:   ErrRouteMustHaveMatcher,
		},
		{
			name:  "no name",
			input: "routes:\n  - action: GATE\n    path_regex: .\n",
			err:   ErrRouteMustHaveName,
		},
		{
			name:  "bad method",
			input: "routes:\n  - name: x\n    action: GATE\n    methods: [FETCH]\n",
			err:   ErrInvalidMethod,
		},
		{
			name:  "privileged default",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\ndefault_action: PRIVILEGED\n",
			err:   ErrBadDefaultAction,
		},
		{
			name:  "difficulty",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\nchallenge:\n  difficulty: 0\n",
			err:   ErrChallengeDifficultyOutOfRange,
		},
		{
			name:  "replay window",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\nsignature:\n  replay_window: 10ms\n",
			err:   ErrReplayWindowTooShort,
		},
		{
			name:  "role source",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\nroles:\n  source: ldap\n",
			err:   ErrUnknownRoleSource,
		},
		{
			name:  "header roles without trusted proxies",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\nroles:\n  source: header\n",
			err:   ErrRoleSourceNeedsProxies,
		},
		{
			name:  "bad trusted proxy",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\nroles:\n  source: header\n  trusted_proxies: [10.0.0.0/33]\n",
			err:   ErrBadTrustedProxy,
		},
		{
			name:  "import and route at once",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\n    import: (data)/routes/common.yaml\n",
			err:   ErrCantSetRouteAndImportAtOnce,
		},
		{
			name:  "missing import",
			input: "routes:\n  - import: (data)/routes/nope.yaml\n",
			err:   ErrInvalidImportStatement,
		},
		{
			name:  "store backend",
			input: "routes:\n  - name: x\n    action: GATE\n    path_regex: .\nstore:\n  backend: floppy\n",
			err:   ErrUnknownStoreBackend,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.input), "test.yaml")
			if !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}

func TestDuration(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want time.Duration
		err  error
	}{
		{in: `"90s"`, want: 90 * time.Second},
		{in: `"1h30m"`, want: 90 * time.Minute},
		{in: `45`, want: 45 * time.Second},
		{in: `0.5`, want: 500 * time.Millisecond},
		{in: `"soon"`, err: ErrBadDuration},
		{in: `true`, err: ErrBadDuration},
	} {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.in))
			if !errors.Is(err, tt.err) {
				t.Fatalf("wanted error %v, got: %v", tt.err, err)
			}
			if err == nil && d.Std() != tt.want {
				t.Errorf("wanted %s, got %s", tt.want, d)
			}
		})
	}
}
