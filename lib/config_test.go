package lib

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/uvensys/aegis/lib/policy/config"
	"github.com/uvensys/aegis/lib/roles"
)

func TestDefaultPolicy(t *testing.T) {
	pc, err := LoadPoliciesOrDefault(t.Context(), "")
	if err != nil {
		t.Fatal(err)
	}

	if len(pc.Routes) == 0 {
		t.Fatal("the built-in policy has no routes")
	}
	if pc.DefaultAction != config.ActionGate {
		t.Errorf("wanted the built-in policy to gate by default, got %s", pc.DefaultAction)
	}
}

func TestMissingPolicyFile(t *testing.T) {
	if _, err := LoadPoliciesOrDefault(t.Context(), filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("wanted os.ErrNotExist, got: %v", err)
	}
}

func TestBadConfigs(t *testing.T) {
	finfos, err := os.ReadDir("policy/config/testdata/bad")
	if err != nil {
		t.Fatal(err)
	}

	for _, st := range finfos {
		t.Run(st.Name(), func(t *testing.T) {
			if _, err := LoadPoliciesOrDefault(t.Context(), filepath.Join("policy", "config", "testdata", "bad", st.Name())); err == nil {
				t.Fatal("bad config loaded without error")
			} else {
				t.Log(err)
			}
		})
	}
}

func TestGoodConfigs(t *testing.T) {
	finfos, err := os.ReadDir("policy/config/testdata/good")
	if err != nil {
		t.Fatal(err)
	}

	for _, st := range finfos {
		t.Run(st.Name(), func(t *testing.T) {
			if _, err := LoadPoliciesOrDefault(t.Context(), filepath.Join("policy", "config", "testdata", "good", st.Name())); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestRoleLookup(t *testing.T) {
	for _, tt := range []struct {
		name string
		cfg  config.Roles
		want any
		err  error
	}{
		{
			name: "none",
			cfg:  config.Roles{Source: config.RoleSourceNone},
			want: roles.None{},
		},
		{
			name: "header",
			cfg:  config.Roles{Source: config.RoleSourceHeader, Header: "X-Roles", TrustedProxies: []string{"10.0.0.0/8"}},
			want: "X-Roles",
		},
		{
			name: "header with bad proxy",
			cfg:  config.Roles{Source: config.RoleSourceHeader, TrustedProxies: []string{"nope"}},
			err:  roles.ErrBadTrustedProxy,
		},
		{
			name: "empty source",
			cfg:  config.Roles{Header: "X-Roles"},
			want: roles.None{},
		},
		{
			name: "http",
			cfg:  config.Roles{Source: config.RoleSourceHTTP, URL: "http://identity.internal/whoami"},
			want: &roles.HTTP{},
		},
		{
			name: "http without url",
			cfg:  config.Roles{Source: config.RoleSourceHTTP},
			err:  roles.ErrNoURL,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RoleLookup(tt.cfg, nil)
			if !errors.Is(err, tt.err) {
				t.Fatalf("wanted error %v, got: %v", tt.err, err)
			}
			if err != nil {
				return
			}

			switch want := tt.want.(type) {
			case roles.None:
				if _, ok := got.(roles.None); !ok {
					t.Errorf("wanted roles.None, got %T", got)
				}
			case string:
				if h, ok := got.(*roles.Header); !ok || h.Name() != want {
					t.Errorf("wanted a header source reading %s, got %#v", want, got)
				}
			case *roles.HTTP:
				if _, ok := got.(*roles.HTTP); !ok {
					t.Errorf("wanted *roles.HTTP, got %T", got)
				}
			}
		})
	}
}
