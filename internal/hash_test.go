package internal

import (
	"fmt"
	"testing"
)

func TestSHA256sum(t *testing.T) {
	for _, tt := range []struct {
		in, want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	} {
		if got := SHA256sum(tt.in); got != tt.want {
			t.Errorf("SHA256sum(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFastHashFormat(t *testing.T) {
	seen := map[string]string{}

	for i := range 10_000 {
		in := fmt.Sprintf("route-%d:^/api/orders/%d$", i, i)
		h := FastHash(in)

		if len(h) == 0 || len(h) > 16 {
			t.Fatalf("FastHash(%q) = %q, want 1..16 hex chars", in, h)
		}
		for _, c := range h {
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
				t.Fatalf("FastHash(%q) = %q contains non-hex %q", in, h, c)
			}
		}

		if prev, ok := seen[h]; ok {
			t.Fatalf("collision: %q and %q both hash to %s", prev, in, h)
		}
		seen[h] = in
	}
}
