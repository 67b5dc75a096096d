// Package storetest is the conformance suite every storage backend must pass.
package storetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uvensys/aegis/lib/store"
)

func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic get set delete",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", t.Name(), err)
				} else if err != nil {
					t.Error(err)
				}

				if !bytes.Equal(val, []byte(t.Name())) {
					t.Logf("want: %q", t.Name())
					t.Logf("got:  %q", string(val))
					t.Error("wrong value returned")
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted test to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), t.Name()); err == nil {
					t.Errorf("key %q does not exist and Delete did not return non-nil", t.Name())
				}

				return nil
			},
		},
		{
			name: "expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				//nosleep:bypass XXX: use testing/synctest once every backend can run inside a bubble.
				time.Sleep(155 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				return nil
			},
		},
		{
			name: "compare and swap",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.CompareAndSwap(t.Context(), t.Name(), []byte("a"), []byte("b")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted ErrNotFound swapping a missing key, got: %v", err)
				}

				if err := s.Set(t.Context(), t.Name(), []byte("pending"), 5*time.Minute); err != nil {
					return err
				}

				ok, err := s.CompareAndSwap(t.Context(), t.Name(), []byte("wrong"), []byte("consumed"))
				if err != nil {
					return err
				}
				if ok {
					t.Error("swap with a stale old value must not succeed")
				}

				ok, err = s.CompareAndSwap(t.Context(), t.Name(), []byte("pending"), []byte("consumed"))
				if err != nil {
					return err
				}
				if !ok {
					t.Error("swap with the current value must succeed")
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					return err
				}
				if string(val) != "consumed" {
					t.Errorf("wanted value %q after swap, got: %q", "consumed", val)
				}

				ok, err = s.CompareAndSwap(t.Context(), t.Name(), []byte("pending"), []byte("consumed"))
				if err != nil {
					return err
				}
				if ok {
					t.Error("second swap from the same old value must not succeed")
				}

				return nil
			},
		},
		{
			name: "compare and swap keeps expiry",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("pending"), 300*time.Millisecond); err != nil {
					return err
				}

				if _, err := s.CompareAndSwap(t.Context(), t.Name(), []byte("pending"), []byte("consumed")); err != nil {
					return err
				}

				//nosleep:bypass XXX: use testing/synctest once every backend can run inside a bubble.
				time.Sleep(350 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to expire after a swap but it still exists", t.Name())
				}

				return nil
			},
		},
		{
			name: "compare and swap single winner",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("pending"), 5*time.Minute); err != nil {
					return err
				}

				var (
					wg   sync.WaitGroup
					wins atomic.Int32
					errs = make(chan error, 16)
				)

				for i := range 16 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ok, err := s.CompareAndSwap(t.Context(), t.Name(), []byte("pending"), []byte(fmt.Sprintf("consumed-%d", i)))
						if err != nil {
							errs <- err
							return
						}
						if ok {
							wins.Add(1)
						}
					}()
				}

				wg.Wait()
				close(errs)

				if err, ok := <-errs; ok {
					return err
				}

				if n := wins.Load(); n != 1 {
					t.Errorf("wanted exactly one swap to win, got: %d", n)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
