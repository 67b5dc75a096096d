package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uvensys/aegis/lib/store"
	_ "github.com/uvensys/aegis/lib/store/all"
)

var (
	ErrNoStoreBackend       = errors.New("config.Store: no backend defined")
	ErrUnknownStoreBackend  = errors.New("config.Store: unknown backend")
	ErrStoreParamsNotObject = errors.New("config.Store: parameters must be an object")
)

// backendMemory keeps challenges and tokens inside one gateway process.
const backendMemory = "memory"

// Store selects the backend challenges and tokens are kept in. Every gateway
// replica must point at the same shared backend.
type Store struct {
	Backend    string          `json:"backend"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Shared reports whether several gateway replicas can use this backend
// together. A challenge issued by one replica is only verifiable by another
// when it is.
func (s *Store) Shared() bool {
	return s.Backend != backendMemory
}

func (s *Store) Valid() error {
	if s.Backend == "" {
		return ErrNoStoreBackend
	}

	params := bytes.TrimSpace(s.Parameters)
	if len(params) != 0 && params[0] != '{' && !bytes.Equal(params, []byte("null")) {
		return fmt.Errorf("%w, got: %s", ErrStoreParamsNotObject, params)
	}

	fac, ok := store.Get(s.Backend)
	if !ok {
		return fmt.Errorf("%w: %q, known backends: %v", ErrUnknownStoreBackend, s.Backend, store.Methods())
	}

	if err := fac.Valid(s.Parameters); err != nil {
		return fmt.Errorf("config.Store: %s backend: %w", s.Backend, err)
	}

	return nil
}
