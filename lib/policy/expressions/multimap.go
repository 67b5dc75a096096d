package expressions

import (
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"strings"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

var ErrNotImplemented = errors.New("expressions: not implemented")

// MultiMap exposes a map of string lists (HTTP headers, query values) to CEL
// programs as a map(string, string). Repeated values are joined with commas.
type MultiMap struct {
	values map[string][]string
	key    func(string) string
}

// Headers wraps HTTP headers. Lookups are case insensitive.
func Headers(h http.Header) MultiMap {
	return MultiMap{values: h, key: http.CanonicalHeaderKey}
}

// Query wraps URL query values. Lookups are case sensitive.
func Query(v url.Values) MultiMap {
	return MultiMap{values: v}
}

func (m MultiMap) lookup(k string) ([]string, bool) {
	if m.key != nil {
		k = m.key(k)
	}
	v, ok := m.values[k]
	return v, ok
}

func (m MultiMap) ConvertToNative(typeDesc reflect.Type) (any, error) {
	return nil, ErrNotImplemented
}

func (m MultiMap) ConvertToType(typeVal ref.Type) ref.Val {
	switch typeVal {
	case types.MapType:
		return m
	case types.TypeType:
		return types.MapType
	}

	return types.NewErr("can't convert from %q to %q", types.MapType, typeVal)
}

// Equal never reports two request maps as equal.
func (m MultiMap) Equal(other ref.Val) ref.Val {
	return types.False
}

func (m MultiMap) Type() ref.Type {
	return types.MapType
}

func (m MultiMap) Value() any { return m }

func (m MultiMap) Find(key ref.Val) (ref.Val, bool) {
	k, ok := key.(types.String)
	if !ok {
		return nil, false
	}

	v, ok := m.lookup(string(k))
	if !ok {
		return nil, false
	}

	return types.String(strings.Join(v, ",")), true
}

func (m MultiMap) Contains(key ref.Val) ref.Val {
	_, ok := m.Find(key)
	return types.Bool(ok)
}

func (m MultiMap) Get(key ref.Val) ref.Val {
	result, ok := m.Find(key)
	if !ok {
		return types.ValOrErr(result, "no such key: %v", key)
	}
	return result
}

// Iterator walks the keys in sorted order.
func (m MultiMap) Iterator() traits.Iterator {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return &keyIterator{keys: keys}
}

func (m MultiMap) IsZeroValue() bool {
	return len(m.values) == 0
}

func (m MultiMap) Size() ref.Val { return types.Int(len(m.values)) }

type keyIterator struct {
	keys []string
	next int
}

func (it *keyIterator) ConvertToNative(typeDesc reflect.Type) (any, error) {
	return nil, ErrNotImplemented
}

func (it *keyIterator) ConvertToType(typeVal ref.Type) ref.Val {
	return types.NewErr("can't convert iterator to %q", typeVal)
}

func (it *keyIterator) Equal(other ref.Val) ref.Val {
	return types.False
}

func (it *keyIterator) Type() ref.Type { return types.IteratorType }

func (it *keyIterator) Value() any { return it }

func (it *keyIterator) HasNext() ref.Val {
	return types.Bool(it.next < len(it.keys))
}

func (it *keyIterator) Next() ref.Val {
	if it.next >= len(it.keys) {
		return nil
	}
	k := it.keys[it.next]
	it.next++
	return types.String(k)
}
