package cq

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/latticedb/lattice/pkg/types"
)

// Filter kinds mirror wire.ContinuousQueryRegister.FilterKind exactly:
// remote filters are this tagged-sum, never dynamically loaded code
// (spec §9 Design Notes).
const (
	KindAlwaysTrue   = "ALWAYS_TRUE"
	KindAnyOf        = "ANY_OF"
	KindKeyPrefix    = "KEY_PREFIX"
	KindFieldMatch   = "FIELD_MATCH"
	KindCompiledExpr = "COMPILED_EXPR"
	KindNamedFunc    = "NAMED_FUNC"
)

// Filter evaluates a cache event read-only (spec §4.6: "evaluate it
// with read-only flags so filter code cannot mutate state") and knows
// how to serialize itself as a ContinuousQueryRegister's
// FilterKind/FilterArgs for registration on a remote node.
type Filter interface {
	Evaluate(ev types.CacheEvent) bool
	Kind() string
	Args() []byte
}

type alwaysTrueFilter struct{}

// AlwaysTrue matches every event; the default when no filter is given.
func AlwaysTrue() Filter                                { return alwaysTrueFilter{} }
func (alwaysTrueFilter) Evaluate(types.CacheEvent) bool { return true }
func (alwaysTrueFilter) Kind() string                   { return KindAlwaysTrue }
func (alwaysTrueFilter) Args() []byte                   { return nil }

type keyPrefixFilter struct{ prefix []byte }

// KeyPrefix matches events whose key starts with prefix.
func KeyPrefix(prefix []byte) Filter { return keyPrefixFilter{prefix: prefix} }

func (f keyPrefixFilter) Evaluate(ev types.CacheEvent) bool { return bytes.HasPrefix(ev.Key, f.prefix) }
func (f keyPrefixFilter) Kind() string                      { return KindKeyPrefix }
func (f keyPrefixFilter) Args() []byte                      { return append([]byte(nil), f.prefix...) }

type anyOfFilter struct{ keys []types.Key }

// AnyOf matches events whose key equals one of keys.
func AnyOf(keys ...types.Key) Filter { return anyOfFilter{keys: keys} }

func (f anyOfFilter) Evaluate(ev types.CacheEvent) bool {
	for _, k := range f.keys {
		if ev.Key.Equal(k) {
			return true
		}
	}
	return false
}
func (f anyOfFilter) Kind() string { return KindAnyOf }
func (f anyOfFilter) Args() []byte {
	var buf []byte
	for _, k := range f.keys {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, k...)
	}
	return buf
}

func decodeAnyOfArgs(args []byte) []types.Key {
	var keys []types.Key
	off := 0
	for off < len(args) {
		n := binary.BigEndian.Uint32(args[off : off+4])
		off += 4
		keys = append(keys, types.Key(args[off:off+int(n)]))
		off += int(n)
	}
	return keys
}

type fieldMatchFilter struct {
	offset int
	want   []byte
}

// FieldMatch matches events whose new value has want at byte offset
// offset — a constrained, pre-compiled stand-in for structured
// field-equality filtering that stays within "no dynamic code
// loading" (spec §9 Design Notes).
func FieldMatch(offset int, want []byte) Filter { return fieldMatchFilter{offset: offset, want: want} }

func (f fieldMatchFilter) Evaluate(ev types.CacheEvent) bool {
	v := ev.NewValue
	if f.offset < 0 || f.offset+len(f.want) > len(v) {
		return false
	}
	return bytes.Equal(v[f.offset:f.offset+len(f.want)], f.want)
}
func (f fieldMatchFilter) Kind() string { return KindFieldMatch }
func (f fieldMatchFilter) Args() []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(f.offset))
	return append(lenBuf[:], f.want...)
}

func decodeFieldMatchArgs(args []byte) (int, []byte) {
	offset := int(binary.BigEndian.Uint32(args[:4]))
	return offset, append([]byte(nil), args[4:]...)
}

type compiledExprFilter struct {
	terms []fieldMatchFilter
}

// CompiledExpr ANDs together FieldMatch terms. The "compiled
// expression" is a fixed conjunction assembled once at registration
// time, not a script evaluated per event.
func CompiledExpr(terms ...Filter) Filter {
	fms := make([]fieldMatchFilter, 0, len(terms))
	for _, t := range terms {
		if fm, ok := t.(fieldMatchFilter); ok {
			fms = append(fms, fm)
		}
	}
	return compiledExprFilter{terms: fms}
}

func (f compiledExprFilter) Evaluate(ev types.CacheEvent) bool {
	for _, t := range f.terms {
		if !t.Evaluate(ev) {
			return false
		}
	}
	return true
}
func (f compiledExprFilter) Kind() string { return KindCompiledExpr }
func (f compiledExprFilter) Args() []byte {
	var buf []byte
	for _, t := range f.terms {
		args := t.Args()
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(args)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, args...)
	}
	return buf
}

func decodeCompiledExprArgs(args []byte) []fieldMatchFilter {
	var terms []fieldMatchFilter
	off := 0
	for off < len(args) {
		n := binary.BigEndian.Uint32(args[off : off+4])
		off += 4
		offset, want := decodeFieldMatchArgs(args[off : off+int(n)])
		terms = append(terms, fieldMatchFilter{offset: offset, want: want})
		off += int(n)
	}
	return terms
}

// namedFuncs is the escape hatch: functions pre-deployed on every node
// by name (spec §9 Design Notes peer class loading option (a)) rather
// than code loaded dynamically off the wire.
var (
	namedFuncsMu sync.RWMutex
	namedFuncs   = make(map[string]func(types.CacheEvent) bool)
)

// RegisterNamedFunc installs fn under name on this node, making it
// resolvable by NamedFunc filters decoded from a peer's registration.
func RegisterNamedFunc(name string, fn func(types.CacheEvent) bool) {
	namedFuncsMu.Lock()
	defer namedFuncsMu.Unlock()
	namedFuncs[name] = fn
}

type namedFuncFilter struct{ name string }

// NamedFunc references a function registered via RegisterNamedFunc.
func NamedFunc(name string) Filter { return namedFuncFilter{name: name} }

func (f namedFuncFilter) Evaluate(ev types.CacheEvent) bool {
	namedFuncsMu.RLock()
	fn, ok := namedFuncs[f.name]
	namedFuncsMu.RUnlock()
	if !ok {
		return false
	}
	return fn(ev)
}
func (f namedFuncFilter) Kind() string { return KindNamedFunc }
func (f namedFuncFilter) Args() []byte { return []byte(f.name) }

// DecodeFilter reconstructs a Filter from a received
// ContinuousQueryRegister's FilterKind/FilterArgs — the receive-side
// counterpart to each constructor above's Kind()/Args(). An
// unrecognized kind (e.g. from a newer peer) degrades to AlwaysTrue
// rather than dropping the registration outright.
func DecodeFilter(kind string, args []byte) Filter {
	switch kind {
	case KindAlwaysTrue:
		return AlwaysTrue()
	case KindKeyPrefix:
		return KeyPrefix(args)
	case KindAnyOf:
		return anyOfFilter{keys: decodeAnyOfArgs(args)}
	case KindFieldMatch:
		offset, want := decodeFieldMatchArgs(args)
		return FieldMatch(offset, want)
	case KindCompiledExpr:
		return compiledExprFilter{terms: decodeCompiledExprArgs(args)}
	case KindNamedFunc:
		return NamedFunc(string(args))
	default:
		return AlwaysTrue()
	}
}
