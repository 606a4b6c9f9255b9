/*
MIT License

Copyright (c) 2024 pafd authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package props implements the service-property multiset: a
// string-keyed map where each key carries a set of tagged values, each
// either a UTF-8 string or a signed 63-bit integer. Grounded on
// props.py's check_value/to_str, which the original keeps deliberately
// thin; the type tag matters here because filter (key>N)/(key<N)
// comparisons must never match a string value, and vice versa.
package props

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags a Value as carrying a string or an integer.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
)

// Value is one tagged element of a property's multiset.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Int(n int64) Value     { return Value{Kind: KindInt, Int: n} }

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindInt {
		return v.Int == o.Int
	}
	return v.Str == o.Str
}

// String renders a Value the way to_str() in props.py does: quoted
// strings, bare integers.
func (v Value) String() string {
	if v.Kind == KindInt {
		return fmt.Sprintf("%d", v.Int)
	}
	return fmt.Sprintf("%q", v.Str)
}

// Multiset maps a property key to its set of values; duplicate values
// for the same key collapse, matching the "multiset" semantics spec.md
// §3 requires and props.py's use of a Python set for storage.
type Multiset map[string][]Value

// Add inserts value under key if it is not already present.
func (m Multiset) Add(key string, value Value) {
	for _, v := range m[key] {
		if v.Equal(value) {
			return
		}
	}
	m[key] = append(m[key], value)
}

// Equal reports whether two Multisets carry the same keys and, for
// each key, the same set of values irrespective of order.
func Equal(a, b Multiset) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for _, v := range av {
			found := false
			for _, o := range bv {
				if v.Equal(o) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy, used by the SD engine to snapshot a
// service's previous generation before committing a new one (sd.py's
// Service.prepare() does the equivalent deepcopy).
func Clone(m Multiset) Multiset {
	out := make(Multiset, len(m))
	for k, vs := range m {
		cp := make([]Value, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// ToString renders a Multiset the way props.py's to_str() does, used
// in debug/info log lines.
func ToString(m Multiset) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var kvs []string
	for _, k := range keys {
		for _, v := range m[k] {
			kvs = append(kvs, fmt.Sprintf("%q: %s", k, v.String()))
		}
	}
	return "{" + strings.Join(kvs, ", ") + "}"
}
