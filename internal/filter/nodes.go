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

package filter

import (
	"fmt"
	"strings"

	"github.com/pafd/pafd/internal/props"
)

// Equal matches (key=value): per filter.py's Equal.compare, a string
// value must equal Value exactly; an integer value matches if its
// decimal rendering equals Value. A filter literal is always a bare
// string, so this is the one comparison that crosses the type tag.
type Equal struct {
	Key   string
	Value string
}

func (f Equal) Match(p Props) bool {
	for _, v := range p[f.Key] {
		if v.Kind == props.KindInt {
			if fmt.Sprintf("%d", v.Int) == f.Value {
				return true
			}
			continue
		}
		if v.Str == f.Value {
			return true
		}
	}
	return false
}

func (f Equal) String() string {
	return fmt.Sprintf("(%s=%s)", Escape(f.Key), Escape(f.Value))
}

// Present matches when key has at least one value, regardless of its
// content or type: (key=*).
type Present struct {
	Key string
}

func (f Present) Match(p Props) bool {
	return len(p[f.Key]) > 0
}

func (f Present) String() string { return fmt.Sprintf("(%s=*)", Escape(f.Key)) }

// Substring matches (key=a*b*c)-style patterns against string-typed
// values only; Segments[0] must be a prefix, Segments[len-1] a suffix
// (empty meaning unanchored), and the segments between must occur in
// order somewhere in between.
type Substring struct {
	Key      string
	Segments []string
}

func (f Substring) Match(p Props) bool {
	for _, v := range p[f.Key] {
		if v.Kind != props.KindString {
			continue
		}
		if substringMatch(v.Str, f.Segments) {
			return true
		}
	}
	return false
}

func substringMatch(v string, segs []string) bool {
	if len(segs) == 0 {
		return true
	}
	rest := v
	if first := segs[0]; first != "" {
		if !strings.HasPrefix(rest, first) {
			return false
		}
		rest = rest[len(first):]
	}
	mid := segs[1 : len(segs)-1]
	for _, m := range mid {
		if m == "" {
			continue
		}
		idx := strings.Index(rest, m)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(m):]
	}
	if last := segs[len(segs)-1]; last != "" {
		return strings.HasSuffix(rest, last)
	}
	return true
}

func (f Substring) String() string {
	parts := make([]string, len(f.Segments))
	for i, s := range f.Segments {
		parts[i] = Escape(s)
	}
	return fmt.Sprintf("(%s=%s)", Escape(f.Key), strings.Join(parts, "*"))
}

// GreaterThan matches when at least one of key's values is an integer
// strictly greater than Value. Per filter.py's GreaterThan.compare, a
// string-typed value never matches, however numeric it looks.
type GreaterThan struct {
	Key   string
	Value int64
}

func (f GreaterThan) Match(p Props) bool {
	for _, v := range p[f.Key] {
		if v.Kind == props.KindInt && v.Int > f.Value {
			return true
		}
	}
	return false
}

func (f GreaterThan) String() string { return fmt.Sprintf("(%s>%d)", Escape(f.Key), f.Value) }

// LessThan matches when at least one of key's values is an integer
// strictly less than Value.
type LessThan struct {
	Key   string
	Value int64
}

func (f LessThan) Match(p Props) bool {
	for _, v := range p[f.Key] {
		if v.Kind == props.KindInt && v.Int < f.Value {
			return true
		}
	}
	return false
}

func (f LessThan) String() string { return fmt.Sprintf("(%s<%d)", Escape(f.Key), f.Value) }

// Not negates X.
type Not struct{ X Filter }

func (f Not) Match(p Props) bool { return !f.X.Match(p) }
func (f Not) String() string     { return fmt.Sprintf("(!%s)", f.X.String()) }

// And requires every operand to match. Parsed filters always carry at
// least 2 operands; the parser rejects fewer.
type And struct{ Ops []Filter }

func (f And) Match(p Props) bool {
	for _, op := range f.Ops {
		if !op.Match(p) {
			return false
		}
	}
	return true
}

func (f And) String() string { return compositeString('&', f.Ops) }

// Or requires at least one operand to match.
type Or struct{ Ops []Filter }

func (f Or) Match(p Props) bool {
	for _, op := range f.Ops {
		if op.Match(p) {
			return true
		}
	}
	return false
}

func (f Or) String() string { return compositeString('|', f.Ops) }

func compositeString(op byte, ops []Filter) string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteByte(op)
	for _, o := range ops {
		b.WriteString(o.String())
	}
	b.WriteByte(')')
	return b.String()
}
