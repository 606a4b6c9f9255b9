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

// Package filter implements the parenthesized-Polish-notation filter
// grammar used by SUBSCRIBE and SERVICES: (key=value), (key=*), glob
// substrings with *, integer (key>N)/(key<N), (!X), (&X Y...), (|X Y...).
package filter

import (
	"strconv"
	"strings"

	"github.com/pafd/pafd/internal/props"
	"github.com/pafd/pafd/internal/xerrors"
)

// Props is the multiset of service properties a Filter is matched
// against; each key may map to more than one tagged value.
type Props = props.Multiset

// Filter is the parsed, matchable representation of a filter string.
type Filter interface {
	Match(p Props) bool
	String() string
}

// Parse parses s into a Filter, or returns a protocol/invalid-filter
// error describing the offset at which parsing failed.
func Parse(s string) (Filter, error) {
	st := &parseState{src: s}
	f, err := st.parse()
	if err != nil {
		return nil, err
	}
	if st.pos != len(st.src) {
		return nil, xerrors.Transaction(xerrors.ReasonInvalidFilter, "trailing input at offset %d", st.pos)
	}
	return f, nil
}

type parseState struct {
	src string
	pos int
}

func (s *parseState) eof() bool { return s.pos >= len(s.src) }

func (s *parseState) cur() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

func (s *parseState) expect(c byte) error {
	if s.eof() || s.cur() != c {
		return xerrors.Transaction(xerrors.ReasonInvalidFilter, "expected %q at offset %d", c, s.pos)
	}
	s.pos++
	return nil
}

func isSpecial(c byte) bool {
	switch c {
	case '(', ')', '*', '\\', '&', '|', '=', '>', '<':
		return true
	}
	return false
}

// parseStr consumes a raw string token, honoring backslash escapes of
// the special characters, stopping at an unescaped '(' ')' '=' '>' '<'
// '&' '|'. With stopAtStar set it also stops at an unescaped '*', so
// the caller can split wildcard segments and tell Equal/Present/
// Substring apart; otherwise '*' is kept as part of the token.
func (s *parseState) parseStr(stopAtStar bool) string {
	var b strings.Builder
	for !s.eof() {
		c := s.cur()
		if c == '\\' && s.pos+1 < len(s.src) {
			b.WriteByte(s.src[s.pos+1])
			s.pos += 2
			continue
		}
		if c == '(' || c == ')' || c == '=' || c == '>' || c == '<' || c == '&' || c == '|' {
			break
		}
		if stopAtStar && c == '*' {
			break
		}
		b.WriteByte(c)
		s.pos++
	}
	return b.String()
}

func (s *parseState) parse() (Filter, error) {
	if err := s.expect('('); err != nil {
		return nil, err
	}
	var (
		f   Filter
		err error
	)
	switch s.cur() {
	case '!':
		s.pos++
		f, err = s.parseNot()
	case '&':
		s.pos++
		f, err = s.parseComposite(true)
	case '|':
		s.pos++
		f, err = s.parseComposite(false)
	default:
		f, err = s.parseSimple()
	}
	if err != nil {
		return nil, err
	}
	if err = s.expect(')'); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *parseState) parseNot() (Filter, error) {
	inner, err := s.parse()
	if err != nil {
		return nil, err
	}
	return Not{X: inner}, nil
}

func (s *parseState) parseComposite(and bool) (Filter, error) {
	var ops []Filter
	for !s.eof() && s.cur() == '(' {
		f, err := s.parse()
		if err != nil {
			return nil, err
		}
		ops = append(ops, f)
	}
	if len(ops) < 2 {
		return nil, xerrors.Transaction(xerrors.ReasonInvalidFilter, "composite filter needs at least 2 operands at offset %d", s.pos)
	}
	if and {
		return And{Ops: ops}, nil
	}
	return Or{Ops: ops}, nil
}

func (s *parseState) parseSimple() (Filter, error) {
	key := s.parseStr(false)
	if key == "" {
		return nil, xerrors.Transaction(xerrors.ReasonInvalidFilter, "missing attribute name at offset %d", s.pos)
	}

	switch s.cur() {
	case '=':
		s.pos++
		return s.parseEqual(key)
	case '>':
		s.pos++
		v := s.parseStr(false)
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, xerrors.Transaction(xerrors.ReasonInvalidFilter, "invalid integer %q", v)
		}
		return GreaterThan{Key: key, Value: n}, nil
	case '<':
		s.pos++
		v := s.parseStr(false)
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, xerrors.Transaction(xerrors.ReasonInvalidFilter, "invalid integer %q", v)
		}
		return LessThan{Key: key, Value: n}, nil
	default:
		return nil, xerrors.Transaction(xerrors.ReasonInvalidFilter, "expected comparison operator at offset %d", s.pos)
	}
}

// parseEqual distinguishes Present ((key=*)), Equal ((key=value), no
// wildcard) and Substring ((key=a*b*c)) exactly the way filter.py's
// _parse_equal does: collect segments split on unescaped '*'. Unlike
// _check_value it doesn't reject a zero-length segment between two
// consecutive stars (e.g. "a**b"); Substring's match already collapses
// that to plain substring behavior, so it parses rather than errors.
func (s *parseState) parseEqual(key string) (Filter, error) {
	var segments []string
	segments = append(segments, s.parseStr(true))

	if s.cur() == '*' {
		for s.cur() == '*' {
			s.pos++
			segments = append(segments, s.parseStr(true))
		}
	}

	if len(segments) == 1 {
		return Equal{Key: key, Value: segments[0]}, nil
	}

	if len(segments) == 2 && segments[0] == "" && segments[1] == "" {
		return Present{Key: key}, nil
	}

	return Substring{Key: key, Segments: segments}, nil
}

// Escape escapes every special character in s so it can be embedded in
// a filter string as a literal attribute name or value.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isSpecial(s[i]) {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
