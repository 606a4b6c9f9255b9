package filter

import (
	"testing"

	"github.com/pafd/pafd/internal/props"
)

func mustParse(t *testing.T, s string) Filter {
	t.Helper()
	f, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", s, err)
	}
	return f
}

func strs(vs ...string) []props.Value {
	out := make([]props.Value, len(vs))
	for i, v := range vs {
		out[i] = props.String(v)
	}
	return out
}

func TestEqualMatch(t *testing.T) {
	f := mustParse(t, "(name=foo)")
	if !f.Match(Props{"name": strs("foo")}) {
		t.Error("expected match")
	}
	if f.Match(Props{"name": strs("bar")}) {
		t.Error("expected no match")
	}
}

func TestEqualMatchesStringifiedInt(t *testing.T) {
	f := mustParse(t, "(count=6)")
	if !f.Match(Props{"count": {props.Int(6)}}) {
		t.Error("expected int value 6 to match string literal \"6\"")
	}
}

func TestPresent(t *testing.T) {
	f := mustParse(t, "(name=*)")
	if !f.Match(Props{"name": strs("")}) {
		t.Error("expected present match on empty value")
	}
	if f.Match(Props{}) {
		t.Error("expected no match when key absent")
	}
}

func TestSubstring(t *testing.T) {
	f := mustParse(t, "(name=a*b*c)")
	cases := map[string]bool{
		"axxbyyc": true,
		"abc":     true,
		"ab":      false,
		"xabc":    false,
		"abcx":    false,
	}
	for v, want := range cases {
		if got := f.Match(Props{"name": strs(v)}); got != want {
			t.Errorf("match(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestComparisons(t *testing.T) {
	gt := mustParse(t, "(count>5)")
	if !gt.Match(Props{"count": {props.Int(6)}}) {
		t.Error("expected 6 > 5")
	}
	if gt.Match(Props{"count": {props.Int(5)}}) {
		t.Error("expected 5 not > 5")
	}
	if gt.Match(Props{"count": strs("6")}) {
		t.Error("a string value must never satisfy a numeric comparison")
	}

	lt := mustParse(t, "(count<5)")
	if !lt.Match(Props{"count": {props.Int(4)}}) {
		t.Error("expected 4 < 5")
	}
}

func TestNotAndOr(t *testing.T) {
	f := mustParse(t, "(&(name=foo)(!(count>5)))")
	if !f.Match(Props{"name": strs("foo"), "count": {props.Int(1)}}) {
		t.Error("expected match")
	}
	if f.Match(Props{"name": strs("foo"), "count": {props.Int(6)}}) {
		t.Error("expected no match: count > 5")
	}

	or := mustParse(t, "(|(name=foo)(name=bar))")
	if !or.Match(Props{"name": strs("bar")}) {
		t.Error("expected or match")
	}
}

func TestCompositeRequiresTwoOperands(t *testing.T) {
	if _, err := Parse("(&(name=foo))"); err == nil {
		t.Error("expected error for single-operand AND")
	}
}

func TestEscape(t *testing.T) {
	f := mustParse(t, `(name=a\*b)`)
	if !f.Match(Props{"name": strs("a*b")}) {
		t.Error("expected escaped literal star to match literal value")
	}
}

func TestInvalidFilter(t *testing.T) {
	if _, err := Parse("(name="); err == nil {
		t.Error("expected error for truncated filter")
	}
	if _, err := Parse("name=foo"); err == nil {
		t.Error("expected error for missing parens")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{
		"(name=foo)", "(name=*)", "(name=a*b*c)", "(count>5)", "(count<5)",
		"(!(name=foo))", "(&(name=foo)(count>1))", "(|(name=foo)(name=bar))",
	} {
		f := mustParse(t, s)
		f2 := mustParse(t, f.String())
		if f.String() != f2.String() {
			t.Errorf("round trip mismatch: %s -> %s -> %s", s, f.String(), f2.String())
		}
	}
}
