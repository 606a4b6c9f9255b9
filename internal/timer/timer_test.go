package timer

import (
	"testing"
	"time"
)

func TestFireOrder(t *testing.T) {
	w := New()
	base := time.Now()
	var fired []int

	w.Add(base.Add(30*time.Millisecond), func(time.Time) { fired = append(fired, 3) })
	w.Add(base.Add(10*time.Millisecond), func(time.Time) { fired = append(fired, 1) })
	w.Add(base.Add(20*time.Millisecond), func(time.Time) { fired = append(fired, 2) })

	w.Process(base.Add(25 * time.Millisecond))

	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Fatalf("unexpected fire order: %v", fired)
	}
	if w.Len() != 1 {
		t.Fatalf("expected 1 remaining timer, got %d", w.Len())
	}
}

func TestRemove(t *testing.T) {
	w := New()
	var fired bool
	id := w.Add(time.Now().Add(time.Millisecond), func(time.Time) { fired = true })
	w.Remove(id)
	w.Process(time.Now().Add(time.Second))
	if fired {
		t.Fatal("expected removed timer not to fire")
	}
}

func TestAppendFastPath(t *testing.T) {
	w := New()
	base := time.Now()
	for i := 0; i < 1000; i++ {
		w.Add(base.Add(time.Duration(i)*time.Millisecond), func(time.Time) {})
	}
	if w.Len() != 1000 {
		t.Fatalf("expected 1000 timers, got %d", w.Len())
	}
}

func TestNextTimeout(t *testing.T) {
	w := New()
	if _, ok := w.NextTimeout(time.Now()); ok {
		t.Fatal("expected no timeout on empty wheel")
	}
	w.Add(time.Now().Add(5*time.Second), func(time.Time) {})
	d, ok := w.NextTimeout(time.Now())
	if !ok || d <= 0 || d > 5*time.Second {
		t.Fatalf("unexpected timeout %v", d)
	}
}
