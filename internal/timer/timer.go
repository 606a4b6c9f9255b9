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

// Package timer implements the daemon's timer wheel: a sorted-slice
// priority queue of expiration deadlines, kept sorted by insertion
// rather than re-sorted on every change. Because orphan and idle
// deadlines are almost always scheduled in non-decreasing order
// relative to already-pending timers (a fresh TTL is always "now plus
// something"), appending past the last element is the hot path and
// stays O(1); only out-of-order insertion pays for a binary search.
package timer

import (
	"sort"
	"sync"
	"time"
)

// Handler is invoked when a Timer fires, receiving the wall-clock time
// it fired at.
type Handler func(now time.Time)

// ID identifies a scheduled timer for Remove.
type ID uint64

type entry struct {
	id     ID
	expiry time.Time
	fn     Handler
}

// Wheel is a concurrency-safe collection of pending deadlines.
type Wheel struct {
	mu      sync.Mutex
	entries []entry
	nextID  ID
}

func New() *Wheel {
	return &Wheel{}
}

// Add schedules fn to run at expiry and returns an ID usable with
// Remove. Matches timer.py's add(handler, expiration_time).
func (w *Wheel) Add(expiry time.Time, fn Handler) ID {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	e := entry{id: id, expiry: expiry, fn: fn}

	n := len(w.entries)
	if n == 0 || !expiry.Before(w.entries[n-1].expiry) {
		// Fast path: appending past the current last deadline, the
		// overwhelmingly common case for monotonically issued TTL and
		// idle deadlines.
		w.entries = append(w.entries, e)
		return id
	}

	idx := sort.Search(n, func(i int) bool {
		return w.entries[i].expiry.After(expiry)
	})
	w.entries = append(w.entries, entry{})
	copy(w.entries[idx+1:], w.entries[idx:])
	w.entries[idx] = e
	return id
}

// AddRelative schedules fn to run after d elapses from now.
func (w *Wheel) AddRelative(d time.Duration, fn Handler) ID {
	return w.Add(time.Now().Add(d), fn)
}

// Remove cancels a pending timer. No-op if id is unknown or already
// fired. Linear scan, matching timer.py's own remove(); entries carry
// no index back to their slot.
func (w *Wheel) Remove(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, e := range w.entries {
		if e.id == id {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

// NextTimeout returns the duration until the earliest pending timer,
// and false if none are scheduled. Used by the event loop to compute
// its poll timeout.
func (w *Wheel) NextTimeout(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) == 0 {
		return 0, false
	}
	d := w.entries[0].expiry.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Process fires every timer whose deadline is at or before now, in
// deadline order, and removes them from the wheel.
func (w *Wheel) Process(now time.Time) {
	var due []entry

	w.mu.Lock()
	i := 0
	for i < len(w.entries) && !w.entries[i].expiry.After(now) {
		i++
	}
	if i > 0 {
		due = append(due, w.entries[:i]...)
		w.entries = w.entries[i:]
	}
	w.mu.Unlock()

	for _, e := range due {
		e.fn(now)
	}
}

// Len reports the number of pending timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Run drives the wheel until stop is closed: it sleeps until the
// earliest pending deadline (or a one-second idle poll when the wheel
// is empty, so a timer scheduled concurrently from another goroutine
// is never missed by more than that), fires everything due, and
// repeats. This is the Go analogue of the original daemon's single
// select()-driven event loop (spec.md §4.2): every orphan and idle
// deadline across every domain is serviced by one goroutine.
func (w *Wheel) Run(stop <-chan struct{}) {
	const idlePoll = time.Second

	t := time.NewTimer(idlePoll)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			w.Process(now)
		}

		d, ok := w.NextTimeout(time.Now())
		if !ok || d > idlePoll {
			d = idlePoll
		}
		t.Reset(d)
	}
}
