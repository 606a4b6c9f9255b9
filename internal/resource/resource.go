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

// Package resource implements the per-user and global caps on the
// number of live Clients, Services, and Subscriptions a domain allows,
// matching conf.py's ResourcesConf (a "user" class limit applied per
// user-id, plus a "total" class limit applied across the whole domain).
package resource

import (
	"sync"

	"github.com/pafd/pafd/internal/xerrors"
)

// Class identifies which resource kind is being accounted for.
type Class uint8

const (
	ClassClient Class = iota
	ClassService
	ClassSubscription
	numClasses
)

// Limits is an optional per-class cap. A zero value means "no limit".
type Limits struct {
	Client       uint64
	Service      uint64
	Subscription uint64
}

func (l Limits) get(c Class) uint64 {
	switch c {
	case ClassClient:
		return l.Client
	case ClassService:
		return l.Service
	case ClassSubscription:
		return l.Subscription
	default:
		return 0
	}
}

// HasLimits reports whether any class carries a nonzero cap, mirroring
// conf.py's ResourcesClassConf.has_limits().
func (l Limits) HasLimits() bool {
	return l.Client > 0 || l.Service > 0 || l.Subscription > 0
}

// perUser tracks one user-id's consumption across the three classes.
type perUser struct {
	mu     sync.Mutex
	counts [numClasses]uint64
}

// Accountant enforces Limits.User (scoped per user-id) and
// Limits.Total (scoped across the whole domain) simultaneously; an
// allocation is admitted only if it fits under both.
type Accountant struct {
	user  Limits
	total Limits

	mu        sync.Mutex
	perUserM  map[string]*perUser
	totalCnt  [numClasses]uint64
}

func New(user, total Limits) *Accountant {
	return &Accountant{
		user:     user,
		total:    total,
		perUserM: make(map[string]*perUser),
	}
}

func (a *Accountant) userState(userID string) *perUser {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.perUserM[userID]
	if !ok {
		u = &perUser{}
		a.perUserM[userID] = u
	}
	return u
}

// Allocate attempts to reserve one unit of class c for userID. It
// returns an insufficient-resources transaction error if either the
// per-user or the global cap for c would be exceeded.
func (a *Accountant) Allocate(userID string, c Class) error {
	u := a.userState(userID)

	u.mu.Lock()
	defer u.mu.Unlock()

	if lim := a.user.get(c); lim > 0 && u.counts[c] >= lim {
		return xerrors.Transaction(xerrors.ReasonInsufficientResources,
			"user %q: %s limit (%d) reached", userID, className(c), lim)
	}

	a.mu.Lock()
	if lim := a.total.get(c); lim > 0 && a.totalCnt[c] >= lim {
		a.mu.Unlock()
		return xerrors.Transaction(xerrors.ReasonInsufficientResources,
			"domain: %s limit (%d) reached", className(c), lim)
	}
	a.totalCnt[c]++
	a.mu.Unlock()

	u.counts[c]++
	return nil
}

// Deallocate releases one unit of class c previously allocated to
// userID. It is a no-op (never negative) if more units are freed than
// were allocated, which should not happen but must not corrupt the
// accountant's state if it does.
func (a *Accountant) Deallocate(userID string, c Class) {
	u := a.userState(userID)

	u.mu.Lock()
	if u.counts[c] > 0 {
		u.counts[c]--
	}
	u.mu.Unlock()

	a.mu.Lock()
	if a.totalCnt[c] > 0 {
		a.totalCnt[c]--
	}
	a.mu.Unlock()
}

// Transfer moves one unit of class c from one user to another.
// Per spec.md §4.4 it deallocates from fromUser first and only then
// allocates to toUser, restoring the original allocation on failure:
// allocating first would transiently double-count the unit and could
// spuriously trip the global cap even though the domain-wide total
// does not actually change across a same-kind ownership transfer.
func (a *Accountant) Transfer(c Class, fromUser, toUser string) error {
	if fromUser == toUser {
		return nil
	}
	a.Deallocate(fromUser, c)
	if err := a.Allocate(toUser, c); err != nil {
		a.mustReallocate(fromUser, c)
		return err
	}
	return nil
}

// mustReallocate restores a unit to fromUser after a failed Transfer.
// It bypasses cap checks because the unit was just deallocated from
// this same user and so is guaranteed to fit.
func (a *Accountant) mustReallocate(userID string, c Class) {
	u := a.userState(userID)
	u.mu.Lock()
	u.counts[c]++
	u.mu.Unlock()

	a.mu.Lock()
	a.totalCnt[c]++
	a.mu.Unlock()
}

func className(c Class) string {
	switch c {
	case ClassClient:
		return "client"
	case ClassService:
		return "service"
	case ClassSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}
