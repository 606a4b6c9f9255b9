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

package sd

import (
	"sync"
	"time"

	"github.com/pafd/pafd/internal/props"
	"github.com/pafd/pafd/internal/resource"
	"github.com/pafd/pafd/internal/timer"
	"github.com/pafd/pafd/internal/xerrors"
)

// Engine is the service-discovery entity graph. A single mutex
// serializes every mutating operation including subscription fan-out,
// the Go analogue of the original single-threaded event loop's
// "atomicity of commits" guarantee (spec.md §5): a service commit and
// the notifications it produces are never interleaved with another
// commit.
type Engine struct {
	mu sync.Mutex

	clients       map[uint64]*client
	conns         map[uint64]*connEntry
	services      map[uint64]*service
	subscriptions map[uint64]*subscription

	accountant *resource.Accountant
	timers     *timer.Wheel
}

func New(accountant *resource.Accountant, timers *timer.Wheel) *Engine {
	return &Engine{
		clients:       make(map[uint64]*client),
		conns:         make(map[uint64]*connEntry),
		services:      make(map[uint64]*service),
		subscriptions: make(map[uint64]*subscription),
		accountant:    accountant,
		timers:        timers,
	}
}

// ClientConnect implements spec.md §4.7's client_connect: it creates a
// Client on first handshake or reactivates an inactive one.
// existingConnID is set (and err carries xerrors.ReasonClientIDExists)
// when another connection is already active for clientID, so the
// caller can probe it for protocol version 3 per §4.7.
func (e *Engine) ClientConnect(connID, clientID uint64, userID string) (existingConnID uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cl, exists := e.clients[clientID]
	if !exists {
		if aerr := e.accountant.Allocate(userID, resource.ClassClient); aerr != nil {
			return 0, aerr
		}
		cl = &client{id: clientID, userID: userID, inactiveConns: make(map[uint64]struct{})}
		e.clients[clientID] = cl
	} else {
		if cl.activeConn != 0 {
			return cl.activeConn, xerrors.Transaction(xerrors.ReasonClientIDExists,
				"client %#x already has an active connection", clientID)
		}
		if cl.userID != userID {
			return 0, xerrors.Transaction(xerrors.ReasonPermissionDenied,
				"client %#x reconnecting under a different user id", clientID)
		}
		if aerr := e.accountant.Allocate(userID, resource.ClassClient); aerr != nil {
			return 0, aerr
		}
		delete(cl.inactiveConns, connID)
	}

	cl.activeConn = connID
	e.conns[connID] = &connEntry{clientID: clientID, userID: userID, active: true}
	return 0, nil
}

// ClientDisconnect implements the orphan lifecycle of spec.md §4.11:
// every subscription the connection owned is removed, every service it
// owns becomes an orphan with a scheduled orphan timer, and its CLIENT
// resource is released. The connection record itself is retained only
// while it still owns at least one orphaned service.
func (e *Engine) ClientDisconnect(connID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.conns[connID]
	if !ok {
		return
	}

	now := time.Now()
	for _, svc := range e.services {
		if svc.ownerConnID != connID || svc.isOrphan() {
			continue
		}
		beforeSvc := *svc
		svc.orphanSince = &now
		svc.timerID, svc.hasTimer = e.scheduleOrphan(svc), true
		e.fanOut(modified, &beforeSvc, svc)
	}

	for id, sub := range e.subscriptions {
		if sub.ownerConnID == connID {
			e.accountant.Deallocate(sub.ownerUserID, resource.ClassSubscription)
			delete(e.subscriptions, id)
		}
	}

	e.accountant.Deallocate(entry.userID, resource.ClassClient)
	entry.active = false

	if cl, ok := e.clients[entry.clientID]; ok && cl.activeConn == connID {
		cl.activeConn = 0
	}

	if e.ownedServiceCount(connID) > 0 {
		if cl, ok := e.clients[entry.clientID]; ok {
			cl.inactiveConns[connID] = struct{}{}
		}
		return
	}
	e.discardConn(connID)
}

// Publish implements spec.md §4.5.
func (e *Engine) Publish(connID, serviceID, generation, ttl uint64, p props.Multiset) (ServiceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.conns[connID]
	if !ok {
		return ServiceInfo{}, xerrors.Internal(nil, "connection %#x not handshaked", connID)
	}

	svc, exists := e.services[serviceID]
	if !exists {
		if err := e.accountant.Allocate(entry.userID, resource.ClassService); err != nil {
			return ServiceInfo{}, err
		}
		svc = &service{
			id:            serviceID,
			generation:    generation,
			props:         props.Clone(p),
			ttl:           ttl,
			ownerConnID:   connID,
			ownerClientID: entry.clientID,
			ownerUserID:   entry.userID,
		}
		e.services[serviceID] = svc
		e.fanOut(added, nil, svc)
		return svc.info(), nil
	}

	if svc.ownerUserID != entry.userID {
		return ServiceInfo{}, xerrors.Transaction(xerrors.ReasonPermissionDenied,
			"service %#x is owned by a different user", serviceID)
	}

	switch {
	case generation == svc.generation:
		if !props.Equal(p, svc.props) || ttl != svc.ttl {
			return ServiceInfo{}, xerrors.Transaction(xerrors.ReasonSameGenerationButDifferent,
				"republish of service %#x at generation %d changes props or ttl", serviceID, generation)
		}
		before := *svc
		changedOwner := svc.ownerConnID != connID
		clearedOrphan := svc.isOrphan()
		if changedOwner {
			svc.ownerConnID = connID
			svc.ownerClientID = entry.clientID
		}
		if clearedOrphan {
			e.cancelOrphan(svc)
		}
		if changedOwner || clearedOrphan {
			e.fanOut(modified, &before, svc)
			if changedOwner {
				e.afterOwnerChange(before.ownerConnID)
			}
		}
		return svc.info(), nil

	case generation > svc.generation:
		before := *svc
		oldOwnerConnID := svc.ownerConnID
		svc.ownerConnID = connID
		svc.ownerClientID = entry.clientID
		svc.generation = generation
		svc.props = props.Clone(p)
		svc.ttl = ttl
		if svc.isOrphan() {
			e.cancelOrphan(svc)
		}
		e.fanOut(modified, &before, svc)
		if oldOwnerConnID != connID {
			e.afterOwnerChange(oldOwnerConnID)
		}
		return svc.info(), nil

	default:
		return ServiceInfo{}, xerrors.Transaction(xerrors.ReasonOldGeneration,
			"republish of service %#x at generation %d is older than current generation %d",
			serviceID, generation, svc.generation)
	}
}

// Unpublish implements spec.md §4.6's unpublish.
func (e *Engine) Unpublish(connID, serviceID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.conns[connID]
	if !ok {
		return xerrors.Internal(nil, "connection %#x not handshaked", connID)
	}
	svc, ok := e.services[serviceID]
	if !ok {
		return xerrors.Transaction(xerrors.ReasonNoSuchService, "no such service %#x", serviceID)
	}
	if svc.ownerUserID != entry.userID {
		return xerrors.Transaction(xerrors.ReasonPermissionDenied,
			"service %#x is owned by a different user", serviceID)
	}

	oldOwnerConnID := svc.ownerConnID
	e.cancelOrphan(svc)
	delete(e.services, serviceID)
	e.fanOut(removed, svc, nil)
	e.accountant.Deallocate(svc.ownerUserID, resource.ClassService)
	if oldOwnerConnID != connID {
		e.afterOwnerChange(oldOwnerConnID)
	} else {
		e.discardConn(connID)
	}
	return nil
}

// Subscribe implements spec.md §4.6's subscribe. The subscription is
// registered but not yet replayed; call ActivateSubscription once the
// ACCEPT frame has been sent, per §4.6's ordering requirement.
func (e *Engine) Subscribe(connID, subID uint64, f Filter, filterString string, cb MatchCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.subscriptions[subID]; exists {
		return xerrors.Transaction(xerrors.ReasonSubscriptionIDExists, "subscription id %#x already in use", subID)
	}
	entry, ok := e.conns[connID]
	if !ok {
		return xerrors.Internal(nil, "connection %#x not handshaked", connID)
	}
	if err := e.accountant.Allocate(entry.userID, resource.ClassSubscription); err != nil {
		return err
	}

	e.subscriptions[subID] = &subscription{
		id:            subID,
		filter:        f,
		filterString:  filterString,
		ownerConnID:   connID,
		ownerClientID: entry.clientID,
		ownerUserID:   entry.userID,
		cb:            cb,
	}
	return nil
}

// ActivateSubscription replays ADDED for every currently published
// service that matches, mirroring sd.py's activate_subscription.
func (e *Engine) ActivateSubscription(subID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subscriptions[subID]
	if !ok {
		return
	}
	for _, svc := range e.services {
		sub.notify(added, nil, svc)
	}
}

// Unsubscribe implements spec.md §4.6's unsubscribe.
func (e *Engine) Unsubscribe(connID, subID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subscriptions[subID]
	if !ok {
		return xerrors.Transaction(xerrors.ReasonNoSuchSubscription, "no such subscription %#x", subID)
	}
	entry, ok := e.conns[connID]
	if !ok || entry.clientID != sub.ownerClientID {
		return xerrors.Transaction(xerrors.ReasonPermissionDenied,
			"subscription %#x is owned by a different client", subID)
	}
	delete(e.subscriptions, subID)
	e.accountant.Deallocate(sub.ownerUserID, resource.ClassSubscription)
	return nil
}

// GetServices returns a snapshot of every published service, used by
// the SERVICES command.
func (e *Engine) GetServices() []ServiceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ServiceInfo, 0, len(e.services))
	for _, svc := range e.services {
		out = append(out, svc.info())
	}
	return out
}

// GetSubscriptions returns a snapshot of every subscription, used by
// the SUBSCRIPTIONS command.
func (e *Engine) GetSubscriptions() []SubscriptionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SubscriptionInfo, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		out = append(out, sub.info())
	}
	return out
}

// MinOwnedTTL returns the smallest TTL, in seconds, across every
// service currently owned by connID, and false if it owns none. Used
// by internal/domain to compute a Connection's effective max-idle
// bound per spec.md §4.9: clamp(min ttl across owned services,
// idle-min, idle-max).
func (e *Engine) MinOwnedTTL(connID uint64) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var min uint64
	found := false
	for _, svc := range e.services {
		if svc.ownerConnID != connID {
			continue
		}
		if !found || svc.ttl < min {
			min = svc.ttl
			found = true
		}
	}
	return min, found
}

// --- internal helpers; all callers already hold e.mu ---

func (e *Engine) fanOut(ct changeType, before, after *service) {
	for _, sub := range e.subscriptions {
		sub.notify(ct, before, after)
	}
}

func (e *Engine) ownedServiceCount(connID uint64) int {
	n := 0
	for _, svc := range e.services {
		if svc.ownerConnID == connID {
			n++
		}
	}
	return n
}

// scheduleOrphan arms the orphan timer for svc at orphan-since + ttl
// (spec.md §3 invariant 6) and returns the timer id.
func (e *Engine) scheduleOrphan(svc *service) uint64 {
	id := e.timers.AddRelative(time.Duration(svc.ttl)*time.Second, func(time.Time) {
		e.expireOrphan(svc.id)
	})
	return uint64(id)
}

func (e *Engine) cancelOrphan(svc *service) {
	if svc.hasTimer {
		e.timers.Remove(timer.ID(svc.timerID))
		svc.hasTimer = false
	}
	svc.orphanSince = nil
}

// expireOrphan is the Timer Wheel callback for an orphan that outlived
// its TTL; it acquires e.mu itself since timer callbacks run outside
// any engine call already holding the lock.
func (e *Engine) expireOrphan(serviceID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	svc, ok := e.services[serviceID]
	if !ok || !svc.isOrphan() {
		return
	}
	ownerConnID := svc.ownerConnID
	delete(e.services, serviceID)
	e.fanOut(removed, svc, nil)
	e.accountant.Deallocate(svc.ownerUserID, resource.ClassService)
	e.discardConn(ownerConnID)
}

// afterOwnerChange re-checks whether a connection that just lost
// ownership of a service is an inactive connection with nothing left
// to retain, and if so discards it (and its client, transitively).
func (e *Engine) afterOwnerChange(connID uint64) {
	entry, ok := e.conns[connID]
	if !ok || entry.active {
		return
	}
	if e.ownedServiceCount(connID) > 0 {
		return
	}
	if cl, ok := e.clients[entry.clientID]; ok {
		delete(cl.inactiveConns, connID)
	}
	e.discardConn(connID)
}

// discardConn removes a connection record once it owns no services
// and is not active, and removes its client if the client has no
// active connection and no inactive connection left retaining
// anything (spec.md §3's Client lifecycle).
func (e *Engine) discardConn(connID uint64) {
	entry, ok := e.conns[connID]
	if !ok || entry.active || e.ownedServiceCount(connID) > 0 {
		return
	}
	delete(e.conns, connID)

	cl, ok := e.clients[entry.clientID]
	if !ok {
		return
	}
	delete(cl.inactiveConns, connID)
	if cl.activeConn == 0 && len(cl.inactiveConns) == 0 {
		delete(e.clients, entry.clientID)
	}
}
