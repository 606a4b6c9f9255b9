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

// Package sd implements the service-discovery entity graph: Clients,
// Services and Subscriptions, and the publish/unpublish/subscribe/
// fan-out/orphan logic that operates on them. Grounded on sd.py's
// ServiceDiscovery/Service/Subscription classes and server.py's
// client-facing wrappers (owner checks, generation rules, resource
// accounting), generalized to spec.md §3-4.6 and §4.11.
//
// Connections are referred to only by an opaque connection id assigned
// by the caller (internal/domain), never by pointer: this keeps the
// entity graph acyclic per spec.md §9's design note, and lets a
// Connection be looked up by id rather than held as a back-reference.
package sd

import (
	"time"

	"github.com/pafd/pafd/internal/props"
)

// MatchType is the kind of subscription event delivered to a client,
// mirroring sd.py's MatchType enum.
type MatchType uint8

const (
	Appeared MatchType = iota
	Modified
	Disappeared
)

func (m MatchType) String() string {
	switch m {
	case Appeared:
		return "appeared"
	case Modified:
		return "modified"
	case Disappeared:
		return "disappeared"
	default:
		return "unknown"
	}
}

// changeType classifies a service commit internally; unlike MatchType
// it is never put on the wire (sd.py's ChangeType).
type changeType uint8

const (
	added changeType = iota
	modified
	removed
)

// ServiceInfo is an immutable snapshot of a Service's state, handed to
// callers so that listings and notifications never race with the
// engine's own in-place mutation of the live entity.
type ServiceInfo struct {
	ID            uint64
	Generation    uint64
	Props         props.Multiset
	TTL           uint64
	OwnerClientID uint64
	OrphanSince   *time.Time
}

// SubscriptionInfo is an immutable snapshot of a Subscription.
type SubscriptionInfo struct {
	ID            uint64
	OwnerClientID uint64
	FilterString  string
	HasFilter     bool
}

// MatchCallback is invoked once per matching change for a
// Subscription; svc is the "after" state except on Disappeared, where
// it is the last known ("before") state, mirroring server.py's
// subscription_triggered semantics for the client_id/service_id it
// reports on a disappearance.
type MatchCallback func(subID uint64, mt MatchType, svc ServiceInfo)

// service is the engine's live, mutable record.
type service struct {
	id            uint64
	generation    uint64
	props         props.Multiset
	ttl           uint64
	ownerConnID   uint64
	ownerClientID uint64
	ownerUserID   string
	orphanSince   *time.Time
	timerID       uint64
	hasTimer      bool
}

func (s *service) info() ServiceInfo {
	return ServiceInfo{
		ID:            s.id,
		Generation:    s.generation,
		Props:         props.Clone(s.props),
		TTL:           s.ttl,
		OwnerClientID: s.ownerClientID,
		OrphanSince:   s.orphanSince,
	}
}

func (s *service) isOrphan() bool { return s.orphanSince != nil }

// subscription is the engine's live record of one subscription.
type subscription struct {
	id            uint64
	filter        Filter
	filterString  string
	ownerConnID   uint64
	ownerClientID uint64
	ownerUserID   string
	cb            MatchCallback
}

func (s *subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:            s.id,
		OwnerClientID: s.ownerClientID,
		FilterString:  s.filterString,
		HasFilter:     s.filter != nil,
	}
}

func (s *subscription) matches(svc *service) bool {
	if s.filter == nil {
		return true
	}
	return s.filter.Match(svc.props)
}

// notify applies the transition table in spec.md §4.6 to one service
// commit and invokes cb at most once, mirroring sd.py's
// Subscription.notify.
func (s *subscription) notify(ct changeType, before, after *service) {
	switch ct {
	case added:
		if s.matches(after) {
			s.cb(s.id, Appeared, after.info())
		}
	case modified:
		beforeMatch, afterMatch := s.matches(before), s.matches(after)
		switch {
		case beforeMatch && afterMatch:
			s.cb(s.id, Modified, after.info())
		case !beforeMatch && afterMatch:
			s.cb(s.id, Appeared, after.info())
		case beforeMatch && !afterMatch:
			s.cb(s.id, Disappeared, before.info())
		}
	case removed:
		if s.matches(before) {
			s.cb(s.id, Disappeared, before.info())
		}
	}
}

// Filter is the minimal interface the engine needs from a parsed
// filter expression; internal/filter.Filter satisfies it.
type Filter interface {
	Match(p props.Multiset) bool
}

// client tracks one client-id's active/inactive connection set, per
// spec.md §3's Client entity.
type client struct {
	id            uint64
	userID        string
	activeConn    uint64 // 0 means no active connection
	inactiveConns map[uint64]struct{}
}

// connEntry is the engine's record of one connection id: which client
// it belongs to and whether it is currently the client's active
// connection. The real Connection object lives in internal/domain and
// is never referenced here.
type connEntry struct {
	clientID uint64
	userID   string
	active   bool
}
