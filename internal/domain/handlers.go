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

package domain

import (
	"time"

	"github.com/pafd/pafd/internal/filter"
	"github.com/pafd/pafd/internal/metrics"
	"github.com/pafd/pafd/internal/proto"
	"github.com/pafd/pafd/internal/sd"
	"github.com/pafd/pafd/internal/xerrors"
)

// handlerFunc handles one request-shaped frame for its command. Per
// spec.md §9's design note, dispatch is an explicit table keyed by
// command rather than constructing a method name from the wire
// string, which server.py's invoke_handler does via getattr.
type handlerFunc func(c *Connection, taID uint64, msg proto.Message)

var commandTable = map[proto.Cmd]handlerFunc{
	proto.CmdHello:         handleHello,
	proto.CmdPublish:       handlePublish,
	proto.CmdUnpublish:     handleUnpublish,
	proto.CmdSubscribe:     handleSubscribe,
	proto.CmdUnsubscribe:   handleUnsubscribe,
	proto.CmdSubscriptions: handleSubscriptions,
	proto.CmdServices:      handleServices,
	proto.CmdClients:       handleClients,
	proto.CmdPing:          handlePing,
	proto.CmdTrack:         handleTrack,
}

// handleHello implements spec.md §4.7. Duplicate HELLO on an
// already-handshaked Connection succeeds idempotently provided the
// client-id matches.
func handleHello(c *Connection, taID uint64, msg proto.Message) {
	clientID, err := msg.PullUint(proto.FieldClientID)
	if err != nil {
		replyErr(c, proto.CmdHello, taID, err)
		return
	}
	clientMin, err := msg.PullUint(proto.FieldProtoMinVersion)
	if err != nil {
		replyErr(c, proto.CmdHello, taID, err)
		return
	}
	clientMax, err := msg.PullUint(proto.FieldProtoMaxVersion)
	if err != nil {
		replyErr(c, proto.CmdHello, taID, err)
		return
	}

	c.mu.Lock()
	if c.hasClientID {
		if c.clientID != clientID {
			c.mu.Unlock()
			c.enqueue(failMsg(proto.CmdHello, taID, xerrors.ReasonPermissionDenied))
			return
		}
		if c.handshaked {
			version := c.protoVersion
			c.mu.Unlock()
			m := proto.New(proto.CmdHello, taID, proto.MsgComplete)
			m.Put(proto.FieldProtoVersion, version)
			c.enqueue(m)
			return
		}
	}
	c.hasClientID = true
	c.clientID = clientID
	c.mu.Unlock()

	version, err := negotiateVersion(c, int(clientMin), int(clientMax))
	if err != nil {
		c.enqueue(failMsg(proto.CmdHello, taID, xerrors.ReasonUnsupportedProtocol))
		return
	}

	userID := determineUserID(c.raw)
	existing, err := c.engine.ClientConnect(c.id, clientID, userID)
	if err != nil {
		if xe, ok := err.(*xerrors.Error); ok && xe.WireReason() == string(xerrors.ReasonClientIDExists) && version >= 3 {
			probeLiveness(c, existing)
		}
		replyErr(c, proto.CmdHello, taID, err)
		return
	}

	c.mu.Lock()
	c.handshaked = true
	c.protoVersion = version
	c.userID = userID
	c.timers.Remove(c.handshakeTmr)
	c.armWarningTimerLocked()
	c.mu.Unlock()

	// Protocol v2 has no TRACK transaction, so TCP keep-alive is the
	// sole liveness signal and is left (or turned) on; v3 disables it
	// because TRACK supersedes it, per spec.md §4.9.
	setTCPKeepAlive(c.raw, version < 3)

	m := proto.New(proto.CmdHello, taID, proto.MsgComplete)
	m.Put(proto.FieldProtoVersion, version)
	c.enqueue(m)
}

// probeLiveness sends a TRACK query to an existing connection believed
// to be stale, per spec.md §4.7's v3 reconnect-race mitigation.
func probeLiveness(c *Connection, existingConnID uint64) {
	other := c.registry.lookup(existingConnID)
	if other == nil {
		return
	}
	other.onWarningFire()
}

func negotiateVersion(c *Connection, clientMin, clientMax int) (int, error) {
	return proto.Negotiate(
		proto.VersionRange{Min: clientMin, Max: clientMax},
		c.protoRange,
	)
}

func handlePublish(c *Connection, taID uint64, msg proto.Message) {
	serviceID, err := msg.PullUint(proto.FieldServiceID)
	if err != nil {
		replyErr(c, proto.CmdPublish, taID, err)
		return
	}
	generation, err := msg.PullUint(proto.FieldGeneration)
	if err != nil {
		replyErr(c, proto.CmdPublish, taID, err)
		return
	}
	ttl, err := msg.PullUint(proto.FieldTTL)
	if err != nil {
		replyErr(c, proto.CmdPublish, taID, err)
		return
	}
	p, err := msg.PullProps(proto.FieldServiceProps)
	if err != nil {
		replyErr(c, proto.CmdPublish, taID, err)
		return
	}

	if _, err := c.engine.Publish(c.id, serviceID, generation, ttl, p); err != nil {
		replyErr(c, proto.CmdPublish, taID, err)
		return
	}
	c.recomputeMaxIdle()
	c.enqueue(proto.New(proto.CmdPublish, taID, proto.MsgComplete))
}

func handleUnpublish(c *Connection, taID uint64, msg proto.Message) {
	serviceID, err := msg.PullUint(proto.FieldServiceID)
	if err != nil {
		replyErr(c, proto.CmdUnpublish, taID, err)
		return
	}
	if err := c.engine.Unpublish(c.id, serviceID); err != nil {
		replyErr(c, proto.CmdUnpublish, taID, err)
		return
	}
	c.recomputeMaxIdle()
	c.enqueue(proto.New(proto.CmdUnpublish, taID, proto.MsgComplete))
}

// handleSubscribe implements the SUBSCRIBE multi-response shape:
// ACCEPT precedes the replay of existing matching services (spec.md
// §4.6/§4.8).
func handleSubscribe(c *Connection, taID uint64, msg proto.Message) {
	filterStr, err := msg.PullOptString(proto.FieldFilter)
	if err != nil {
		replyErr(c, proto.CmdSubscribe, taID, err)
		return
	}
	subID, err := msg.PullUint(proto.FieldSubscriptionID)
	if err != nil {
		replyErr(c, proto.CmdSubscribe, taID, err)
		return
	}

	var f sd.Filter
	if filterStr != "" {
		parsed, err := filter.Parse(filterStr)
		if err != nil {
			replyErr(c, proto.CmdSubscribe, taID, err)
			return
		}
		f = parsed
	}

	cb := func(sid uint64, mt sd.MatchType, info sd.ServiceInfo) {
		c.notifySubscription(taID, mt, info)
	}

	if err := c.engine.Subscribe(c.id, subID, f, filterStr, cb); err != nil {
		replyErr(c, proto.CmdSubscribe, taID, err)
		return
	}

	c.mu.Lock()
	c.txs[taID] = &transaction{cmd: proto.CmdSubscribe, shape: proto.MultiResponse, state: txAccepted, subID: subID}
	c.mu.Unlock()

	c.enqueue(proto.New(proto.CmdSubscribe, taID, proto.MsgAccept))
	c.engine.ActivateSubscription(subID)
}

func (c *Connection) notifySubscription(taID uint64, mt sd.MatchType, info sd.ServiceInfo) {
	m := proto.New(proto.CmdSubscribe, taID, proto.MsgNotify)
	m.Put(proto.FieldMatchType, mt.String())
	m.Put(proto.FieldServiceID, info.ID)
	if mt != sd.Disappeared {
		m.Put(proto.FieldGeneration, info.Generation)
		m.PutProps(proto.FieldServiceProps, info.Props)
		m.Put(proto.FieldTTL, info.TTL)
		m.Put(proto.FieldClientID, info.OwnerClientID)
		if info.OrphanSince != nil {
			m.Put(proto.FieldOrphanSince, info.OrphanSince.Unix())
		}
	}
	c.enqueue(m)
	metrics.MatchDelivered(c.domainName)
}

// handleUnsubscribe completes the subscription's own MULTI_RESPONSE
// transaction first, then completes the unsubscribe transaction
// itself, per spec.md §4.8.
func handleUnsubscribe(c *Connection, taID uint64, msg proto.Message) {
	subID, err := msg.PullUint(proto.FieldSubscriptionID)
	if err != nil {
		replyErr(c, proto.CmdUnsubscribe, taID, err)
		return
	}
	if err := c.engine.Unsubscribe(c.id, subID); err != nil {
		replyErr(c, proto.CmdUnsubscribe, taID, err)
		return
	}

	c.mu.Lock()
	var subTaID uint64
	var found bool
	for id, tx := range c.txs {
		if tx.cmd == proto.CmdSubscribe && tx.subID == subID {
			subTaID, found = id, true
			delete(c.txs, id)
			break
		}
	}
	c.mu.Unlock()

	if found {
		c.enqueue(proto.New(proto.CmdSubscribe, subTaID, proto.MsgComplete))
	}
	c.enqueue(proto.New(proto.CmdUnsubscribe, taID, proto.MsgComplete))
}

func handleSubscriptions(c *Connection, taID uint64, msg proto.Message) {
	c.enqueue(proto.New(proto.CmdSubscriptions, taID, proto.MsgAccept))
	for _, sub := range c.engine.GetSubscriptions() {
		m := proto.New(proto.CmdSubscriptions, taID, proto.MsgNotify)
		m.Put(proto.FieldSubscriptionID, sub.ID)
		m.Put(proto.FieldClientID, sub.OwnerClientID)
		if sub.HasFilter {
			m.Put(proto.FieldFilter, sub.FilterString)
		}
		c.enqueue(m)
	}
	c.enqueue(proto.New(proto.CmdSubscriptions, taID, proto.MsgComplete))
}

func handleServices(c *Connection, taID uint64, msg proto.Message) {
	filterStr, err := msg.PullOptString(proto.FieldFilter)
	if err != nil {
		replyErr(c, proto.CmdServices, taID, err)
		return
	}
	var f sd.Filter
	if filterStr != "" {
		parsed, perr := filter.Parse(filterStr)
		if perr != nil {
			replyErr(c, proto.CmdServices, taID, perr)
			return
		}
		f = parsed
	}

	c.enqueue(proto.New(proto.CmdServices, taID, proto.MsgAccept))
	for _, svc := range c.engine.GetServices() {
		if f != nil && !f.Match(svc.Props) {
			continue
		}
		m := proto.New(proto.CmdServices, taID, proto.MsgNotify)
		m.Put(proto.FieldServiceID, svc.ID)
		m.Put(proto.FieldGeneration, svc.Generation)
		m.PutProps(proto.FieldServiceProps, svc.Props)
		m.Put(proto.FieldTTL, svc.TTL)
		m.Put(proto.FieldClientID, svc.OwnerClientID)
		if svc.OrphanSince != nil {
			m.Put(proto.FieldOrphanSince, svc.OrphanSince.Unix())
		}
		c.enqueue(m)
	}
	c.enqueue(proto.New(proto.CmdServices, taID, proto.MsgComplete))
}

// handleClients lists every live Connection in the Domain. Per
// the Open Question resolved in DESIGN.md, a requester that negotiated
// a version below 3 never sees the v3-only idle/protocol-version
// attributes, whatever version the listed peer negotiated. No latency
// attribute is reported.
func handleClients(c *Connection, taID uint64, msg proto.Message) {
	c.enqueue(proto.New(proto.CmdClients, taID, proto.MsgAccept))
	c.mu.Lock()
	reqVersion := c.protoVersion
	c.mu.Unlock()
	for _, peer := range c.registry.all() {
		peer.mu.Lock()
		if !peer.handshaked {
			peer.mu.Unlock()
			continue
		}
		clientID := peer.clientID
		connectTime := peer.connectTime
		version := peer.protoVersion
		peer.mu.Unlock()

		m := proto.New(proto.CmdClients, taID, proto.MsgNotify)
		m.Put(proto.FieldClientID, clientID)
		m.Put(proto.FieldClientAddr, normalizeRemoteAddr(peer.raw))
		m.Put(proto.FieldTime, connectTime.Unix())
		if reqVersion >= 3 {
			m.Put(proto.FieldIdle, time.Since(connectTime).Seconds())
			m.Put(proto.FieldProtoVersion, version)
		}
		c.enqueue(m)
	}
	c.enqueue(proto.New(proto.CmdClients, taID, proto.MsgComplete))
}

func handlePing(c *Connection, taID uint64, msg proto.Message) {
	c.enqueue(proto.New(proto.CmdPing, taID, proto.MsgComplete))
}

// handleTrack opens the two-way TRACK transaction (protocol ≥ 3
// only); the server answers ACCEPT and keeps the transaction open for
// the lifetime of the connection, per spec.md §4.8/§4.9.
func handleTrack(c *Connection, taID uint64, msg proto.Message) {
	c.mu.Lock()
	if c.protoVersion < 3 {
		c.mu.Unlock()
		c.enqueue(failMsg(proto.CmdTrack, taID, xerrors.ReasonUnsupportedProtocol))
		return
	}
	c.hasTrack = true
	c.openTrack = taID
	c.txs[taID] = &transaction{cmd: proto.CmdTrack, shape: proto.TwoWay, state: txAccepted, isTrk: true}
	c.mu.Unlock()

	c.enqueue(proto.New(proto.CmdTrack, taID, proto.MsgAccept))
}
