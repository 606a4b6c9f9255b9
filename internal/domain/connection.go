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

// Package domain implements the per-connection protocol state machine
// (handshake, transaction tracking, idle/track liveness, back-pressure)
// and the Domain listener pool that accepts connections and wires them
// to an sd.Engine. Grounded on server.py's Connection/Server classes,
// generalized from XCM's single-threaded event loop to one reader and
// one writer goroutine per connection, the idiomatic Go transport
// model (spec.md §1 places the transport itself out of scope).
package domain

import (
	"crypto/tls"
	"encoding/hex"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pafd/pafd/internal/proto"
	"github.com/pafd/pafd/internal/sd"
	"github.com/pafd/pafd/internal/timer"
	"github.com/pafd/pafd/internal/xerrors"
)

// outboundSoftCap is the per-connection outbound queue soft cap
// (spec.md §4.10); a connection at or above this is marked
// non-receivable and the server stops reading further requests from
// it until the queue drains.
const outboundSoftCap = 128

// outboundQueue is an unbounded FIFO backing a Connection's write
// side. Unlike a fixed-capacity channel it never blocks a producer:
// fanOut (internal/sd/engine.go) invokes MatchCallback, which resolves
// to enqueue on some other Connection's goroutine, while still holding
// the engine-wide mutex, so a single stuck peer must never be able to
// stall that lock. The soft cap instead gates the reader side:
// readLoop stops pulling new requests off the wire once queueLen() is
// at or above the cap, until the writer goroutine drains it back down.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []proto.Message
	closed bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends msg and never blocks, regardless of current length.
func (q *outboundQueue) push(msg proto.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, msg)
	q.cond.Broadcast()
}

// pop blocks until a message is available or the queue is closed and
// drained.
func (q *outboundQueue) pop() (proto.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	q.cond.Broadcast()
	return msg, true
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// waitUntilBelow blocks until the queue drains back under cap or
// closes, realizing the soft cap's "stop reading" half (spec.md
// §4.10); it is called from readLoop between requests, never from a
// path holding sd.Engine's mutex.
func (q *outboundQueue) waitUntilBelow(limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= limit && !q.closed {
		q.cond.Wait()
	}
}

// connState is the liveness state of a handshaked Connection
// (spec.md §4.9).
type connState uint8

const (
	stateActive connState = iota
	stateTentative
)

// txState tracks one in-flight transaction (spec.md §4.8).
type txState uint8

const (
	txRequested txState = iota
	txAccepted
)

type transaction struct {
	cmd    proto.Cmd
	shape  proto.Shape
	state  txState
	subID  uint64 // set for SUBSCRIBE transactions, so UNSUBSCRIBE can find it
	isTrk  bool
}

// Connection is one accepted, possibly-TLS, peer connection and its
// protocol state. A reader goroutine decodes frames and dispatches
// them; a writer goroutine drains the outbound queue. All mutable
// state is guarded by mu.
type Connection struct {
	id      uint64
	raw     net.Conn
	reader  *proto.Reader
	writer  *proto.Writer
	out     *outboundQueue
	log     *logrus.Entry
	engine     *sd.Engine
	timers     *timer.Wheel
	idleCfg    IdleConfig
	protoRange proto.VersionRange

	connectTime time.Time

	registry   *connRegistry
	domainName string

	mu           sync.Mutex
	clientID     uint64
	hasClientID  bool
	handshaked   bool
	protoVersion int
	userID       string
	state        connState
	txs          map[uint64]*transaction
	openTrack    uint64 // ta-id of the open TRACK transaction, 0 if none
	hasTrack     bool
	trackQueryAt time.Time
	handshakeTmr timer.ID
	warnTmr      timer.ID
	warnArmed    bool
	maxIdle      time.Duration
	closed       bool

	closeOnce sync.Once
	closeFn   func(*Connection)
}

// IdleConfig is the idle-detection bound of spec.md §4.9.
type IdleConfig struct {
	Min time.Duration
	Max time.Duration
}

func newConnection(id uint64, raw net.Conn, engine *sd.Engine, timers *timer.Wheel, idle IdleConfig, protoRange proto.VersionRange, log *logrus.Entry, closeFn func(*Connection)) *Connection {
	return &Connection{
		id:          id,
		raw:         raw,
		reader:      proto.NewReader(raw),
		writer:      proto.NewWriter(raw),
		out:         newOutboundQueue(),
		log:         log,
		engine:      engine,
		timers:      timers,
		idleCfg:     idle,
		protoRange:  protoRange,
		connectTime: time.Now(),
		txs:         make(map[uint64]*transaction),
		maxIdle:     idle.Max,
		closeFn:     closeFn,
	}
}

// recomputeMaxIdle updates the Connection's effective max-idle bound
// per spec.md §4.9 after a publish/unpublish may have changed its set
// of owned services, and re-arms the warning timer against the new
// bound if the Connection is currently ACTIVE.
func (c *Connection) recomputeMaxIdle() {
	minTTL, ok := c.engine.MinOwnedTTL(c.id)

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.idleCfg.Max
	if ok {
		next = time.Duration(minTTL) * time.Second
		if next < c.idleCfg.Min {
			next = c.idleCfg.Min
		}
		if next > c.idleCfg.Max {
			next = c.idleCfg.Max
		}
	}
	if next == c.maxIdle {
		return
	}
	c.maxIdle = next
	if c.state == stateActive && c.handshaked {
		c.armWarningTimerLocked()
	}
}

// determineUserID derives the accounting user-id from transport
// credentials, mirroring server.py's determine_user_id: for TLS,
// ski:<hex subject-key-id>; otherwise (or if the SKI is unavailable)
// ip:<remote-ip>; the literal "default" if neither is obtainable.
func determineUserID(raw net.Conn) string {
	if tc, ok := raw.(*tls.Conn); ok {
		state := tc.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			if ski := state.PeerCertificates[0].SubjectKeyId; len(ski) > 0 {
				return "ski:" + hex.EncodeToString(ski)
			}
		}
	}
	if host, _, err := net.SplitHostPort(raw.RemoteAddr().String()); err == nil && host != "" {
		return "ip:" + host
	}
	return "default"
}

// serve runs the connection's read loop until the peer disconnects or
// a transport/protocol error closes it; run in its own goroutine by
// the accepting Domain. A second goroutine drains the outbound queue.
func (c *Connection) serve(handshakeDeadline time.Duration) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.mu.Lock()
	c.handshakeTmr = c.timers.AddRelative(handshakeDeadline, func(time.Time) {
		c.mu.Lock()
		handshaked := c.handshaked
		c.mu.Unlock()
		if !handshaked {
			c.log.Debug("closing connection: handshake deadline exceeded")
			c.Close()
		}
	})
	c.mu.Unlock()

	c.readLoop()
	c.out.close()
	wg.Wait()
	c.onDisconnect()
}

func (c *Connection) readLoop() {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("connection read terminated")
			return
		}
		c.resetIdle()
		if !c.dispatch(msg) {
			return
		}
		// Soft cap reached (spec.md §4.10): stop pulling further
		// requests off the wire until the writer goroutine has
		// drained the backlog back under the cap.
		c.out.waitUntilBelow(outboundSoftCap)
	}
}

func (c *Connection) writeLoop() {
	for {
		msg, ok := c.out.pop()
		if !ok {
			return
		}
		if err := c.writer.WriteMessage(msg); err != nil {
			c.log.WithError(err).Debug("connection write failed")
			c.Close()
			return
		}
	}
}

// enqueue hands msg to the writer goroutine. It never blocks: fanOut
// (internal/sd/engine.go) calls MatchCallback, which resolves to
// enqueue on a subscriber's Connection, while holding sd.Engine's
// mutex, so a slow or stuck peer must never be able to stall every
// other domain operation behind it. The soft cap is enforced on the
// read side instead (readLoop's waitUntilBelow call): a Connection
// stops being read from once its queue backs up, but is never refused
// a notification because of it, matching spec.md §4.10's "notifications
// ignore the soft cap (they are generated, not solicited)".
func (c *Connection) enqueue(msg proto.Message) {
	c.out.push(msg)
}

func (c *Connection) queueLen() int { return c.out.len() }

// dispatch decodes the command and ta-id, enforces the no-hello rule,
// and routes to the command table. Returns false if the connection
// must be closed.
func (c *Connection) dispatch(msg proto.Message) bool {
	cmd, err := msg.Cmd()
	if err != nil {
		c.log.WithError(err).Debug("malformed transaction")
		return false
	}
	taID, err := msg.TaID()
	if err != nil {
		c.log.WithError(err).Debug("malformed transaction")
		return false
	}
	mt, err := msg.MsgType()
	if err != nil {
		c.log.WithError(err).Debug("malformed transaction")
		return false
	}

	c.mu.Lock()
	handshaked := c.handshaked
	c.mu.Unlock()

	if cmd != proto.CmdHello && !handshaked {
		c.enqueue(failMsg(cmd, taID, xerrors.ReasonNoHello))
		return true
	}

	if mt == proto.MsgInform {
		c.handleInform(cmd, taID, msg)
		return true
	}

	h, ok := commandTable[cmd]
	if !ok {
		c.log.Debugf("unknown command %q", cmd)
		return false
	}
	h(c, taID, msg)
	return true
}

func failMsg(cmd proto.Cmd, taID uint64, reason xerrors.Reason) proto.Message {
	m := proto.New(cmd, taID, proto.MsgFail)
	m.Put(proto.FieldFailReason, string(reason))
	return m
}

func replyErr(c *Connection, cmd proto.Cmd, taID uint64, err error) {
	if xe, ok := err.(*xerrors.Error); ok && xe.Kind() == xerrors.KindTransaction {
		c.enqueue(failMsg(cmd, taID, xerrors.Reason(xe.WireReason())))
		return
	}
	c.log.WithError(err).Warn("internal error handling transaction")
	c.Close()
}

// resetIdle returns the Connection to ACTIVE on any application-level
// activity and reinstalls the warning timer, per spec.md §4.9.
func (c *Connection) resetIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateActive
	c.armWarningTimerLocked()
}

func (c *Connection) armWarningTimerLocked() {
	if c.warnArmed {
		c.timers.Remove(c.warnTmr)
	}
	warnAfter := jitter(c.maxIdle / 2)
	c.warnTmr = c.timers.AddRelative(warnAfter, func(time.Time) { c.onWarningFire() })
	c.warnArmed = true
}

// jitter applies spec.md §4.9's ±10% jitter to the warning timer's
// delay, so that many connections with identical idle bounds don't
// all fire their liveness probe in the same instant.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(d) / 5)) - d/10 // uniform in [-d/10, +d/10)
	return d + delta
}

func (c *Connection) onWarningFire() {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.state = stateTentative
	hasTrack := c.hasTrack
	trackTaID := c.openTrack
	remaining := c.maxIdle / 2
	c.mu.Unlock()

	if hasTrack {
		q := proto.New(proto.CmdTrack, trackTaID, proto.MsgNotify)
		q.Put("track-type", "query")
		c.mu.Lock()
		c.trackQueryAt = time.Now()
		c.mu.Unlock()
		c.enqueue(q)
	}

	c.timers.AddRelative(remaining, func(time.Time) { c.onTimeoutFire() })
}

// onTimeoutFire closes the Connection if it is still TENTATIVE and has
// an open TRACK transaction. Per spec.md §4.9, a Connection with no
// open TRACK relies on transport closure alone and is never closed
// solely for idleness.
func (c *Connection) onTimeoutFire() {
	c.mu.Lock()
	stillTentative := c.state == stateTentative && c.hasTrack
	c.mu.Unlock()
	if stillTentative {
		c.log.Debug("closing connection: idle timeout")
		c.Close()
	}
}

func (c *Connection) handleInform(cmd proto.Cmd, taID uint64, msg proto.Message) {
	if cmd != proto.CmdTrack {
		return
	}
	c.mu.Lock()
	isOpen := c.hasTrack && c.openTrack == taID
	c.mu.Unlock()
	if !isOpen {
		return
	}
	// A reply to our own track-query; resetIdle() already returned the
	// Connection to ACTIVE for any inbound message.
}

// Close closes the underlying connection exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.raw.Close()
	})
}

func (c *Connection) onDisconnect() {
	c.mu.Lock()
	if c.handshaked {
		c.timers.Remove(c.warnTmr)
	} else {
		c.timers.Remove(c.handshakeTmr)
	}
	c.closed = true
	c.mu.Unlock()

	c.engine.ClientDisconnect(c.id)
	if c.closeFn != nil {
		c.closeFn(c)
	}
}

func normalizeRemoteAddr(raw net.Conn) string {
	return strings.TrimSuffix(raw.RemoteAddr().String(), "")
}

// setTCPKeepAlive toggles OS-level TCP keep-alive on the connection's
// underlying socket, per spec.md §4.9's per-version keep-alive policy.
// A no-op for non-TCP transports (Unix-domain sockets have no
// equivalent concept at this layer).
func setTCPKeepAlive(raw net.Conn, enable bool) {
	conn := raw
	if tc, ok := raw.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(enable)
	}
}
