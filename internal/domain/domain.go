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
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"

	"github.com/pafd/pafd/internal/proto"
	"github.com/pafd/pafd/internal/resource"
	"github.com/pafd/pafd/internal/sd"
	"github.com/pafd/pafd/internal/timer"
)

// connRegistry is the Domain-wide, concurrency-safe id -> *Connection
// table CLIENTS listings and v3 liveness probes walk; grounded on
// internal/ccx.Registry, the same acyclic-by-id pattern internal/sd
// uses for its own entity tables (spec.md §9).
type connRegistry = ccxRegistry

// SocketConfig describes one listen address of a Domain, matching the
// "domains[].sockets" entries of spec.md §6's YAML schema.
type SocketConfig struct {
	Addr       string // "tcp:host:port", "tls:host:port", "ux:name"
	TLS        *tls.Config
	MaxClients int // SOMAXCONN-style accept throttling per socket, 0 = unlimited
}

// Config is a Domain's full configuration: its listen sockets, the
// protocol version range and idle bounds it negotiates, and the
// handshake deadline spec.md §4.7 requires.
type Config struct {
	Name              string
	Sockets           []SocketConfig
	ProtoMin          int
	ProtoMax          int
	IdleMin           time.Duration
	IdleMax           time.Duration
	HandshakeDeadline time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProtoMin:          proto.MinSupported,
		ProtoMax:          proto.MaxSupported,
		IdleMin:           4 * time.Second,
		IdleMax:           30 * time.Second,
		HandshakeDeadline: 2 * time.Second,
	}
}

// Domain aggregates one or more listen sockets onto a single sd.Engine
// and connRegistry, per spec.md §6's GLOSSARY definition: clients
// connecting to any address of the same domain see the same entity
// set. Grounded on httpserver/pool.go's PoolServer (Listen/Shutdown/
// WaitNotify over a slice of servers), generalized from HTTP listeners
// to the paf framed-JSON transport.
type Domain struct {
	cfg    Config
	log    *logrus.Entry
	engine *sd.Engine
	timers *timer.Wheel

	registry *connRegistry
	nextConn uint64

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
	wg        sync.WaitGroup
}

// New builds a Domain wired to a fresh sd.Engine over accountant and
// timers; timers is shared with the caller so a single Event Loop
// (see internal/timer.Wheel.Run) drains both connection and service timers.
func New(cfg Config, accountant *resource.Accountant, timers *timer.Wheel, log *logrus.Entry) *Domain {
	return &Domain{
		cfg:      cfg,
		log:      log,
		engine:   sd.New(accountant, timers),
		timers:   timers,
		registry: newCcxRegistry(),
	}
}

// Engine exposes the Domain's sd.Engine, e.g. for metrics collection.
func (d *Domain) Engine() *sd.Engine { return d.engine }

// Name returns the domain's configured name, used as a metrics label.
func (d *Domain) Name() string { return d.cfg.Name }

// ConnectionCount returns the number of connections currently tracked
// by the registry, regardless of handshake state.
func (d *Domain) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.r.Len()
}

// ServiceCount returns the number of services currently published on
// this domain's Engine, for metrics.Sampler.
func (d *Domain) ServiceCount() int { return len(d.engine.GetServices()) }

// SubscriptionCount returns the number of live subscriptions on this
// domain's Engine, for metrics.Sampler.
func (d *Domain) SubscriptionCount() int { return len(d.engine.GetSubscriptions()) }

// ParseAddr recognises the three address schemes of spec.md §6:
// tcp:<host>:<port>, tls:<host>:<port>, ux:<name>.
func ParseAddr(addr string) (network, address string, wantTLS bool, err error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return "", "", false, fmt.Errorf("domain: malformed address %q", addr)
	}
	switch scheme {
	case "tcp":
		return "tcp", rest, false, nil
	case "tls":
		return "tcp", rest, true, nil
	case "ux":
		return "unix", rest, false, nil
	default:
		return "", "", false, fmt.Errorf("domain: unknown address scheme %q", scheme)
	}
}

// reuseAddrListenConfig sets SO_REUSEADDR on every tcp/tcp-tls socket
// so a restarted daemon can rebind immediately instead of waiting out
// a prior listener's TIME_WAIT sockets, the way long-running network
// daemons conventionally do.
func reuseAddrListenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// Listen opens every configured socket. It is the caller's
// responsibility to call Serve afterwards (split so the admission
// bind/permission errors surface before the daemon reports readiness).
func (d *Domain) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sc := range d.cfg.Sockets {
		network, address, wantTLS, err := ParseAddr(sc.Addr)
		if err != nil {
			d.closeListenersLocked()
			return err
		}

		var ln net.Listener
		if network == "unix" {
			_ = os.Remove(address)
			ln, err = net.Listen(network, address)
		} else {
			ln, err = reuseAddrListenConfig().Listen(context.Background(), network, address)
		}
		if err != nil {
			d.closeListenersLocked()
			return fmt.Errorf("domain %q: listen %s: %w", d.cfg.Name, sc.Addr, err)
		}
		if wantTLS {
			if sc.TLS == nil {
				d.closeListenersLocked()
				return fmt.Errorf("domain %q: socket %s requires tls config", d.cfg.Name, sc.Addr)
			}
			ln = tls.NewListener(ln, sc.TLS)
		}
		if sc.MaxClients > 0 {
			ln = netutil.LimitListener(ln, sc.MaxClients)
		}
		d.listeners = append(d.listeners, ln)
	}
	return nil
}

// Serve accepts connections on every listener until Shutdown is
// called; it blocks until all accept loops have returned.
func (d *Domain) Serve() {
	d.mu.Lock()
	listeners := append([]net.Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, ln := range listeners {
		d.wg.Add(1)
		go d.acceptLoop(ln)
	}
	d.wg.Wait()
}

func (d *Domain) acceptLoop(ln net.Listener) {
	defer d.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			d.log.WithError(err).Warn("accept failed")
			continue
		}
		d.handleAccept(raw)
	}
}

// handleAccept admits one just-accepted transport connection: it
// assigns a connection id, wires up the protocol state machine, and
// runs its reader/writer loops in a dedicated goroutine pair (the Go
// analogue of spec.md §4.2's single event loop, since net.Conn I/O
// is inherently blocking rather than epoll-driven).
func (d *Domain) handleAccept(raw net.Conn) {
	id := atomic.AddUint64(&d.nextConn, 1)
	log := d.log.WithField("conn", id).WithField("trace", uuid.NewString())

	protoRange := proto.VersionRange{Min: d.cfg.ProtoMin, Max: d.cfg.ProtoMax}
	c := newConnection(id, raw, d.engine, d.timers, IdleConfig{Min: d.cfg.IdleMin, Max: d.cfg.IdleMax}, protoRange, log, func(cc *Connection) {
		d.registry.delete(cc.id)
	})
	c.registry = d.registry
	c.domainName = d.cfg.Name
	d.registry.store(id, c)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		c.serve(d.cfg.HandshakeDeadline)
	}()
}

func (d *Domain) closeListenersLocked() {
	for _, ln := range d.listeners {
		_ = ln.Close()
	}
	d.listeners = nil
}

// Shutdown implements spec.md §5's graceful-shutdown cascade: stop
// accepting, close every Connection (which triggers the orphan/
// cleanup cascade through sd.Engine.ClientDisconnect), then close the
// listen sockets.
func (d *Domain) Shutdown() {
	d.mu.Lock()
	d.closed = true
	d.closeListenersLocked()
	d.mu.Unlock()

	for _, c := range d.registry.all() {
		c.Close()
	}
	d.wg.Wait()
}
