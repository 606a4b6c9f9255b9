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
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pafd/pafd/internal/proto"
	"github.com/pafd/pafd/internal/props"
	"github.com/pafd/pafd/internal/resource"
	"github.com/pafd/pafd/internal/sd"
	"github.com/pafd/pafd/internal/timer"
)

// testPeer drives the client side of a net.Pipe against one Connection
// under test, the harness pattern used throughout this package in lieu
// of spinning up a real listening socket.
type testPeer struct {
	t  *testing.T
	br *bufio.Reader
	bw net.Conn
}

func newTestDomain(t *testing.T) (*Domain, net.Conn) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(discardWriter{})
	entry := logrus.NewEntry(log)

	d := &Domain{
		cfg:      Config{ProtoMin: proto.MinSupported, ProtoMax: proto.MaxSupported, IdleMin: 4 * time.Second, IdleMax: 30 * time.Second, HandshakeDeadline: 2 * time.Second},
		log:      entry,
		engine:   sd.New(resource.New(resource.Limits{}, resource.Limits{}), timer.New()),
		timers:   timer.New(),
		registry: newCcxRegistry(),
	}

	server, client := net.Pipe()
	d.handleAccept(server)
	return d, client
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestPeer(t *testing.T, conn net.Conn) *testPeer {
	return &testPeer{t: t, br: bufio.NewReader(conn), bw: conn}
}

func (p *testPeer) send(m proto.Message) {
	p.t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	b = append(b, '\n')
	if _, err := p.bw.Write(b); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) recv() proto.Message {
	p.t.Helper()
	line, err := p.br.ReadBytes('\n')
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	var m proto.Message
	if err := json.Unmarshal(line, &m); err != nil {
		p.t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func helloMsg(taID, clientID uint64, min, max int) proto.Message {
	m := proto.New(proto.CmdHello, taID, proto.MsgRequest)
	m.Put(proto.FieldClientID, clientID)
	m.Put(proto.FieldProtoMinVersion, min)
	m.Put(proto.FieldProtoMaxVersion, max)
	return m
}

// S1: a HELLO offering a range with no overlap against the domain's
// supported [2,3] fails unsupported-protocol-version.
func TestHandshakeUnsupportedVersion(t *testing.T) {
	_, client := newTestDomain(t)
	defer client.Close()
	peer := newTestPeer(t, client)

	peer.send(helloMsg(1, 7, 99, 100))
	reply := peer.recv()
	mt, _ := reply.MsgType()
	if mt != proto.MsgFail {
		t.Fatalf("expected fail, got %v", reply)
	}
	reason, _ := reply.PullString(proto.FieldFailReason)
	if reason != "unsupported-protocol-version" {
		t.Fatalf("unexpected fail-reason: %v", reason)
	}
}

// Any command before HELLO completes fails no-hello.
func TestRequestBeforeHelloFailsNoHello(t *testing.T) {
	_, client := newTestDomain(t)
	defer client.Close()
	peer := newTestPeer(t, client)

	ping := proto.New(proto.CmdPing, 5, proto.MsgRequest)
	peer.send(ping)
	reply := peer.recv()
	reason, _ := reply.PullString(proto.FieldFailReason)
	if reason != "no-hello" {
		t.Fatalf("expected no-hello, got %v", reply)
	}
}

// S2: publish then subscribe delivers a single APPEARED notify.
func TestPublishThenSubscribeDeliversAppeared(t *testing.T) {
	d, clientA := newTestDomain(t)
	defer clientA.Close()
	peerA := newTestPeer(t, clientA)

	peerA.send(helloMsg(1, 100, 2, 3))
	helloReply := peerA.recv()
	if mt, _ := helloReply.MsgType(); mt != proto.MsgComplete {
		t.Fatalf("hello A failed: %v", helloReply)
	}

	pub := proto.New(proto.CmdPublish, 2, proto.MsgRequest)
	pub.Put(proto.FieldServiceID, uint64(42))
	pub.Put(proto.FieldGeneration, uint64(1))
	pub.Put(proto.FieldTTL, uint64(10))
	svcProps := props.Multiset{}
	svcProps.Add("name", props.String("x"))
	pub.PutProps(proto.FieldServiceProps, svcProps)
	peerA.send(pub)
	pubReply := peerA.recv()
	if mt, _ := pubReply.MsgType(); mt != proto.MsgComplete {
		t.Fatalf("publish failed: %v", pubReply)
	}

	serverB, clientB := net.Pipe()
	d.handleAccept(serverB)
	defer clientB.Close()
	peerB := newTestPeer(t, clientB)

	peerB.send(helloMsg(1, 200, 2, 3))
	helloReplyB := peerB.recv()
	if mt, _ := helloReplyB.MsgType(); mt != proto.MsgComplete {
		t.Fatalf("hello B failed: %v", helloReplyB)
	}

	sub := proto.New(proto.CmdSubscribe, 9, proto.MsgRequest)
	sub.Put(proto.FieldSubscriptionID, uint64(1))
	sub.Put(proto.FieldFilter, "(name=x)")
	peerB.send(sub)

	accept := peerB.recv()
	if mt, _ := accept.MsgType(); mt != proto.MsgAccept {
		t.Fatalf("expected accept, got %v", accept)
	}
	notify := peerB.recv()
	if mt, _ := notify.MsgType(); mt != proto.MsgNotify {
		t.Fatalf("expected notify, got %v", notify)
	}
	matchType, _ := notify.PullString(proto.FieldMatchType)
	if matchType != "appeared" {
		t.Fatalf("expected appeared, got %v", matchType)
	}
	svcID, _ := notify.PullUint(proto.FieldServiceID)
	if svcID != 42 {
		t.Fatalf("expected service-id 42, got %v", svcID)
	}
}

func TestPutPropsFromWireShape(t *testing.T) {
	m := proto.New(proto.CmdServices, 1, proto.MsgNotify)
	p := props.Multiset{}
	p.Add("a", props.String("b"))
	m.PutProps(proto.FieldServiceProps, p)
	raw, _ := json.Marshal(m)
	var back map[string]interface{}
	_ = json.Unmarshal(raw, &back)
	if _, ok := back[proto.FieldServiceProps]; !ok {
		t.Fatalf("expected service-props field in encoded message: %s", raw)
	}
}
