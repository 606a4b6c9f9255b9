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
	"net"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/pafd/pafd/internal/proto"
	"github.com/pafd/pafd/internal/props"
)

// Several publishers connect and publish concurrently against one
// Domain while a single subscriber watches; every publish must be
// observed exactly once regardless of interleaving, exercising
// Engine's single-mutex commit serialization (DESIGN.md's
// concurrency-model note) under actual goroutine contention rather
// than single-threaded calls.
func TestConcurrentPublishersDeliverOneNotifyEach(t *testing.T) {
	const publishers = 8

	d, subConn := newTestDomain(t)
	defer subConn.Close()
	sub := newTestPeer(t, subConn)

	sub.send(helloMsg(1, 1000, 2, 3))
	if mt, _ := sub.recv().MsgType(); mt != proto.MsgComplete {
		t.Fatal("subscriber hello failed")
	}
	subReq := proto.New(proto.CmdSubscribe, 1, proto.MsgRequest)
	subReq.Put(proto.FieldSubscriptionID, uint64(1))
	sub.send(subReq)
	if mt, _ := sub.recv().MsgType(); mt != proto.MsgAccept {
		t.Fatal("subscribe not accepted")
	}

	var g errgroup.Group
	for i := 0; i < publishers; i++ {
		clientID := uint64(2000 + i)
		serviceID := uint64(i + 1)
		g.Go(func() error {
			server, client := net.Pipe()
			d.handleAccept(server)
			defer client.Close()
			peer := newTestPeer(t, client)

			peer.send(helloMsg(1, clientID, 2, 3))
			if mt, _ := peer.recv().MsgType(); mt != proto.MsgComplete {
				t.Errorf("publisher %d hello failed", clientID)
				return nil
			}

			pub := proto.New(proto.CmdPublish, 2, proto.MsgRequest)
			pub.Put(proto.FieldServiceID, serviceID)
			pub.Put(proto.FieldGeneration, uint64(1))
			pub.Put(proto.FieldTTL, uint64(10))
			pub.PutProps(proto.FieldServiceProps, props.Multiset{})
			peer.send(pub)
			if mt, _ := peer.recv().MsgType(); mt != proto.MsgComplete {
				t.Errorf("publisher %d publish failed", clientID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("publisher goroutines: %v", err)
	}

	seen := make(map[uint64]bool)
	for len(seen) < publishers {
		notify := sub.recv()
		if mt, _ := notify.MsgType(); mt != proto.MsgNotify {
			t.Fatalf("expected notify, got %v", notify)
		}
		svcID, _ := notify.PullUint(proto.FieldServiceID)
		if seen[svcID] {
			t.Fatalf("service %d notified more than once", svcID)
		}
		seen[svcID] = true
	}
	if len(d.engine.GetServices()) != publishers {
		t.Fatalf("expected %d live services, got %d", publishers, len(d.engine.GetServices()))
	}
}
