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

package sd_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pafd/pafd/internal/props"
	"github.com/pafd/pafd/internal/resource"
	"github.com/pafd/pafd/internal/sd"
	"github.com/pafd/pafd/internal/timer"
	"github.com/pafd/pafd/internal/xerrors"
)

func connect(e *sd.Engine, connID, clientID uint64, userID string) {
	_, err := e.ClientConnect(connID, clientID, userID)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

func reasonOf(err error) string {
	xe, ok := err.(*xerrors.Error)
	if !ok {
		return ""
	}
	return xe.WireReason()
}

var _ = Describe("Engine resource accounting across users", func() {
	var (
		w *timer.Wheel
		e *sd.Engine
	)

	BeforeEach(func() {
		w = timer.New()
		e = sd.New(resource.New(resource.Limits{Service: 2}, resource.Limits{Service: 3}), w)
	})

	// The global cap is shared across every user even when no single
	// user's own cap is exhausted: once three services are live across
	// two users, a fourth publish trips the total cap of three.
	It("rejects a publish that would exceed the domain-wide total even under the per-user cap", func() {
		connect(e, 1, 100, "alice")
		connect(e, 2, 200, "bob")

		_, err := e.Publish(1, 1, 1, 10, props.Multiset{})
		Expect(err).NotTo(HaveOccurred())
		_, err = e.Publish(2, 2, 1, 10, props.Multiset{})
		Expect(err).NotTo(HaveOccurred())

		// A third live service reaches the total cap of 3 without
		// exceeding it; bob's next publish would exceed it even though
		// bob holds only one service against a cap of 2.
		_, err = e.Publish(1, 3, 1, 10, props.Multiset{})
		Expect(err).NotTo(HaveOccurred())

		_, err = e.Publish(2, 4, 1, 10, props.Multiset{})
		Expect(err).To(HaveOccurred())
		Expect(reasonOf(err)).To(Equal(string(xerrors.ReasonInsufficientResources)))

		Expect(e.Unpublish(1, 1)).To(Succeed())
		_, err = e.Publish(2, 4, 1, 10, props.Multiset{})
		Expect(err).NotTo(HaveOccurred())
	})

	// Subscriptions draw from the same per-user accounting pool as
	// services and clients; unsubscribing frees the slot for a later
	// subscribe under the same cap.
	It("frees a subscription slot on unsubscribe", func() {
		capped := sd.New(resource.New(resource.Limits{Subscription: 1}, resource.Limits{}), w)
		connect(capped, 1, 100, "alice")

		Expect(capped.Subscribe(1, 900, nil, "", func(uint64, sd.MatchType, sd.ServiceInfo) {})).To(Succeed())

		err := capped.Subscribe(1, 901, nil, "", func(uint64, sd.MatchType, sd.ServiceInfo) {})
		Expect(err).To(HaveOccurred())
		Expect(reasonOf(err)).To(Equal(string(xerrors.ReasonInsufficientResources)))

		Expect(capped.Unsubscribe(1, 900)).To(Succeed())
		Expect(capped.Subscribe(1, 901, nil, "", func(uint64, sd.MatchType, sd.ServiceInfo) {})).To(Succeed())
	})
})

var _ = Describe("Wheel.Run driving orphan expiry asynchronously", func() {
	// Unlike the synchronous w.Process(time.Now()) calls the plain
	// engine tests drive by hand, this exercises the actual event-loop
	// goroutine (timer.Wheel.Run) the daemon runs in production: an
	// orphaned service with a short TTL must disappear on its own,
	// with nobody calling Process directly.
	It("expires an orphaned service once its TTL elapses, with no manual Process call", func() {
		w := timer.New()
		stop := make(chan struct{})
		defer close(stop)
		go w.Run(stop)

		e := sd.New(resource.New(resource.Limits{}, resource.Limits{}), w)
		connect(e, 1, 100, "alice")

		_, err := e.Publish(1, 1, 1, 0, props.Multiset{})
		Expect(err).NotTo(HaveOccurred())

		events := make(chan sd.MatchType, 8)
		connect(e, 2, 200, "bob")
		Expect(e.Subscribe(2, 900, nil, "", func(_ uint64, mt sd.MatchType, _ sd.ServiceInfo) {
			events <- mt
		})).To(Succeed())
		e.ActivateSubscription(900)
		Eventually(events).Should(Receive(Equal(sd.Appeared)))

		e.ClientDisconnect(1)
		Eventually(events).Should(Receive(Equal(sd.Modified)))
		Eventually(events, 2*time.Second, 10*time.Millisecond).Should(Receive(Equal(sd.Disappeared)))
		Expect(e.GetServices()).To(BeEmpty())
	})
})
