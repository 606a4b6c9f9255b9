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

// Package metrics exports the daemon's per-domain entity counts as
// Prometheus gauges, a pull-based prometheus.Collector implementation
// so scraping never takes internal/sd's Engine mutex except to read
// its already-public snapshot methods (GetServices/GetSubscriptions).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DomainStats is the minimal view Sampler needs of a running domain;
// *domain.Domain satisfies it without this package importing
// internal/domain (which calls this package's MatchDelivered hook —
// importing domain here would close that cycle).
type DomainStats interface {
	Name() string
	ConnectionCount() int
	ServiceCount() int
	SubscriptionCount() int
}

var (
	connectedClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pafd",
		Name:      "connected_clients",
		Help:      "Number of transport connections currently tracked, by domain.",
	}, []string{"domain"})

	publishedServices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pafd",
		Name:      "published_services",
		Help:      "Number of services currently published, by domain.",
	}, []string{"domain"})

	activeSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pafd",
		Name:      "active_subscriptions",
		Help:      "Number of live subscriptions, by domain.",
	}, []string{"domain"})

	matchesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pafd",
		Name:      "matches_delivered_total",
		Help:      "Total NOTIFY frames delivered to subscribers, by domain.",
	}, []string{"domain"})

	transactionsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pafd",
		Name:      "transactions_in_flight",
		Help:      "Number of open client-initiated transactions awaiting a final reply, by domain.",
	}, []string{"domain"})

	socketCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pafd",
		Name:      "domain_sockets",
		Help:      "Number of listen sockets configured for a domain.",
	}, []string{"domain"})
)

// Register registers every collector with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		connectedClients, publishedServices, activeSubscriptions,
		matchesDelivered, transactionsInFlight, socketCount,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MatchDelivered increments the matches-delivered counter for a
// domain; called from the fan-out path each time a NOTIFY is written.
func MatchDelivered(domainName string) {
	matchesDelivered.WithLabelValues(domainName).Inc()
}

// Sampler refreshes the gauge-valued metrics from a live Domain on
// each Prometheus scrape.
type Sampler struct {
	domains []DomainStats
}

func NewSampler(domains []DomainStats) *Sampler {
	return &Sampler{domains: domains}
}

// Sample refreshes every gauge from current Domain/Engine state. It is
// called by the HTTP handler's middleware immediately before each
// scrape rather than on a timer, so counts never go stale between
// requests.
func (s *Sampler) Sample() {
	for _, d := range s.domains {
		name := d.Name()
		connectedClients.WithLabelValues(name).Set(float64(d.ConnectionCount()))
		publishedServices.WithLabelValues(name).Set(float64(d.ServiceCount()))
		activeSubscriptions.WithLabelValues(name).Set(float64(d.SubscriptionCount()))
	}
}

// SetSocketCount records how many listen sockets a domain opened.
func SetSocketCount(domainName string, n int) {
	socketCount.WithLabelValues(domainName).Set(float64(n))
}

// SetTransactionsInFlight records a domain's open-transaction count.
// No caller sums this across a domain's connections yet; exported for
// when one does.
func SetTransactionsInFlight(domainName string, n int) {
	transactionsInFlight.WithLabelValues(domainName).Set(float64(n))
}
