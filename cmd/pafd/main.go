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

// Command pafd is the service-discovery daemon: it loads a YAML
// configuration (optionally overridden by -m/-c/-l flags), opens every
// configured domain's listen sockets, and serves clients until a
// shutdown signal arrives.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pafd/pafd/internal/config"
	"github.com/pafd/pafd/internal/domain"
	"github.com/pafd/pafd/internal/logger"
	"github.com/pafd/pafd/internal/metrics"
	"github.com/pafd/pafd/internal/proto"
	"github.com/pafd/pafd/internal/resource"
	"github.com/pafd/pafd/internal/timer"
)

// buildVersion is overridable at link time (-ldflags "-X main.buildVersion=...").
var buildVersion = "dev"

func main() {
	flags := &config.Flags{}

	root := &cobra.Command{
		Use:           "pafd",
		Short:         "Service discovery daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}
	config.BindFlags(root, flags)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon and protocol version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("pafd %s (protocol %d-%d)\n", buildVersion, proto.MinSupported, proto.MaxSupported)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "configure [file path with extension json, yaml, or toml]",
		Short: "Generate a starter configuration file",
		Long: `Writes a minimal valid pafd configuration (one loopback domain, a
console logger, and default resource caps) to the given path. The
format is chosen from the path's extension; ~/.pafd.yaml is used when
no path is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				var err error
				if path, err = config.DefaultStarterPath(); err != nil {
					return err
				}
			}
			if err := config.WriteStarter(path, config.DefaultStarterConfig()); err != nil {
				return err
			}
			fmt.Printf("wrote starter configuration to %s\n", path)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pafd:", err)
		os.Exit(1)
	}
}

func run(flags *config.Flags) error {
	cfg := &config.Config{}
	if flags.ConfigFile != "" {
		loaded, err := config.Load(flags.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	flags.ApplyOverrides(cfg)

	fileDomains := cfg.Domains
	var mergeErr error
	cfg.Domains, mergeErr = config.LoadDomainsDir(config.DomainsDir(), fileDomains)
	if mergeErr != nil {
		return mergeErr
	}

	if len(cfg.Domains) == 0 {
		return fmt.Errorf("no domains configured: pass -f, -m, or populate %s", config.DomainsDir())
	}

	logCfg := logger.DefaultConfig()
	logCfg.Console = cfg.Log.Console || flags.ConfigFile == ""
	logCfg.Filter = cfg.LogLevel()
	logCfg.LogFile = cfg.Log.LogFile
	logCfg.Syslog = cfg.Log.Syslog
	logCfg.Facility = cfg.Facility()

	log, closeLog, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	entry := logrus.NewEntry(log)

	userLimits, totalLimits := cfg.ResourceLimits()
	accountant := resource.New(userLimits, totalLimits)
	timers := timer.New()

	stopTimers := make(chan struct{})
	go timers.Run(stopTimers)
	defer close(stopTimers)

	fleet := newDomainFleet(accountant, timers, entry)
	for _, dc := range cfg.Domains {
		if err := fleet.start(dc); err != nil {
			return err
		}
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		entry.WithError(err).Warn("metrics registration failed, continuing without scrape sampling")
	} else {
		serveMetrics(entry, fleet)
	}

	if flags.HookAddr != "" {
		notifyHook(entry, flags.HookAddr)
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.WatchDomainsDir(config.DomainsDir(), entry, stopWatch, func() {
		merged, err := config.LoadDomainsDir(config.DomainsDir(), fileDomains)
		if err != nil {
			entry.WithError(err).Warn("reloading domains directory failed")
			return
		}
		for _, dc := range merged {
			if fleet.running(dc.Name) {
				continue
			}
			if err := fleet.start(dc); err != nil {
				entry.WithField("domain", dc.Name).WithError(err).Warn("failed to start domain added at runtime")
			}
		}
	}); err != nil {
		entry.WithError(err).Warn("watching domains directory disabled")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	<-sig
	signal.Stop(sig)

	fleet.shutdownAll()

	entry.Info("shutdown complete")
	return nil
}

// domainFleet tracks every running *domain.Domain by name so the
// fsnotify-driven domains.d watcher can add domains that appear after
// startup without disturbing ones already serving traffic; existing
// domains are never reconfigured or torn down by a directory change,
// matching the conservative reload posture spec.md §6's daemon takes
// for its single config file.
type domainFleet struct {
	accountant *resource.Accountant
	timers     *timer.Wheel
	log        *logrus.Entry
	defaults   domain.Config

	mu sync.Mutex
	by map[string]*domain.Domain
}

func newDomainFleet(accountant *resource.Accountant, timers *timer.Wheel, log *logrus.Entry) *domainFleet {
	return &domainFleet{
		accountant: accountant,
		timers:     timers,
		log:        log,
		defaults:   domain.DefaultConfig(),
		by:         make(map[string]*domain.Domain),
	}
}

func (f *domainFleet) running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.by[name]
	return ok
}

func (f *domainFleet) start(dc config.DomainConfig) error {
	dCfg, err := dc.ToDomainConfig(f.defaults)
	if err != nil {
		return err
	}
	d := domain.New(dCfg, f.accountant, f.timers, logger.WithCategory(f.log, logger.CategoryCore).WithField("domain", dCfg.Name))
	if err := d.Listen(); err != nil {
		return err
	}
	metrics.SetSocketCount(dCfg.Name, len(dCfg.Sockets))

	f.mu.Lock()
	f.by[dCfg.Name] = d
	f.mu.Unlock()

	f.log.WithField("domain", dCfg.Name).WithField("sockets", len(dCfg.Sockets)).Info("domain listening")
	go d.Serve()
	return nil
}

func (f *domainFleet) stats() []metrics.DomainStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]metrics.DomainStats, 0, len(f.by))
	for _, d := range f.by {
		out = append(out, d)
	}
	return out
}

func (f *domainFleet) shutdownAll() {
	f.mu.Lock()
	domains := make([]*domain.Domain, 0, len(f.by))
	for _, d := range f.by {
		domains = append(domains, d)
	}
	f.mu.Unlock()

	for _, d := range domains {
		d.Shutdown()
	}
}

// notifyHook dials a unix socket and writes a single-line JSON-ish
// readiness notice, the supplemented "--hook-addr" startup signal
// SPEC_FULL.md §4 adds for process supervisors that want to wait for
// the daemon to finish binding before routing traffic to it.
func notifyHook(log *logrus.Entry, addr string) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		log.WithError(err).Warn("hook-addr notify failed")
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(`{"event":"ready"}` + "\n"))
}

func serveMetrics(log *logrus.Entry, fleet *domainFleet) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.NewSampler(fleet.stats()).Sample()
		promhttp.Handler().ServeHTTP(w, r)
	}))
	go func() {
		if err := http.ListenAndServe("127.0.0.1:9541", mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
}
