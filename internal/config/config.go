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

// Package config implements pafd's YAML configuration schema
// (spec.md §6: log/domains/resources) plus the CLI flag surface
// (`-m`, `-c`, `-l`, `-f`) spec.md's Configuration section describes,
// shaped like the teacher's cobra/ + config/ idiom: cobra for flags,
// yaml.v3 for the file, go-toml/go-homedir kept for the starter-config
// writer (DESIGN.md), fsnotify for hot directory watching.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pafd/pafd/internal/domain"
	"github.com/pafd/pafd/internal/logger"
	"github.com/pafd/pafd/internal/resource"
)

// SocketSpec is one YAML "domains[].sockets[]" entry; either a bare
// address string or an object carrying TLS material, per spec.md §6.
type SocketSpec struct {
	Addr       string     `yaml:"addr"`
	TLS        *TLSConfig `yaml:"tls,omitempty"`
	MaxClients int        `yaml:"max_clients,omitempty"`
}

// UnmarshalYAML accepts both a bare scalar address and the
// {addr, tls: {...}} object form.
func (s *SocketSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&s.Addr)
	}
	type plain SocketSpec
	return value.Decode((*plain)(s))
}

// TLSConfig names the certificate material for a "tls:" socket,
// mirroring spec.md §6's `{cert, key, tc, crl}` shape.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	TC   string `yaml:"tc"`  // trusted CA bundle for client-cert verification
	CRL  string `yaml:"crl"` // certificate revocation list
}

// ProtoVersionRange is a domain's configured [min,max] protocol window.
type ProtoVersionRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// IdleBounds is a domain's [idle-min, idle-max] window, spec.md §4.9.
// Accepts both the current `idle.min`/`idle.max` fields and `conf.py`'s
// legacy single `max_idle_time` alias (mapped onto idle.max, idle.min
// left at its default) for operator familiarity (SPEC_FULL.md §4).
type IdleBounds struct {
	Min time.Duration
	Max time.Duration
}

type idleBoundsYAML struct {
	Min   *int `yaml:"min"`
	Max   *int `yaml:"max"`
	Legacy *int `yaml:"max_idle_time"`
}

func (b *IdleBounds) UnmarshalYAML(value *yaml.Node) error {
	var raw idleBoundsYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.Min = 4 * time.Second
	b.Max = 30 * time.Second
	if raw.Legacy != nil {
		b.Max = time.Duration(*raw.Legacy) * time.Second
	}
	if raw.Min != nil {
		b.Min = time.Duration(*raw.Min) * time.Second
	}
	if raw.Max != nil {
		b.Max = time.Duration(*raw.Max) * time.Second
	}
	return nil
}

// DomainConfig is one YAML "domains[]" entry.
type DomainConfig struct {
	Name            string             `yaml:"name"`
	Sockets         []SocketSpec       `yaml:"sockets"`
	LegacyAddrs     []SocketSpec       `yaml:"addrs"` // conf.py legacy alias for "sockets"
	ProtocolVersion *ProtoVersionRange `yaml:"protocol_version"`
	Idle            *IdleBounds        `yaml:"idle"`
}

// ResolvedSockets returns Sockets, falling back to the legacy "addrs"
// key when "sockets" was not supplied.
func (d DomainConfig) ResolvedSockets() []SocketSpec {
	if len(d.Sockets) > 0 {
		return d.Sockets
	}
	return d.LegacyAddrs
}

// ResourceClassLimits mirrors spec.md §6's "resources.user"/"resources.total".
type ResourceClassLimits struct {
	Clients       uint64 `yaml:"clients"`
	Services      uint64 `yaml:"services"`
	Subscriptions uint64 `yaml:"subscriptions"`
}

// ResourcesConfig is the YAML "resources" top-level key.
type ResourcesConfig struct {
	User  ResourceClassLimits `yaml:"user"`
	Total ResourceClassLimits `yaml:"total"`
}

// LogConfig is the YAML "log" top-level key, matching conf.py's LogConf.
type LogConfig struct {
	Console  bool   `yaml:"console"`
	LogFile  string `yaml:"log_file"`
	Syslog   bool   `yaml:"syslog"`
	Facility string `yaml:"facility"`
	Filter   string `yaml:"filter"`
}

// Config is the fully parsed YAML configuration file (spec.md §6).
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Domains   []DomainConfig  `yaml:"domains"`
	Resources ResourcesConfig `yaml:"resources"`
}

// Load reads and parses a YAML configuration file from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &c, nil
}

// LogLevel resolves the configured filter string to a logger.Level,
// defaulting to Info when unset or unrecognised.
func (c *Config) LogLevel() logger.Level {
	return logger.GetLevelString(c.Log.Filter)
}

// Facility resolves the configured syslog facility name, defaulting to
// "daemon" per conf.py's LogConf default.
func (c *Config) Facility() logger.SyslogFacility {
	return logger.ParseFacility(c.Log.Facility)
}

// toLimits converts the YAML shape to internal/resource's Limits.
func (r ResourceClassLimits) toLimits() resource.Limits {
	return resource.Limits{Client: r.Clients, Service: r.Services, Subscription: r.Subscriptions}
}

// ResourceLimits returns the per-user and total resource.Limits
// internal/resource.New expects.
func (c *Config) ResourceLimits() (user, total resource.Limits) {
	return c.Resources.User.toLimits(), c.Resources.Total.toLimits()
}

// ToDomainConfig builds an internal/domain.Config from one YAML
// "domains[]" entry, loading any TLS material its sockets reference.
func (d DomainConfig) ToDomainConfig(defaults domain.Config) (domain.Config, error) {
	cfg := defaults
	cfg.Name = d.Name

	if d.ProtocolVersion != nil {
		cfg.ProtoMin = d.ProtocolVersion.Min
		cfg.ProtoMax = d.ProtocolVersion.Max
	}
	if d.Idle != nil {
		cfg.IdleMin = d.Idle.Min
		cfg.IdleMax = d.Idle.Max
	}

	for _, sock := range d.ResolvedSockets() {
		sc := domain.SocketConfig{Addr: sock.Addr, MaxClients: sock.MaxClients}
		if sock.TLS != nil {
			tlsCfg, err := sock.TLS.build()
			if err != nil {
				return domain.Config{}, fmt.Errorf("config: domain %q socket %q: %w", d.Name, sock.Addr, err)
			}
			sc.TLS = tlsCfg
		}
		cfg.Sockets = append(cfg.Sockets, sc)
	}
	return cfg, nil
}

// build loads the certificate, key, and optional client-CA bundle a
// "tls:" socket needs, mirroring certificates/'s loader shape without
// pulling in its full TLS-bundle abstraction (DESIGN.md).
func (t *TLSConfig) build() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, fmt.Errorf("loading keypair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if t.TC != "" {
		pem, err := os.ReadFile(t.TC)
		if err != nil {
			return nil, fmt.Errorf("reading trusted CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.TC)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
