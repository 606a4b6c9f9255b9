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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pafd/pafd/internal/domain"
	"github.com/pafd/pafd/internal/logger"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pafd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadBasicConfig(t *testing.T) {
	path := writeTempConfig(t, `
log:
  console: true
  filter: debug
domains:
  - name: default
    sockets:
      - "tcp:127.0.0.1:9000"
      - addr: "tls:127.0.0.1:9001"
        tls:
          cert: /etc/pafd/cert.pem
          key: /etc/pafd/key.pem
resources:
  user:
    clients: 10
  total:
    clients: 1000
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Domains) != 1 {
		t.Fatalf("expected 1 domain, got %d", len(c.Domains))
	}
	d := c.Domains[0]
	sockets := d.ResolvedSockets()
	if len(sockets) != 2 {
		t.Fatalf("expected 2 sockets, got %d", len(sockets))
	}
	if sockets[0].Addr != "tcp:127.0.0.1:9000" {
		t.Fatalf("unexpected scalar socket decode: %+v", sockets[0])
	}
	if sockets[1].TLS == nil || sockets[1].TLS.Cert != "/etc/pafd/cert.pem" {
		t.Fatalf("unexpected object socket decode: %+v", sockets[1])
	}
	if c.LogLevel() != logger.DebugLevel {
		t.Fatalf("expected debug level, got %v", c.LogLevel())
	}

	user, total := c.ResourceLimits()
	if user.Client != 10 || total.Client != 1000 {
		t.Fatalf("unexpected resource limits: user=%+v total=%+v", user, total)
	}
}

// Legacy aliases (addrs, max_idle_time) must still resolve, per the
// backward-compatible config loading SPEC_FULL.md §4 adds.
func TestLegacyAliases(t *testing.T) {
	path := writeTempConfig(t, `
domains:
  - name: legacy
    addrs:
      - "tcp:127.0.0.1:9100"
    idle:
      max_idle_time: 60
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := c.Domains[0]
	if len(d.ResolvedSockets()) != 1 {
		t.Fatalf("expected legacy addrs to resolve, got %+v", d)
	}
	if d.Idle.Max != 60*time.Second {
		t.Fatalf("expected max_idle_time alias to set Idle.Max, got %v", d.Idle.Max)
	}
	if d.Idle.Min != 4*time.Second {
		t.Fatalf("expected default Idle.Min, got %v", d.Idle.Min)
	}
}

func TestDefaultIdleBoundsWhenOmitted(t *testing.T) {
	path := writeTempConfig(t, `
domains:
  - name: plain
    sockets: ["tcp:127.0.0.1:9200"]
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Domains[0].Idle != nil {
		t.Fatalf("expected nil Idle when omitted, got %+v", c.Domains[0].Idle)
	}
}

func TestToDomainConfigAppliesOverridesAndDefaults(t *testing.T) {
	dc := DomainConfig{
		Name:    "d1",
		Sockets: []SocketSpec{{Addr: "tcp:127.0.0.1:9300"}},
	}
	cfg, err := dc.ToDomainConfig(domain.DefaultConfig())
	if err != nil {
		t.Fatalf("ToDomainConfig: %v", err)
	}
	if cfg.Name != "d1" {
		t.Fatalf("expected name to carry over, got %q", cfg.Name)
	}
	if len(cfg.Sockets) != 1 || cfg.Sockets[0].Addr != "tcp:127.0.0.1:9300" {
		t.Fatalf("unexpected sockets: %+v", cfg.Sockets)
	}
	if cfg.ProtoMin == 0 || cfg.ProtoMax == 0 {
		t.Fatalf("expected default protocol range to carry over, got %+v", cfg)
	}
}

func TestApplyOverridesAddsCLIDomain(t *testing.T) {
	f := &Flags{Listen: []string{"tcp:127.0.0.1:9400+ux:/tmp/pafd.sock"}, MaxClients: 5, LogFilter: "warn"}
	c := &Config{}
	f.ApplyOverrides(c)

	if len(c.Domains) != 1 {
		t.Fatalf("expected one CLI-derived domain, got %d", len(c.Domains))
	}
	sockets := c.Domains[0].ResolvedSockets()
	if len(sockets) != 2 {
		t.Fatalf("expected '+'-joined addrs to split, got %+v", sockets)
	}
	if sockets[0].MaxClients != 5 {
		t.Fatalf("expected max-clients flag to propagate, got %d", sockets[0].MaxClients)
	}
	if c.Log.Filter != "warn" {
		t.Fatalf("expected log filter override, got %q", c.Log.Filter)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error loading missing file")
	}
}

func TestLoadDomainsDirMergesFragments(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
domains:
  - name: from-dir
    sockets: ["tcp:127.0.0.1:9500"]
`), 0o600); err != nil {
		t.Fatal(err)
	}
	merged, err := LoadDomainsDir(dir, nil)
	if err != nil {
		t.Fatalf("LoadDomainsDir: %v", err)
	}
	if len(merged) != 1 || merged[0].Name != "from-dir" {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
}

func TestLoadDomainsDirMissingIsNotError(t *testing.T) {
	merged, err := LoadDomainsDir(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	if err != nil {
		t.Fatalf("expected nil error for missing directory, got %v", err)
	}
	if merged != nil {
		t.Fatalf("expected nil result, got %+v", merged)
	}
}
