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
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Flags mirrors the original daemon's command-line switches: -m for a
// one-off listen address (repeatable, "+"-joined in a single flag also
// accepted for compatibility with existing init scripts), -c for a
// per-socket client cap, -l for the log filter, -f for the YAML
// config file path.
type Flags struct {
	ConfigFile string
	Listen     []string
	MaxClients int
	LogFilter  string
	HookAddr   string
}

// BindFlags registers the daemon's flags on cmd, following the
// teacher's cobra usage of binding directly onto *cobra.Command's
// pflag.FlagSet rather than a separate viper layer.
func BindFlags(cmd *cobra.Command, f *Flags) {
	cmd.Flags().StringVarP(&f.ConfigFile, "config", "f", "", "path to the YAML configuration file")
	cmd.Flags().StringSliceVarP(&f.Listen, "listen", "m", nil, "listen address (tcp:/tls:/ux:), repeatable; also accepts '+'-joined lists")
	cmd.Flags().IntVarP(&f.MaxClients, "max-clients", "c", 0, "maximum concurrent clients per socket added via -m (0 = unlimited)")
	cmd.Flags().StringVarP(&f.LogFilter, "log-filter", "l", "", "log level: panic|fatal|error|warn|info|debug")
	cmd.Flags().StringVar(&f.HookAddr, "hook-addr", "", "unix socket to notify with a one-line JSON message once every domain is listening")
}

// ListenAddrs splits any "+"-joined entries in f.Listen, the legacy
// single-flag-multiple-address form conf.py's -m switch accepted.
func (f *Flags) ListenAddrs() []string {
	var out []string
	for _, entry := range f.Listen {
		out = append(out, strings.Split(entry, "+")...)
	}
	return out
}

// ApplyOverrides folds CLI flags onto a loaded Config: -m/-c add (or
// become, if no config file was given) an anonymous domain, -l
// overrides the log filter. Flags always win over the file, matching
// conf.py's precedence of command line over configuration file.
func (f *Flags) ApplyOverrides(c *Config) {
	if f.LogFilter != "" {
		c.Log.Filter = f.LogFilter
	}

	addrs := f.ListenAddrs()
	if len(addrs) == 0 {
		return
	}

	sockets := make([]SocketSpec, 0, len(addrs))
	for _, a := range addrs {
		sockets = append(sockets, SocketSpec{Addr: a, MaxClients: f.MaxClients})
	}

	name := "cli-" + strconv.Itoa(len(c.Domains))
	c.Domains = append(c.Domains, DomainConfig{
		Name:    name,
		Sockets: sockets,
	})
}
