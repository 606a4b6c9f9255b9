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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	toml "github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// DefaultStarterConfig is a minimal but valid configuration: one domain
// listening on the loopback interface, a console logger, and generous
// default resource caps. WriteStarter renders it in whatever format the
// destination file's extension asks for.
func DefaultStarterConfig() *Config {
	return &Config{
		Log: LogConfig{Console: true, Filter: "info"},
		Domains: []DomainConfig{{
			Name:    "default",
			Sockets: []SocketSpec{{Addr: "tcp:127.0.0.1:8888"}},
		}},
		Resources: ResourcesConfig{
			User:  ResourceClassLimits{Clients: 100, Services: 1000, Subscriptions: 1000},
			Total: ResourceClassLimits{Clients: 10000, Services: 100000, Subscriptions: 100000},
		},
	}
}

// DefaultStarterPath returns "~/.pafd.yaml", mirroring the teacher's
// cobra/configure.go home-directory default (there: "~/.<pkg>.json"; a
// long-running daemon's natural default format is yaml, matching the
// rest of spec.md §6).
func DefaultStarterPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".pafd.yaml"), nil
}

// WriteStarter writes cfg to path in yaml, json, or toml, sniffed from
// path's extension (yaml for .yaml, .yml or no extension, toml for
// .toml or .tml, json for any other extension), the same
// format-by-extension convention as
// cobra.ConfigureWriteConfig. yaml.Marshal is the canonical rendering
// (it honors Config's "yaml:" tags); json and toml are derived from it
// via an intermediate map so every format uses the same lowercase
// "log"/"domains"/"resources" keys Load expects. The file is created
// with mode 0600 since it may carry TLS key paths.
func WriteStarter(path string, cfg *Config) error {
	canonical, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling starter config: %w", err)
	}

	var out []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		out = canonical
	default:
		mod := make(map[string]interface{})
		if err := yaml.Unmarshal(canonical, &mod); err != nil {
			return fmt.Errorf("config: re-reading starter config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml", ".tml":
			if out, err = toml.Marshal(mod); err != nil {
				return fmt.Errorf("config: marshaling starter config as toml: %w", err)
			}
		default:
			if out, err = json.MarshalIndent(mod, "", "  "); err != nil {
				return fmt.Errorf("config: marshaling starter config as json: %w", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
