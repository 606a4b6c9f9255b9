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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DomainsDirEnv and DefaultDomainsDir name the directory-based domain
// source SPEC_FULL.md §4 adds on top of the single YAML file: every
// "*.yaml"/"*.yml" file dropped there contributes one or more
// "domains[]" entries, the same way the original daemon picks up a
// conf.d-style snippet directory.
const (
	DomainsDirEnv     = "PAF_DOMAINS"
	DefaultDomainsDir = "/run/paf/domains.d"
)

// DomainsDir resolves which directory to read: $PAF_DOMAINS if set,
// else the compiled-in default.
func DomainsDir() string {
	if d := os.Getenv(DomainsDirEnv); d != "" {
		return d
	}
	return DefaultDomainsDir
}

// LoadDomainsDir reads every *.yaml/*.yml file in dir (sorted by name)
// and appends their "domains[]" entries onto base. A missing directory
// is not an error, since the feature is optional.
func LoadDomainsDir(dir string, base []DomainConfig) ([]DomainConfig, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("config: reading domains dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := base
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return base, fmt.Errorf("config: reading %s: %w", name, err)
		}
		var frag struct {
			Domains []DomainConfig `yaml:"domains"`
		}
		if err := yaml.Unmarshal(b, &frag); err != nil {
			return base, fmt.Errorf("config: parsing %s: %w", name, err)
		}
		out = append(out, frag.Domains...)
	}
	return out, nil
}

// WatchDomainsDir watches dir for create/write/remove/rename events and
// invokes reload whenever one fires, until stop is closed. Errors from
// the watcher are logged and do not terminate the loop, mirroring how
// config reload failures elsewhere in the daemon are non-fatal.
func WatchDomainsDir(dir string, log *logrus.Entry, stop <-chan struct{}, reload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: starting domains watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.WithField("file", ev.Name).Debug("domains directory changed, reloading")
				reload()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(werr).Warn("domains watcher error")
			}
		}
	}()
	return nil
}
