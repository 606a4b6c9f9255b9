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
)

func TestWriteStarterYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pafd.yaml")
	if err := WriteStarter(path, DefaultStarterConfig()); err != nil {
		t.Fatalf("WriteStarter: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load written starter config: %v", err)
	}
	if len(c.Domains) != 1 || c.Domains[0].Name != "default" {
		t.Fatalf("unexpected starter domains: %+v", c.Domains)
	}
}

func TestWriteStarterTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pafd.toml")
	if err := WriteStarter(path, DefaultStarterConfig()); err != nil {
		t.Fatalf("WriteStarter: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written toml: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty toml output")
	}
}

func TestWriteStarterJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pafd.json")
	if err := WriteStarter(path, DefaultStarterConfig()); err != nil {
		t.Fatalf("WriteStarter: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat written json: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
}
