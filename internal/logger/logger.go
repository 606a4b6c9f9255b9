/*
MIT License

Copyright (c) 2019 Nicolas JUHEL
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

package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Category groups log entries by subsystem, the structured-field
// replacement for the original daemon's LogCategory enum (CORE,
// PROTOCOL, CONNECTION, SUBSCRIPTION).
type Category string

const (
	CategoryCore         Category = "core"
	CategoryProtocol     Category = "protocol"
	CategoryConnection   Category = "connection"
	CategorySubscription Category = "subscription"
)

// Config mirrors conf.py's LogConf: any combination of console, a
// rotating file, and syslog can be active simultaneously.
type Config struct {
	Console        bool
	Filter         Level
	LogFile        string
	LogFileBackup  int
	LogFileMaxSize int64
	Syslog         bool
	SyslogTag      string
	Facility       SyslogFacility
}

func DefaultConfig() Config {
	return Config{
		Console:        true,
		Filter:         InfoLevel,
		Syslog:         true,
		SyslogTag:      fmt.Sprintf("pafd[%d]: ", os.Getpid()),
		Facility:       FacilityDaemon,
		LogFileMaxSize: 10 * 1024 * 1024,
		LogFileBackup:  4,
	}
}

// closers tracks hooks that hold an OS resource so Close can release
// them on shutdown or config reload.
type closers struct {
	list []interface{ Close() error }
}

func (c *closers) add(x interface{ Close() error }) { c.list = append(c.list, x) }

func (c *closers) Close() {
	for _, x := range c.list {
		_ = x.Close()
	}
}

// New builds a *logrus.Logger wired according to cfg, plus a closer
// that must be invoked on shutdown to flush/release file and syslog
// handles.
func New(cfg Config) (*logrus.Logger, *closers, error) {
	log := logrus.New()
	log.SetLevel(cfg.Filter.Logrus())
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if !cfg.Console {
		log.SetOutput(nowhere{})
	}

	c := &closers{}

	if cfg.LogFile != "" {
		h, err := newRotateFileHook(cfg.LogFile, cfg.LogFileMaxSize, cfg.LogFileBackup)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: opening log file: %w", err)
		}
		log.AddHook(h)
		c.add(h)
	}

	if cfg.Syslog {
		h, err := newSyslogHook(cfg.SyslogTag, cfg.Facility)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: dialing syslog: %w", err)
		}
		log.AddHook(h)
		c.add(h)
	}

	return log, c, nil
}

// WithCategory returns a logrus.FieldLogger tagged with the given
// subsystem category.
func WithCategory(log logrus.FieldLogger, cat Category) *logrus.Entry {
	return log.WithField("category", string(cat))
}

type nowhere struct{}

func (nowhere) Write(p []byte) (int, error) { return len(p), nil }
