//go:build !windows

/*
MIT License

Copyright (c) 2021 Nicolas JUHEL
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
	"log/syslog"

	"github.com/sirupsen/logrus"
)

func facilityPriority(f SyslogFacility) syslog.Priority {
	switch f {
	case FacilityUser:
		return syslog.LOG_USER
	case FacilityLocal0:
		return syslog.LOG_LOCAL0
	case FacilityLocal1:
		return syslog.LOG_LOCAL1
	case FacilityLocal2:
		return syslog.LOG_LOCAL2
	case FacilityLocal3:
		return syslog.LOG_LOCAL3
	case FacilityLocal4:
		return syslog.LOG_LOCAL4
	case FacilityLocal5:
		return syslog.LOG_LOCAL5
	case FacilityLocal6:
		return syslog.LOG_LOCAL6
	case FacilityLocal7:
		return syslog.LOG_LOCAL7
	default:
		return syslog.LOG_DAEMON
	}
}

// syslogHook is a logrus.Hook writing every fired entry to the local
// syslog daemon at a priority derived from the entry's level and the
// configured facility.
type syslogHook struct {
	w *syslog.Writer
}

func newSyslogHook(tag string, facility SyslogFacility) (*syslogHook, error) {
	w, err := syslog.New(facilityPriority(facility)|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return &syslogHook{w: w}, nil
}

func (h *syslogHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *syslogHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}

	switch e.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.w.Crit(line)
	case logrus.ErrorLevel:
		return h.w.Err(line)
	case logrus.WarnLevel:
		return h.w.Warning(line)
	case logrus.DebugLevel:
		return h.w.Debug(line)
	default:
		return h.w.Info(line)
	}
}
