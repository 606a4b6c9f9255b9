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

import "strings"

type SyslogFacility uint8

const (
	FacilityUser SyslogFacility = iota
	FacilityDaemon
	FacilityLocal0
	FacilityLocal1
	FacilityLocal2
	FacilityLocal3
	FacilityLocal4
	FacilityLocal5
	FacilityLocal6
	FacilityLocal7
)

// FacilityNames mirrors conf.py's FACILITY_NAMES lookup table so the
// config file accepts the same facility names the original daemon does.
var FacilityNames = map[string]SyslogFacility{
	"user":   FacilityUser,
	"daemon": FacilityDaemon,
	"local0": FacilityLocal0,
	"local1": FacilityLocal1,
	"local2": FacilityLocal2,
	"local3": FacilityLocal3,
	"local4": FacilityLocal4,
	"local5": FacilityLocal5,
	"local6": FacilityLocal6,
	"local7": FacilityLocal7,
}

func ParseFacility(s string) SyslogFacility {
	if f, ok := FacilityNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f
	}
	return FacilityDaemon
}
