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

package proto

import (
	"fmt"

	hcversion "github.com/hashicorp/go-version"
	"github.com/pafd/pafd/internal/xerrors"
)

// MinSupported and MaxSupported bound the protocol versions this
// daemon implements: v2 (no TRACK) and v3 (adds TRACK, idle/latency
// CLIENTS attributes, drops TCP keep-alive in favor of TRACK).
const (
	MinSupported = 2
	MaxSupported = 3
)

// VersionRange is a contiguous [Min,Max] protocol version range, as
// offered by a HELLO request or configured as a domain's limit.
type VersionRange struct {
	Min int
	Max int
}

func toHC(v int) *hcversion.Version {
	// go-version parses dotted semantic versions; wire protocol
	// versions are single integers, so treat "N" as "N.0.0" purely to
	// reuse go-version's comparison operators instead of hand-rolling
	// integer min/max.
	ver, err := hcversion.NewVersion(fmt.Sprintf("%d.0.0", v))
	if err != nil {
		// Unreachable for any int >= 0; fall back defensively.
		ver, _ = hcversion.NewVersion("0.0.0")
	}
	return ver
}

// Negotiate intersects the client's offered range with the domain's
// configured range and returns the highest mutually supported version.
// Mirrors conf.py's ProtoVersionLimitConf.get_highest_allowed.
func Negotiate(client, domain VersionRange) (int, error) {
	loMax := toHC(client.Min)
	if toHC(domain.Min).GreaterThan(loMax) {
		loMax = toHC(domain.Min)
	}

	hiMin := toHC(client.Max)
	if toHC(domain.Max).LessThan(hiMin) {
		hiMin = toHC(domain.Max)
	}

	if loMax.GreaterThan(hiMin) {
		return 0, xerrors.Transaction(xerrors.ReasonUnsupportedProtocol,
			"no overlap between client range [%d,%d] and domain range [%d,%d]",
			client.Min, client.Max, domain.Min, domain.Max)
	}

	return hiMin.Segments()[0], nil
}
