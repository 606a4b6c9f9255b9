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
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pafd/pafd/internal/props"
	"github.com/pafd/pafd/internal/xerrors"
)

// Message is one newline-framed JSON object on the wire. Field access
// goes through the typed Pull* helpers below rather than direct map
// indexing, the Go analogue of proto.py's Field.pull/put descriptors.
type Message map[string]interface{}

func New(cmd Cmd, taID uint64, mt MsgType) Message {
	return Message{
		FieldTaCmd:   string(cmd),
		FieldTaID:    taID,
		FieldMsgType: string(mt),
	}
}

func (m Message) Put(field string, val interface{}) Message {
	m[field] = val
	return m
}

func (m Message) Cmd() (Cmd, error) {
	s, err := m.PullString(FieldTaCmd)
	if err != nil {
		return "", err
	}
	return Cmd(s), nil
}

func (m Message) MsgType() (MsgType, error) {
	s, err := m.PullString(FieldMsgType)
	if err != nil {
		return "", err
	}
	return MsgType(s), nil
}

func (m Message) TaID() (uint64, error) {
	return m.PullUint(FieldTaID)
}

// PullString returns field as a string, or a protocol error if it is
// missing or not a string.
func (m Message) PullString(field string) (string, error) {
	v, ok := m[field]
	if !ok {
		return "", xerrors.Protocol(nil, "missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", xerrors.Protocol(nil, "field %q: expected string, got %T", field, v)
	}
	return s, nil
}

// PullOptString is PullString but returns ("", nil) if field is absent,
// for fields that only appear under some protocol versions.
func (m Message) PullOptString(field string) (string, error) {
	if _, ok := m[field]; !ok {
		return "", nil
	}
	return m.PullString(field)
}

// PullUint returns field as a non-negative integer up to 2^63-1, the
// ceiling spec.md places on ta-id and similar fields. JSON numbers
// decode as float64 by default, so this also rejects non-integral or
// out-of-range values instead of silently truncating them.
func (m Message) PullUint(field string) (uint64, error) {
	v, ok := m[field]
	if !ok {
		return 0, xerrors.Protocol(nil, "missing field %q", field)
	}
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(int64(n)) || n > (1<<63-1) {
			return 0, xerrors.Protocol(nil, "field %q: invalid integer %v", field, n)
		}
		return uint64(n), nil
	case json.Number:
		u, err := n.Int64()
		if err != nil || u < 0 {
			return 0, xerrors.Protocol(nil, "field %q: invalid integer %v", field, n)
		}
		return uint64(u), nil
	default:
		return 0, xerrors.Protocol(nil, "field %q: expected integer, got %T", field, v)
	}
}

func (m Message) PullOptUint(field string) (uint64, bool, error) {
	if _, ok := m[field]; !ok {
		return 0, false, nil
	}
	v, err := m.PullUint(field)
	return v, true, err
}

func (m Message) PullOptInt(field string) (int64, bool, error) {
	v, ok := m[field]
	if !ok {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false, xerrors.Protocol(nil, "field %q: expected integer, got %T", field, v)
	}
	return int64(f), true, nil
}

// PullProps decodes a service-props multiset: a JSON object mapping
// each key to an array of (string|int) values, mirroring proto.py's
// PropsField.from_wire. A JSON number with no fractional part decodes
// as an integer-kind Value; anything else numeric is a protocol error
// since the wire format has no float property values.
func (m Message) PullProps(field string) (props.Multiset, error) {
	v, ok := m[field]
	if !ok {
		return nil, xerrors.Protocol(nil, "missing field %q", field)
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, xerrors.Protocol(nil, "field %q: expected object, got %T", field, v)
	}
	out := make(props.Multiset, len(raw))
	for k, rv := range raw {
		arr, ok := rv.([]interface{})
		if !ok {
			return nil, xerrors.Protocol(nil, "field %q[%q]: expected array", field, k)
		}
		for _, e := range arr {
			switch t := e.(type) {
			case string:
				out.Add(k, props.String(t))
			case float64:
				if t != float64(int64(t)) {
					return nil, xerrors.Protocol(nil, "field %q[%q]: non-integer numeric value %v", field, k, t)
				}
				out.Add(k, props.Int(int64(t)))
			default:
				return nil, xerrors.Protocol(nil, "field %q[%q]: value is neither string nor integer", field, k)
			}
		}
	}
	return out, nil
}

// PutProps encodes a service-props multiset for an outbound message,
// the inverse of PullProps (proto.py's PropsField.to_wire).
func (m Message) PutProps(field string, p props.Multiset) {
	wire := make(map[string][]interface{}, len(p))
	for k, vals := range p {
		arr := make([]interface{}, len(vals))
		for i, v := range vals {
			if v.Kind == props.KindInt {
				arr[i] = v.Int
			} else {
				arr[i] = v.Str
			}
		}
		wire[k] = arr
	}
	m[field] = wire
}

// Reader decodes newline-delimited JSON messages off a stream
// connection, the framing scheme spec.md §6.1 specifies.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

func (r *Reader) ReadMessage() (Message, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	var m Message
	if jerr := json.Unmarshal(line, &m); jerr != nil {
		return nil, xerrors.Protocol(jerr, "malformed JSON frame")
	}
	return m, nil
}

// Writer encodes Messages as newline-delimited JSON.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteMessage(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return xerrors.Internal(err, "encoding message")
	}
	b = append(b, '\n')
	if _, err = w.w.Write(b); err != nil {
		return xerrors.Transport(err, "writing message")
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%v", map[string]interface{}(m))
}
