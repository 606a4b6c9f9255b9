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

// Package proto implements the wire format: framed JSON messages keyed
// by the field names proto.py defines (ta-cmd, ta-id, msg-type, ...),
// each command's interaction shape, and protocol version negotiation
// between a client's offered [min,max] range and the domain's
// configured range.
package proto

// Field names as they appear on the wire, matching proto.py's FIELD_*
// constants verbatim so the JSON codec and any packet capture line up
// with the reference implementation's vocabulary.
const (
	FieldTaCmd            = "ta-cmd"
	FieldTaID             = "ta-id"
	FieldMsgType          = "msg-type"
	FieldFailReason       = "fail-reason"
	FieldProtoMinVersion  = "protocol-min-version"
	FieldProtoMaxVersion  = "protocol-max-version"
	FieldProtoVersion     = "protocol-version"
	FieldServiceProps     = "service-props"
	FieldServiceID        = "service-id"
	FieldGeneration       = "generation"
	FieldTTL              = "ttl"
	FieldOrphanSince      = "orphan-since"
	FieldSubscriptionID   = "subscription-id"
	FieldFilter           = "filter"
	FieldClientID         = "client-id"
	FieldClientAddr       = "client-address"
	FieldTime             = "time"
	FieldMatchType        = "match-type"
	FieldIdle             = "idle"
	FieldLatency          = "latency"
)

// MsgType is the value of the "msg-type" field.
type MsgType string

const (
	MsgRequest  MsgType = "request"
	MsgAccept   MsgType = "accept"
	MsgNotify   MsgType = "notify"
	MsgInform   MsgType = "inform"
	MsgComplete MsgType = "complete"
	MsgFail     MsgType = "fail"
)

// MatchType is the value of the "match-type" field on a SUBSCRIBE
// notify frame.
type MatchType string

const (
	MatchAppeared    MatchType = "appeared"
	MatchModified    MatchType = "modified"
	MatchDisappeared MatchType = "disappeared"
)

// Cmd is the value of the "ta-cmd" field.
type Cmd string

const (
	CmdHello         Cmd = "hello"
	CmdPublish       Cmd = "publish"
	CmdUnpublish     Cmd = "unpublish"
	CmdSubscribe     Cmd = "subscribe"
	CmdUnsubscribe   Cmd = "unsubscribe"
	CmdSubscriptions Cmd = "subscriptions"
	CmdServices      Cmd = "services"
	CmdClients       Cmd = "clients"
	CmdPing          Cmd = "ping"
	CmdTrack         Cmd = "track"
)

// Shape describes a command's interaction pattern.
type Shape uint8

const (
	// SingleResponse: request -> complete-or-fail.
	SingleResponse Shape = iota
	// MultiResponse: request -> accept, then zero or more notify, then
	// complete (the listing commands complete once the listing is sent;
	// SUBSCRIBE completes when the subscription is unsubscribed).
	MultiResponse
	// TwoWay: request -> accept, then notify/inform exchanges in either
	// direction, with no complete in normal flow (TRACK, protocol v3
	// only).
	TwoWay
)

// MinVersion is the lowest command version at which a command is
// available; CmdTrack requires protocol version 3.
var MinVersion = map[Cmd]int{
	CmdTrack: 3,
}
