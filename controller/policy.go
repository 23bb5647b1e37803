package controller

import (
	"strconv"
	"strings"
)

// Key is a correlation key pairing a request with its response.
//
// Keys are comparable. WildcardKey matches the sole outstanding request.
type Key struct {
	value    string
	wildcard bool
}

// WildcardKey is the key of policies that correlate by order instead of content.
var WildcardKey = Key{wildcard: true}

// NewKey creates a content key.
func NewKey(value string) Key {
	return Key{value: value}
}

// IsWildcard reports whether k is WildcardKey.
func (k Key) IsWildcard() bool { return k.wildcard }

func (k Key) String() string {
	if k.wildcard {
		return "*"
	}

	return k.value
}

// KeyPolicy derives correlation keys from frames.
//
// A policy returning WildcardKey from SendKey allows a single outstanding request
// and matches any received frame against it. ok is false when the key can't be
// derived from the frame, e.g. the frame is shorter than a key index.
type KeyPolicy interface {
	// SendKey derives the key of an outbound request.
	SendKey(sent []byte) (key Key, ok bool)
	// ReceiveKey derives the key of an inbound frame.
	ReceiveKey(received []byte) (key Key, ok bool)
}

// FIFOPolicy correlates strictly one request at a time: the next response belongs to
// the oldest outstanding request. It is used for half-duplex links such as Modbus RTU.
type FIFOPolicy struct{}

var _ KeyPolicy = FIFOPolicy{}

func (FIFOPolicy) SendKey([]byte) (Key, bool)    { return WildcardKey, true }
func (FIFOPolicy) ReceiveKey([]byte) (Key, bool) { return WildcardKey, true }

// IndexPair names one byte position of a key field: Sent indexes the request frame
// and Received indexes the response frame.
type IndexPair struct {
	Sent     int
	Received int
}

// FieldMatchPolicy correlates by transaction fields scattered through the frame.
//
// Each group is a multi-byte field: its bytes are accumulated big-endian into one
// integer, from the request at the Sent indexes and from the response at the Received
// indexes. A response matches a request when every group yields the same integer.
//
// For Modbus TCP the transaction identifier is the single group {{0,0},{1,1}}.
type FieldMatchPolicy struct {
	Groups [][]IndexPair
}

var _ KeyPolicy = (*FieldMatchPolicy)(nil)

// NewFieldMatchPolicy creates a FieldMatchPolicy from key groups.
func NewFieldMatchPolicy(groups ...[]IndexPair) *FieldMatchPolicy {
	return &FieldMatchPolicy{Groups: groups}
}

func (p *FieldMatchPolicy) SendKey(sent []byte) (Key, bool) {
	return p.key(sent, func(ip IndexPair) int { return ip.Sent })
}

func (p *FieldMatchPolicy) ReceiveKey(received []byte) (Key, bool) {
	return p.key(received, func(ip IndexPair) int { return ip.Received })
}

func (p *FieldMatchPolicy) key(msg []byte, index func(IndexPair) int) (Key, bool) {
	var sb strings.Builder
	for _, group := range p.Groups {
		var acc uint64
		for _, pair := range group {
			idx := index(pair)
			if idx < 0 || idx >= len(msg) {
				return Key{}, false
			}
			acc = acc<<8 | uint64(msg[idx])
		}
		sb.WriteString(strconv.FormatUint(acc, 10))
		sb.WriteByte(' ')
	}

	return NewKey(sb.String()), true
}
