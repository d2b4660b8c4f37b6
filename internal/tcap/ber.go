// Package tcap is the telecom-side transport: an SCTP/M3UA/SCCP stack
// carrying TCAP dialogs, exposed to the gateway as cap.Dialog instances
// with asynchronous component delivery through cap.DialogHandler.
package tcap

import (
	"errors"
	"fmt"
)

// tlv is one BER element. Tag holds the full identifier octets including
// class and constructed bits; Value is the raw content.
type tlv struct {
	tag   uint32
	value []byte
}

// constructed reports whether the element is a constructed type.
func (t tlv) constructed() bool {
	first := t.tag
	for first > 0xff {
		first >>= 8
	}
	return first&0x20 != 0
}

// tagNumber returns the tag number without class bits, handling the
// high-tag-number form used by CAP context tags above 30.
func (t tlv) tagNumber() int {
	if t.tag <= 0xff {
		return int(t.tag & 0x1f)
	}
	return int(t.tag & 0x7f)
}

var errTruncated = errors.New("truncated element")

// parseTLV reads one element from b and returns it with the remaining
// bytes. Indefinite lengths are rejected, TCAP on SS7 never uses them.
func parseTLV(b []byte) (tlv, []byte, error) {
	if len(b) < 2 {
		return tlv{}, nil, errTruncated
	}
	tag := uint32(b[0])
	idx := 1
	if b[0]&0x1f == 0x1f {
		if len(b) < 3 {
			return tlv{}, nil, errTruncated
		}
		if b[1]&0x80 != 0 {
			return tlv{}, nil, fmt.Errorf("tag longer than two octets")
		}
		tag = tag<<8 | uint32(b[1])
		idx = 2
	}

	if idx >= len(b) {
		return tlv{}, nil, errTruncated
	}
	length := int(b[idx])
	idx++
	if length == 0x80 {
		return tlv{}, nil, fmt.Errorf("indefinite length not supported")
	}
	if length > 0x80 {
		n := length & 0x7f
		if n > 3 || idx+n > len(b) {
			return tlv{}, nil, errTruncated
		}
		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(b[idx+i])
		}
		idx += n
	}
	if idx+length > len(b) {
		return tlv{}, nil, errTruncated
	}
	return tlv{tag: tag, value: b[idx : idx+length]}, b[idx+length:], nil
}

// parseTLVs reads a full sequence of sibling elements.
func parseTLVs(b []byte) ([]tlv, error) {
	var out []tlv
	for len(b) > 0 {
		el, rest, err := parseTLV(b)
		if err != nil {
			return nil, err
		}
		out = append(out, el)
		b = rest
	}
	return out, nil
}

// child returns the first child of a constructed element with the given
// tag number, ignoring class bits.
func (t tlv) child(tagNumber int) (tlv, bool) {
	children, err := parseTLVs(t.value)
	if err != nil {
		return tlv{}, false
	}
	for _, c := range children {
		if c.tagNumber() == tagNumber {
			return c, true
		}
	}
	return tlv{}, false
}

// intValue decodes the content as a big-endian signed-free integer. CAP
// never carries negative values in the fields the gateway reads.
func (t tlv) intValue() int {
	v := 0
	for _, b := range t.value {
		v = v<<8 | int(b)
	}
	return v
}

// appendTLV writes one element. Tags above 0xff are emitted as two
// identifier octets.
func appendTLV(dst []byte, tag uint32, value []byte) []byte {
	if tag > 0xff {
		dst = append(dst, byte(tag>>8), byte(tag))
	} else {
		dst = append(dst, byte(tag))
	}
	n := len(value)
	switch {
	case n < 0x80:
		dst = append(dst, byte(n))
	case n <= 0xff:
		dst = append(dst, 0x81, byte(n))
	default:
		dst = append(dst, 0x82, byte(n>>8), byte(n))
	}
	return append(dst, value...)
}

// berInt encodes a non-negative integer with minimal content octets.
func berInt(v int) []byte {
	if v == 0 {
		return []byte{0}
	}
	var out []byte
	for v > 0 {
		out = append([]byte{byte(v)}, out...)
		v >>= 8
	}
	if out[0]&0x80 != 0 {
		out = append([]byte{0}, out...)
	}
	return out
}
