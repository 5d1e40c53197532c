// Package value is the typed-value model: it normalizes caller input into a
// ReferenceValue and serializes it to its canonical bit sequence.
package value

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
)

// Kind is the closed set of domain kinds a reference value can carry.
type Kind int

const (
	Text Kind = iota + 1
	Integer
	Raw
	IPv4
	BitField
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{Text, Integer, Raw, IPv4, BitField}

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Integer:
		return "int"
	case Raw:
		return "raw"
	case IPv4:
		return "ipv4"
	case BitField:
		return "bits"
	default:
		return "unknown"
	}
}

// ParseKind maps the textual kind used by the CLI and wire formats.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, &InvalidInputError{Reason: fmt.Sprintf("unknown kind %q", s)}
}

// InvalidInputError reports a value that cannot be normalized.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return "invalid reference value: " + e.Reason }

// ReferenceValue is a normalized, immutable typed value.
type ReferenceValue struct {
	kind Kind

	text string
	raw  []byte
	addr netip.Addr
	seq  *bits.Sequence

	// integers keep magnitude and sign so the full uint64 and int64 ranges fit
	mag uint64
	neg bool
}

// NewText builds a text value. Empty text is rejected.
func NewText(s string) (ReferenceValue, error) {
	if s == "" {
		return ReferenceValue{}, &InvalidInputError{Reason: "empty text"}
	}
	return ReferenceValue{kind: Text, text: s}, nil
}

// NewInt builds a signed integer value.
func NewInt(v int64) ReferenceValue {
	if v < 0 {
		return ReferenceValue{kind: Integer, mag: uint64(-(v + 1)) + 1, neg: true}
	}
	return ReferenceValue{kind: Integer, mag: uint64(v)}
}

// NewUint builds an unsigned integer value.
func NewUint(v uint64) ReferenceValue {
	return ReferenceValue{kind: Integer, mag: v}
}

// NewRaw builds a raw byte value; b is copied. Empty input is rejected.
func NewRaw(b []byte) (ReferenceValue, error) {
	if len(b) == 0 {
		return ReferenceValue{}, &InvalidInputError{Reason: "empty raw value"}
	}
	return ReferenceValue{kind: Raw, raw: append([]byte(nil), b...)}, nil
}

// NewIPv4 builds an address value; IPv4-mapped IPv6 addresses are unmapped.
func NewIPv4(a netip.Addr) (ReferenceValue, error) {
	a = a.Unmap()
	if !a.Is4() {
		return ReferenceValue{}, &InvalidInputError{Reason: fmt.Sprintf("%s is not an IPv4 address", a)}
	}
	return ReferenceValue{kind: IPv4, addr: a}, nil
}

// NewBitField wraps an explicit bit sequence.
func NewBitField(s *bits.Sequence) (ReferenceValue, error) {
	if s.Len() == 0 {
		return ReferenceValue{}, &InvalidInputError{Reason: "empty bit field"}
	}
	if err := s.Validate(); err != nil {
		return ReferenceValue{}, &InvalidInputError{Reason: err.Error()}
	}
	return ReferenceValue{kind: BitField, seq: s}, nil
}

// Normalize converts arbitrary caller input into a ReferenceValue.
func Normalize(raw any) (ReferenceValue, error) {
	switch v := raw.(type) {
	case nil:
		return ReferenceValue{}, &InvalidInputError{Reason: "value is absent"}
	case ReferenceValue:
		if v.kind == 0 {
			return ReferenceValue{}, &InvalidInputError{Reason: "zero reference value"}
		}
		return v, nil
	case string:
		return NewText(v)
	case []byte:
		return NewRaw(v)
	case int:
		return NewInt(int64(v)), nil
	case int8:
		return NewInt(int64(v)), nil
	case int16:
		return NewInt(int64(v)), nil
	case int32:
		return NewInt(int64(v)), nil
	case int64:
		return NewInt(v), nil
	case uint:
		return NewUint(uint64(v)), nil
	case uint8:
		return NewUint(uint64(v)), nil
	case uint16:
		return NewUint(uint64(v)), nil
	case uint32:
		return NewUint(uint64(v)), nil
	case uint64:
		return NewUint(v), nil
	case netip.Addr:
		return NewIPv4(v)
	case net.IP:
		a, ok := netip.AddrFromSlice(v)
		if !ok {
			return ReferenceValue{}, &InvalidInputError{Reason: "malformed net.IP"}
		}
		return NewIPv4(a)
	case *bits.Sequence:
		return NewBitField(v)
	default:
		return ReferenceValue{}, &InvalidInputError{Reason: fmt.Sprintf("unsupported type %T", raw)}
	}
}

// Parse builds a value from a kind name and a literal, as received by the CLI,
// HTTP and NATS surfaces. raw literals are hex, bits literals are binary.
func Parse(kind, literal string) (ReferenceValue, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return ReferenceValue{}, err
	}
	switch k {
	case Text:
		return NewText(literal)
	case Integer:
		return parseInt(literal)
	case Raw:
		b, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(literal, " ", ""), "0x"))
		if err != nil {
			return ReferenceValue{}, &InvalidInputError{Reason: "raw literal: " + err.Error()}
		}
		return NewRaw(b)
	case IPv4:
		a, err := netip.ParseAddr(literal)
		if err != nil {
			return ReferenceValue{}, &InvalidInputError{Reason: err.Error()}
		}
		return NewIPv4(a)
	case BitField:
		s, err := bits.Parse(literal)
		if err != nil {
			return ReferenceValue{}, &InvalidInputError{Reason: err.Error()}
		}
		return NewBitField(s)
	}
	return ReferenceValue{}, &InvalidInputError{Reason: "unhandled kind " + k.String()}
}

func parseInt(literal string) (ReferenceValue, error) {
	s := strings.TrimSpace(literal)
	if s == "" {
		return ReferenceValue{}, &InvalidInputError{Reason: "empty integer literal"}
	}
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return ReferenceValue{}, &InvalidInputError{Reason: err.Error()}
		}
		return NewInt(v), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return ReferenceValue{}, &InvalidInputError{Reason: err.Error()}
	}
	return NewUint(v), nil
}

// Kind returns the domain kind.
func (v ReferenceValue) Kind() Kind { return v.kind }

// Text returns the text payload (Text kind only).
func (v ReferenceValue) Text() string { return v.text }

// RawBytes returns a copy of the raw payload (Raw kind only).
func (v ReferenceValue) RawBytes() []byte { return append([]byte(nil), v.raw...) }

// Addr returns the IPv4 address (IPv4 kind only).
func (v ReferenceValue) Addr() netip.Addr { return v.addr }

// Field returns the explicit bit sequence (BitField kind only).
func (v ReferenceValue) Field() *bits.Sequence { return v.seq }

// Negative reports whether an Integer value is below zero.
func (v ReferenceValue) Negative() bool { return v.neg }

// Fits reports whether the integer is representable in width bytes, unsigned
// for non-negative values and two's complement otherwise.
func (v ReferenceValue) Fits(width int) bool {
	w := uint(width * 8)
	if w >= 64 {
		return !v.neg || v.mag <= 1<<63
	}
	if v.neg {
		return v.mag <= 1<<(w-1)
	}
	return v.mag < 1<<w
}

// IntBytes renders the integer in width bytes. ok is false when the value does
// not fit.
func (v ReferenceValue) IntBytes(width int, littleEndian bool) (b []byte, ok bool) {
	if !v.Fits(width) {
		return nil, false
	}
	u := v.mag
	if v.neg {
		u = ^v.mag + 1
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	b = append([]byte(nil), buf[8-width:]...)
	if littleEndian {
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	}
	return b, true
}

// Width is the smallest of 1, 2, 4 and 8 bytes that holds the integer.
func (v ReferenceValue) Width() int {
	for _, w := range []int{1, 2, 4} {
		if v.Fits(w) {
			return w
		}
	}
	return 8
}

// FormatInt renders the integer in the given base (2..36), with a leading '-'
// for negative values.
func (v ReferenceValue) FormatInt(base int) string {
	s := strconv.FormatUint(v.mag, base)
	if v.neg {
		return "-" + s
	}
	return s
}

// Bits serializes the value to its canonical bit sequence.
func (v ReferenceValue) Bits() *bits.Sequence {
	switch v.kind {
	case Text:
		return bits.FromBytes([]byte(v.text))
	case Integer:
		b, _ := v.IntBytes(v.Width(), false)
		return bits.FromBytes(b)
	case Raw:
		return bits.FromBytes(v.raw)
	case IPv4:
		a := v.addr.As4()
		return bits.FromBytes(a[:])
	case BitField:
		return v.seq
	}
	return nil
}

// Literal renders the value the way Parse reads it back.
func (v ReferenceValue) Literal() string {
	switch v.kind {
	case Text:
		return v.text
	case Integer:
		return v.FormatInt(10)
	case Raw:
		return hex.EncodeToString(v.raw)
	case IPv4:
		return v.addr.String()
	case BitField:
		return strings.ReplaceAll(v.seq.String(), " ", "")
	}
	return ""
}

func (v ReferenceValue) String() string {
	return fmt.Sprintf("%s(%s)", v.kind, v.Literal())
}
