package bits

import (
	"errors"
	"fmt"
	"strings"
)

// Sequence is an immutable ordered run of bits. Bits are stored MSB-first inside
// each byte, so byte 0x80 reads as 1000 0000. A nil *Sequence means "absent";
// the zero value is a valid empty sequence.
type Sequence struct {
	data []byte
	n    int
}

// ErrMalformed is returned by Validate when the internal layout is inconsistent.
var ErrMalformed = errors.New("bits: malformed sequence")

// FromBytes returns the bit view of b (8 bits per byte). b is copied.
func FromBytes(b []byte) *Sequence {
	data := make([]byte, len(b))
	copy(data, b)
	return &Sequence{data: data, n: len(b) * 8}
}

// FromBools packs a slice of booleans, true meaning 1.
func FromBools(v []bool) *Sequence {
	data := make([]byte, (len(v)+7)/8)
	for i, set := range v {
		if set {
			data[i/8] |= 0x80 >> (i % 8)
		}
	}
	return &Sequence{data: data, n: len(v)}
}

// Parse reads a binary literal such as "1010 1100". Whitespace and underscores
// are ignored; any other rune is rejected.
func Parse(s string) (*Sequence, error) {
	v := make([]bool, 0, len(s))
	for i, r := range s {
		switch r {
		case '0':
			v = append(v, false)
		case '1':
			v = append(v, true)
		case ' ', '\t', '\n', '_':
		default:
			return nil, fmt.Errorf("bits: invalid rune %q at %d", r, i)
		}
	}
	return FromBools(v), nil
}

// MustParse is Parse for literals known to be valid (tests, tables).
func MustParse(s string) *Sequence {
	seq, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return seq
}

// Len returns the number of bits.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return s.n
}

// At returns bit i as 0 or 1. It panics when i is out of range, like a slice index.
func (s *Sequence) At(i int) byte {
	if i < 0 || i >= s.n {
		panic(fmt.Sprintf("bits: index %d out of range [0,%d)", i, s.n))
	}
	return (s.data[i/8] >> (7 - uint(i%8))) & 1
}

// Bytes returns a copy of the packed representation; trailing bits of the last
// byte are zero.
func (s *Sequence) Bytes() []byte {
	if s == nil {
		return nil
	}
	out := make([]byte, (s.n+7)/8)
	copy(out, s.data)
	if r := s.n % 8; r != 0 {
		out[len(out)-1] &= 0xFF << (8 - uint(r))
	}
	return out
}

// ByteAligned reports whether the length is a multiple of 8.
func (s *Sequence) ByteAligned() bool { return s.Len()%8 == 0 }

// Equal compares length and content.
func (s *Sequence) Equal(o *Sequence) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i := 0; i < s.Len(); i++ {
		if s.At(i) != o.At(i) {
			return false
		}
	}
	return true
}

// Slice returns bits [start, end) as a new sequence.
func (s *Sequence) Slice(start, end int) *Sequence {
	if start < 0 || end > s.Len() || start > end {
		panic(fmt.Sprintf("bits: slice [%d:%d] out of range [0,%d]", start, end, s.Len()))
	}
	v := make([]bool, end-start)
	for i := range v {
		v[i] = s.At(start+i) == 1
	}
	return FromBools(v)
}

// Reverse returns the sequence with bit order reversed.
func (s *Sequence) Reverse() *Sequence {
	v := make([]bool, s.Len())
	for i := range v {
		v[i] = s.At(s.Len()-1-i) == 1
	}
	return FromBools(v)
}

// Invert returns the bitwise complement.
func (s *Sequence) Invert() *Sequence {
	v := make([]bool, s.Len())
	for i := range v {
		v[i] = s.At(i) == 0
	}
	return FromBools(v)
}

// Validate checks that the packed buffer can hold n bits.
func (s *Sequence) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil", ErrMalformed)
	}
	if s.n < 0 || s.n > len(s.data)*8 {
		return fmt.Errorf("%w: %d bits in %d bytes", ErrMalformed, s.n, len(s.data))
	}
	return nil
}

// String renders the bits as 0/1 runes grouped by byte.
func (s *Sequence) String() string {
	if s == nil {
		return "<nil>"
	}
	var sb strings.Builder
	for i := 0; i < s.n; i++ {
		if i > 0 && i%8 == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('0' + s.At(i))
	}
	return sb.String()
}
