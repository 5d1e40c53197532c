package mutation

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

// Encoding labels. Text labels combine a case transform with an optional
// charset suffix, e.g. "uppercase/utf-16le".
const (
	Identity            = "identity"
	Reversed            = "reversed"
	Uppercase           = "uppercase"
	Lowercase           = "lowercase"
	LittleEndian        = "little-endian"
	Int16BE             = "int16-be"
	Int16LE             = "int16-le"
	Int32BE             = "int32-be"
	Int32LE             = "int32-le"
	Int64BE             = "int64-be"
	Int64LE             = "int64-le"
	Decimal             = "decimal"
	DecimalReversed     = "decimal-reversed"
	Hex                 = "hex"
	HexUpper            = "hex-upper"
	Octal               = "octal"
	PairSwapped         = "pair-swapped"
	PairSwappedReversed = "pair-swapped-reversed"
	NibbleSwapped       = "nibble-swapped"
	Base64              = "base64"
	Dotted              = "dotted"
	DottedPadded        = "dotted-padded"
	PackedPadded        = "packed-padded"
	DottedReversed      = "dotted-reversed"
	Inverted            = "inverted"
)

// encoder produces one mutation of a value or explains why it cannot.
type encoder func(v value.ReferenceValue) (*bits.Sequence, error)

type entry struct {
	label  string
	encode encoder
}

type charset struct {
	suffix string
	enc    encoding.Encoding
}

// textCharsets are applied to every text case transform; the empty suffix is
// plain UTF-8.
var textCharsets = []charset{
	{suffix: ""},
	{suffix: "utf-16le", enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)},
	{suffix: "utf-16be", enc: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)},
	{suffix: "latin1", enc: charmap.ISO8859_1},
	{suffix: "ebcdic", enc: charmap.CodePage037},
}

var textTransforms = []struct {
	label string
	apply func(string) string
}{
	{Identity, func(s string) string { return s }},
	{Reversed, reverseRunes},
	{Uppercase, strings.ToUpper},
	{Lowercase, strings.ToLower},
}

var catalogues = map[value.Kind][]entry{
	value.Text:     textCatalogue(),
	value.Integer:  integerCatalogue(),
	value.Raw:      rawCatalogue(),
	value.IPv4:     ipv4Catalogue(),
	value.BitField: bitFieldCatalogue(),
}

// catalogue returns the fixed encoding list for a kind. The switch is kept
// exhaustive so a new Kind fails loudly here.
func catalogue(k value.Kind) []entry {
	switch k {
	case value.Text, value.Integer, value.Raw, value.IPv4, value.BitField:
		return catalogues[k]
	default:
		panic(fmt.Sprintf("mutation: no catalogue for kind %d", k))
	}
}

// Labels lists the catalogue labels of a kind in generation order.
func Labels(k value.Kind) []string {
	c := catalogue(k)
	out := make([]string, len(c))
	for i, e := range c {
		out[i] = e.label
	}
	return out
}

// AllLabels is the union of every kind's labels, first-seen order.
func AllLabels() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range value.Kinds {
		for _, l := range Labels(k) {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// IsKnownLabel reports whether any catalogue defines label.
func IsKnownLabel(label string) bool {
	for _, l := range AllLabels() {
		if l == label {
			return true
		}
	}
	return false
}

func textCatalogue() []entry {
	var out []entry
	for _, tr := range textTransforms {
		for _, cs := range textCharsets {
			tr, cs := tr, cs
			label := tr.label
			if cs.suffix != "" {
				label += "/" + cs.suffix
			}
			out = append(out, entry{label: label, encode: func(v value.ReferenceValue) (*bits.Sequence, error) {
				s := tr.apply(v.Text())
				if cs.enc == nil {
					return bits.FromBytes([]byte(s)), nil
				}
				if !utf8.ValidString(s) {
					return nil, fmt.Errorf("text is not valid UTF-8")
				}
				b, err := cs.enc.NewEncoder().Bytes([]byte(s))
				if err != nil {
					return nil, err
				}
				return bits.FromBytes(b), nil
			}})
		}
	}
	return out
}

func fixedWidth(width int, little bool) encoder {
	return func(v value.ReferenceValue) (*bits.Sequence, error) {
		b, ok := v.IntBytes(width, little)
		if !ok {
			return nil, fmt.Errorf("%s does not fit in %d bytes", v.Literal(), width)
		}
		return bits.FromBytes(b), nil
	}
}

func asciiOf(render func(v value.ReferenceValue) string) encoder {
	return func(v value.ReferenceValue) (*bits.Sequence, error) {
		return bits.FromBytes([]byte(render(v))), nil
	}
}

func canonicalInt(v value.ReferenceValue) []byte {
	b, _ := v.IntBytes(v.Width(), false)
	return b
}

func integerCatalogue() []entry {
	return []entry{
		{Identity, fixedWidthCanonical(false)},
		{LittleEndian, fixedWidthCanonical(true)},
		{Int16BE, fixedWidth(2, false)},
		{Int16LE, fixedWidth(2, true)},
		{Int32BE, fixedWidth(4, false)},
		{Int32LE, fixedWidth(4, true)},
		{Int64BE, fixedWidth(8, false)},
		{Int64LE, fixedWidth(8, true)},
		{Decimal, asciiOf(func(v value.ReferenceValue) string { return v.FormatInt(10) })},
		{DecimalReversed, asciiOf(func(v value.ReferenceValue) string { return reverseRunes(v.FormatInt(10)) })},
		{Hex, asciiOf(func(v value.ReferenceValue) string { return hex.EncodeToString(canonicalInt(v)) })},
		{HexUpper, asciiOf(func(v value.ReferenceValue) string { return strings.ToUpper(hex.EncodeToString(canonicalInt(v))) })},
		{Octal, asciiOf(func(v value.ReferenceValue) string { return v.FormatInt(8) })},
	}
}

func fixedWidthCanonical(little bool) encoder {
	return func(v value.ReferenceValue) (*bits.Sequence, error) {
		return fixedWidth(v.Width(), little)(v)
	}
}

func rawBytes(transform func([]byte) []byte) encoder {
	return func(v value.ReferenceValue) (*bits.Sequence, error) {
		return bits.FromBytes(transform(v.RawBytes())), nil
	}
}

func rawCatalogue() []entry {
	return []entry{
		{Identity, rawBytes(func(b []byte) []byte { return b })},
		{Reversed, rawBytes(reverseBytes)},
		{PairSwapped, rawBytes(swapPairs)},
		{PairSwappedReversed, rawBytes(func(b []byte) []byte { return swapPairs(reverseBytes(b)) })},
		{NibbleSwapped, rawBytes(swapNibbles)},
		{Hex, rawBytes(func(b []byte) []byte { return []byte(hex.EncodeToString(b)) })},
		{HexUpper, rawBytes(func(b []byte) []byte { return []byte(strings.ToUpper(hex.EncodeToString(b))) })},
		{Base64, rawBytes(func(b []byte) []byte { return []byte(base64.StdEncoding.EncodeToString(b)) })},
	}
}

func octets(v value.ReferenceValue) [4]byte { return v.Addr().As4() }

func joinOctets(o [4]byte, format, sep string) string {
	parts := make([]string, 4)
	for i, b := range o {
		parts[i] = fmt.Sprintf(format, b)
	}
	return strings.Join(parts, sep)
}

func ipv4Catalogue() []entry {
	return []entry{
		{Identity, func(v value.ReferenceValue) (*bits.Sequence, error) {
			o := octets(v)
			return bits.FromBytes(o[:]), nil
		}},
		{LittleEndian, func(v value.ReferenceValue) (*bits.Sequence, error) {
			o := octets(v)
			return bits.FromBytes(reverseBytes(o[:])), nil
		}},
		{Dotted, asciiOf(func(v value.ReferenceValue) string { return joinOctets(octets(v), "%d", ".") })},
		{DottedPadded, asciiOf(func(v value.ReferenceValue) string { return joinOctets(octets(v), "%03d", ".") })},
		{PackedPadded, asciiOf(func(v value.ReferenceValue) string { return joinOctets(octets(v), "%03d", "") })},
		{DottedReversed, asciiOf(func(v value.ReferenceValue) string {
			o := octets(v)
			return joinOctets([4]byte{o[3], o[2], o[1], o[0]}, "%d", ".")
		})},
		{Hex, asciiOf(func(v value.ReferenceValue) string { return joinOctets(octets(v), "%02x", "") })},
	}
}

func bitFieldCatalogue() []entry {
	return []entry{
		{Identity, func(v value.ReferenceValue) (*bits.Sequence, error) { return v.Field(), nil }},
		{Reversed, func(v value.ReferenceValue) (*bits.Sequence, error) { return v.Field().Reverse(), nil }},
		{Inverted, func(v value.ReferenceValue) (*bits.Sequence, error) { return v.Field().Invert(), nil }},
	}
}

func reverseRunes(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

// swapPairs exchanges bytes 0<->1, 2<->3, ...; an odd trailing byte stays put.
func swapPairs(b []byte) []byte {
	out := append([]byte(nil), b...)
	for i := 0; i+1 < len(out); i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
	return out
}

func swapNibbles(b []byte) []byte {
	out := make([]byte, len(b))
	for i, x := range b {
		out[i] = x<<4 | x>>4
	}
	return out
}
