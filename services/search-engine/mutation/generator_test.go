package mutation

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

func mustText(t *testing.T, s string) value.ReferenceValue {
	t.Helper()
	v, err := value.NewText(s)
	require.NoError(t, err)
	return v
}

func newGen(t *testing.T, labels ...string) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{EnabledEncodings: labels}, nil)
	require.NoError(t, err)
	return g
}

func TestExpandTextSubset(t *testing.T) {
	g := newGen(t, Identity, Uppercase, Reversed)
	x, err := g.Expand(mustText(t, "admin"))
	require.NoError(t, err)
	require.Equal(t, []string{Identity, Reversed, Uppercase}, x.Labels())
	assert.Empty(t, x.Skipped)

	up, ok := x.Lookup(Uppercase)
	require.True(t, ok)
	assert.Equal(t, []byte("ADMIN"), up.Bits.Bytes())
	rev, _ := x.Lookup(Reversed)
	assert.Equal(t, []byte("nimda"), rev.Bits.Bytes())
}

func TestExpandTextCharsets(t *testing.T) {
	g := newGen(t, "identity/utf-16le", "identity/utf-16be", "identity/ebcdic", "identity/latin1")
	x, err := g.Expand(mustText(t, "AB"))
	require.NoError(t, err)

	le, _ := x.Lookup("identity/utf-16le")
	assert.Equal(t, []byte{'A', 0, 'B', 0}, le.Bits.Bytes())
	be, _ := x.Lookup("identity/utf-16be")
	assert.Equal(t, []byte{0, 'A', 0, 'B'}, be.Bits.Bytes())
	eb, _ := x.Lookup("identity/ebcdic")
	assert.Equal(t, []byte{0xC1, 0xC2}, eb.Bits.Bytes())
	l1, _ := x.Lookup("identity/latin1")
	assert.Equal(t, []byte("AB"), l1.Bits.Bytes())
}

func TestExpandSkipsUnrepresentableCharset(t *testing.T) {
	g := newGen(t, Identity, "identity/latin1", "identity/utf-16le")
	x, err := g.Expand(mustText(t, "A€"))
	require.NoError(t, err)
	assert.Equal(t, []string{Identity, "identity/utf-16le"}, x.Labels())
	require.Len(t, x.Skipped, 1)
	assert.Equal(t, "identity/latin1", x.Skipped[0].Label)

	var eu *EncodingUnavailableError
	require.True(t, errors.As(x.Skipped[0], &eu))
	assert.Equal(t, value.Text, eu.Kind)
}

func TestExpandInvalidUTF8SkipsCharsetsOnly(t *testing.T) {
	g := newGen(t, Identity, "identity/utf-16be")
	x, err := g.Expand(mustText(t, "a\xffb"))
	require.NoError(t, err)
	assert.Equal(t, []string{Identity}, x.Labels())
	assert.Len(t, x.Skipped, 1)
}

func TestExpandInteger(t *testing.T) {
	g := newGen(t)
	x, err := g.Expand(value.NewUint(0x1234))
	require.NoError(t, err)

	cases := map[string][]byte{
		Identity:        {0x12, 0x34},
		LittleEndian:    {0x34, 0x12},
		Int32BE:         {0, 0, 0x12, 0x34},
		Int64LE:         {0x34, 0x12, 0, 0, 0, 0, 0, 0},
		Decimal:         []byte("4660"),
		DecimalReversed: []byte("0664"),
		Hex:             []byte("1234"),
		Octal:           []byte("11064"),
	}
	for label, want := range cases {
		m, ok := x.Lookup(label)
		require.True(t, ok, label)
		assert.Equal(t, want, m.Bits.Bytes(), label)
	}
}

func TestExpandIntegerTooWide(t *testing.T) {
	g := newGen(t, Identity, Int16BE, Int16LE, Int32BE)
	x, err := g.Expand(value.NewUint(70000))
	require.NoError(t, err)
	assert.Equal(t, []string{Identity, Int32BE}, x.Labels())
	assert.Len(t, x.Skipped, 2)
}

func TestExpandRaw(t *testing.T) {
	v, err := value.NewRaw([]byte{0x12, 0x34, 0x56})
	require.NoError(t, err)
	x, err := newGen(t).Expand(v)
	require.NoError(t, err)

	cases := map[string][]byte{
		Reversed:            {0x56, 0x34, 0x12},
		PairSwapped:         {0x34, 0x12, 0x56},
		PairSwappedReversed: {0x34, 0x56, 0x12},
		NibbleSwapped:       {0x21, 0x43, 0x65},
		HexUpper:            []byte("123456"),
		Base64:              []byte("EjRW"),
	}
	for label, want := range cases {
		m, ok := x.Lookup(label)
		require.True(t, ok, label)
		assert.Equal(t, want, m.Bits.Bytes(), label)
	}
}

func TestExpandIPv4(t *testing.T) {
	v, err := value.NewIPv4(netip.MustParseAddr("192.168.0.10"))
	require.NoError(t, err)
	x, err := newGen(t).Expand(v)
	require.NoError(t, err)

	cases := map[string]string{
		Dotted:         "192.168.0.10",
		DottedPadded:   "192.168.000.010",
		PackedPadded:   "192168000010",
		DottedReversed: "10.0.168.192",
		Hex:            "c0a8000a",
	}
	for label, want := range cases {
		m, ok := x.Lookup(label)
		require.True(t, ok, label)
		assert.Equal(t, want, string(m.Bits.Bytes()), label)
	}
	le, _ := x.Lookup(LittleEndian)
	assert.Equal(t, []byte{10, 0, 168, 192}, le.Bits.Bytes())
}

func TestExpandBitField(t *testing.T) {
	v, err := value.NewBitField(bits.MustParse("1100"))
	require.NoError(t, err)
	x, err := newGen(t).Expand(v)
	require.NoError(t, err)
	inv, _ := x.Lookup(Inverted)
	assert.True(t, inv.Bits.Equal(bits.MustParse("0011")))
	rev, _ := x.Lookup(Reversed)
	assert.True(t, rev.Bits.Equal(bits.MustParse("0011")))
}

func TestExpandDeterministic(t *testing.T) {
	g := newGen(t)
	v := mustText(t, "Secret")
	a, err := g.Expand(v)
	require.NoError(t, err)
	b, err := g.Expand(v)
	require.NoError(t, err)
	require.Equal(t, a.Labels(), b.Labels())
	for i := range a.Mutations {
		assert.True(t, a.Mutations[i].Bits.Equal(b.Mutations[i].Bits))
	}
}

func TestExpandAbsentValue(t *testing.T) {
	_, err := newGen(t).Expand(value.ReferenceValue{})
	var inv *value.InvalidInputError
	require.ErrorAs(t, err, &inv)
}

func TestNewGeneratorRejectsUnknownLabels(t *testing.T) {
	_, err := NewGenerator(Config{EnabledEncodings: []string{"rot13", Identity}}, nil)
	require.ErrorContains(t, err, "rot13")
}

func TestCatalogueLabelsUnique(t *testing.T) {
	for _, k := range value.Kinds {
		seen := map[string]bool{}
		for _, l := range Labels(k) {
			require.False(t, seen[l], "%s duplicated in %s", l, k)
			seen[l] = true
		}
	}
	assert.Len(t, Labels(value.Text), 20)
	assert.True(t, IsKnownLabel("lowercase/ebcdic"))
}
