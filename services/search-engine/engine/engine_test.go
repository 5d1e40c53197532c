package engine

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
	"github.com/swarmguard/bitsearch/services/search-engine/message"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
	"github.com/swarmguard/bitsearch/services/search-engine/search"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

func newEngine(t *testing.T, labels ...string) *Engine {
	t.Helper()
	gen, err := mutation.NewGenerator(mutation.Config{EnabledEncodings: labels}, nil)
	require.NoError(t, err)
	return New(gen, search.NewSearcher(search.Options{Workers: 4}), nil)
}

func TestSearchInMessageUppercaseScenario(t *testing.T) {
	e := newEngine(t, mutation.Identity, mutation.Uppercase, mutation.Reversed)
	msg := message.NewRawMessage([]byte("xx ADMIN yy"))

	res, err := e.SearchInMessage(context.Background(), "admin", msg, false)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, mutation.Uppercase, res[0].Label())
	assert.Equal(t, []search.MatchRange{{Start: 24, End: 64}}, res[0].Ranges)
	assert.Empty(t, msg.Highlights())
}

func TestSearchInMessageAnnotates(t *testing.T) {
	e := newEngine(t, mutation.Identity, mutation.Uppercase, mutation.Reversed)
	msg := message.NewRawMessage([]byte("xx ADMIN yy"))

	_, err := e.SearchInMessage(context.Background(), "admin", msg, true)
	require.NoError(t, err)
	assert.Equal(t, []message.Highlight{{Start: 24, End: 64}}, msg.Highlights())
	assert.Equal(t, "78 78 20 [41 44 4d 49 4e] 20 79 79", msg.Render())
}

func TestSearchInMessagePresence(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		name    string
		raw     any
		payload []byte
		start   int
	}{
		{"text", "secret", []byte("..secret.."), 16},
		{"raw", []byte{0xDE, 0xAD}, []byte{0x00, 0xDE, 0xAD, 0x00}, 8},
		{"int", 4660, []byte{0xFF, 0x12, 0x34}, 8},
		{"ipv4", netip.MustParseAddr("10.1.2.3"), []byte{0, 0, 10, 1, 2, 3}, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := e.Run(context.Background(), tc.raw, message.NewRawMessage(tc.payload), false)
			require.NoError(t, err)
			r, ok := rep.Results.ByLabel(mutation.Identity)
			require.True(t, ok, "labels %v", rep.Results.Labels())
			assert.Contains(t, r.Ranges, search.MatchRange{Start: tc.start, End: tc.start + rep.Value.Bits().Len()})
		})
	}
}

func TestSearchInMessageBitField(t *testing.T) {
	e := newEngine(t)
	msg := message.NewRawMessage([]byte{0x0A}) // 00001010
	res, err := e.SearchInMessage(context.Background(), bits.MustParse("101"), msg, false)
	require.NoError(t, err)
	r, ok := res.ByLabel(mutation.Identity)
	require.True(t, ok)
	assert.Equal(t, []search.MatchRange{{Start: 4, End: 7}}, r.Ranges)
}

func TestSearchInMessageNoMatch(t *testing.T) {
	e := newEngine(t)
	res, err := e.SearchInMessage(context.Background(), "zzzz", message.NewRawMessage([]byte("hello world")), true)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, "0 occurence(s) found.", res.String())
}

func TestSearchInMessageInvalidInput(t *testing.T) {
	e := newEngine(t)
	msg := message.NewRawMessage([]byte("x"))

	_, err := e.SearchInMessage(context.Background(), nil, msg, false)
	require.ErrorIs(t, err, ErrInvalidInput)
	var vie *value.InvalidInputError
	assert.ErrorAs(t, err, &vie)

	_, err = e.SearchInMessage(context.Background(), "x", nil, false)
	require.ErrorIs(t, err, ErrInvalidInput)
	var sie *search.InvalidInputError
	assert.ErrorAs(t, err, &sie)

	var absent *message.RawMessage
	_, err = e.SearchInMessage(context.Background(), "x", absent, false)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.SearchInMessage(context.Background(), struct{}{}, msg, false)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchInMessageIdempotentAndReadOnly(t *testing.T) {
	e := newEngine(t)
	payload := []byte("admin ADMIN nimda")
	msg := message.NewRawMessage(payload)
	before := msg.Bits().Bytes()

	first, err := e.SearchInMessage(context.Background(), "admin", msg, false)
	require.NoError(t, err)
	second, err := e.SearchInMessage(context.Background(), "admin", msg, false)
	require.NoError(t, err)

	assert.Equal(t, first.Labels(), second.Labels())
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
	assert.Equal(t, before, msg.Bits().Bytes())
	assert.Subset(t, first.Labels(), []string{mutation.Identity, mutation.Uppercase, mutation.Reversed})
}

func TestSearchInMessageSkipsUnencodable(t *testing.T) {
	e := newEngine(t, mutation.Identity, mutation.Identity+"/latin1")
	rep, err := e.Run(context.Background(), "A€", message.NewRawMessage([]byte("--A€--")), false)
	require.NoError(t, err)
	require.Len(t, rep.Expansion.Skipped, 1)
	assert.Equal(t, mutation.Identity+"/latin1", rep.Expansion.Skipped[0].Label)
	assert.Equal(t, []string{mutation.Identity}, rep.Results.Labels())
}

// refusingMessage rejects every highlight.
type refusingMessage struct {
	*message.RawMessage
}

var errReadOnly = errors.New("read only")

func (refusingMessage) AppendHighlight(int, int) error { return errReadOnly }

func TestSearchInMessageAnnotationFailureKeepsResults(t *testing.T) {
	e := newEngine(t, mutation.Identity, mutation.Uppercase)
	msg := refusingMessage{message.NewRawMessage([]byte("admin ADMIN"))}

	res, err := e.SearchInMessage(context.Background(), "admin", msg, true)
	require.Error(t, err)
	var ae *AnnotationError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, errReadOnly)
	assert.NotErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, []string{mutation.Identity, mutation.Uppercase}, res.Labels())
}

func TestSearchInMessages(t *testing.T) {
	e := newEngine(t, mutation.Identity)
	msgs := []message.Message{
		message.NewRawMessage([]byte("no")),
		message.NewRawMessage([]byte("token")),
		nil,
		message.NewRawMessage([]byte("token token")),
	}
	out, err := e.SearchInMessages(context.Background(), "token", msgs, true)
	require.Error(t, err)
	var me *MessageError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 2, me.Index)
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.Len(t, out, 4)
	assert.Empty(t, out[0])
	assert.Equal(t, 1, out[1].TotalRanges())
	assert.Nil(t, out[2])
	assert.Equal(t, 2, out[3].TotalRanges())
	assert.Len(t, msgs[3].(*message.RawMessage).Highlights(), 2)

	_, err = e.SearchInMessages(context.Background(), nil, msgs, false)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExpand(t *testing.T) {
	e := newEngine(t, mutation.Identity, mutation.Hex)
	v, x, err := e.Expand(uint16(0x1234))
	require.NoError(t, err)
	assert.Equal(t, value.Integer, v.Kind())
	assert.Equal(t, []string{mutation.Identity, mutation.Hex}, x.Labels())
}

// corruptingRunner breaks the first task's bits before delegating.
type corruptingRunner struct{ inner search.Runner }

func (c corruptingRunner) Search(ctx context.Context, target *bits.Sequence, tasks []search.Task) (search.Results, error) {
	cp := append([]search.Task(nil), tasks...)
	cp[0].Mutation.Bits = nil
	return c.inner.Search(ctx, target, cp)
}

func TestSearchInMessageMalformedTaskIsInvalidInput(t *testing.T) {
	gen, err := mutation.NewGenerator(mutation.Config{EnabledEncodings: []string{mutation.Identity, mutation.Uppercase}}, nil)
	require.NoError(t, err)
	e := New(gen, corruptingRunner{inner: search.NewSearcher(search.Options{Workers: 2})}, nil)

	res, err := e.SearchInMessage(context.Background(), "admin", message.NewRawMessage([]byte("xx ADMIN yy")), false)
	require.ErrorIs(t, err, ErrInvalidInput)
	var te *search.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, mutation.Identity, te.Label)
	require.Len(t, res, 1)
	assert.Equal(t, mutation.Uppercase, res[0].Label())
}

func TestRunRecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	e := newEngine(t, mutation.Identity)
	msgs := []message.Message{
		message.NewRawMessage([]byte("xx admin")),
		message.NewRawMessage([]byte("admin yy")),
	}
	_, err := e.SearchInMessages(context.Background(), "admin", msgs, false)
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["engine.search_messages"])
	assert.Equal(t, 2, names["engine.search"])
}
