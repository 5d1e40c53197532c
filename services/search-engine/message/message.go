// Package message models the captured payloads that searches run against and
// the highlights a search can leave on them.
package message

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
)

// ErrHighlightOutOfRange rejects a highlight that is empty, reversed or
// extends past the message.
var ErrHighlightOutOfRange = errors.New("highlight out of range")

// Message is what the engine needs from a payload: read its bits and, when
// asked, append highlights. Implementations must not let highlights alter
// the bits.
type Message interface {
	Bits() *bits.Sequence
	AppendHighlight(start, end int) error
}

// Highlight is a half-open bit range [Start, End).
type Highlight struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RawMessage is a byte payload with an append-only highlight list.
type RawMessage struct {
	ID uuid.UUID

	data []byte
	seq  *bits.Sequence

	mu         sync.Mutex
	highlights []Highlight
}

// NewRawMessage copies data under a fresh random ID.
func NewRawMessage(data []byte) *RawMessage {
	return NewRawMessageWithID(uuid.New(), data)
}

func NewRawMessageWithID(id uuid.UUID, data []byte) *RawMessage {
	cp := append([]byte(nil), data...)
	return &RawMessage{ID: id, data: cp, seq: bits.FromBytes(cp)}
}

func (m *RawMessage) Bits() *bits.Sequence {
	if m == nil {
		return nil
	}
	return m.seq
}

// Data returns a copy of the payload.
func (m *RawMessage) Data() []byte { return append([]byte(nil), m.data...) }

func (m *RawMessage) Len() int { return len(m.data) }

// AppendHighlight records [start, end) in bits.
func (m *RawMessage) AppendHighlight(start, end int) error {
	if start < 0 || start >= end || end > m.seq.Len() {
		return fmt.Errorf("%w: [%d, %d) in %d bits", ErrHighlightOutOfRange, start, end, m.seq.Len())
	}
	m.mu.Lock()
	m.highlights = append(m.highlights, Highlight{Start: start, End: end})
	m.mu.Unlock()
	return nil
}

// Highlights returns recorded highlights in insertion order.
func (m *RawMessage) Highlights() []Highlight {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Highlight(nil), m.highlights...)
}

// ClearHighlights drops every highlight.
func (m *RawMessage) ClearHighlights() {
	m.mu.Lock()
	m.highlights = nil
	m.mu.Unlock()
}

// Render prints the payload as hex with highlighted bytes in brackets. A
// highlight covers every byte it touches; overlapping highlights merge.
func (m *RawMessage) Render() string {
	spans := byteSpans(m.Highlights())
	var sb strings.Builder
	next := 0
	for i, b := range m.data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if next < len(spans) && i == spans[next].Start {
			sb.WriteByte('[')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
		if next < len(spans) && i == spans[next].End-1 {
			sb.WriteByte(']')
			next++
		}
	}
	return sb.String()
}

// byteSpans maps bit highlights to merged byte spans sorted by start.
func byteSpans(hs []Highlight) []Highlight {
	if len(hs) == 0 {
		return nil
	}
	spans := make([]Highlight, len(hs))
	for i, h := range hs {
		spans[i] = Highlight{Start: h.Start / 8, End: (h.End + 7) / 8}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func (m *RawMessage) String() string {
	return fmt.Sprintf("message %s (%d bytes)", m.ID, len(m.data))
}
