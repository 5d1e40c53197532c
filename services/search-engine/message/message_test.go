package message

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawMessageCopiesPayload(t *testing.T) {
	src := []byte("abc")
	m := NewRawMessage(src)
	src[0] = 'z'
	assert.Equal(t, []byte("abc"), m.Data())

	out := m.Data()
	out[1] = 'z'
	assert.Equal(t, []byte("abc"), m.Data())
	assert.Equal(t, 24, m.Bits().Len())
	assert.NotEqual(t, uuid.Nil, m.ID)
}

func TestAppendHighlightBounds(t *testing.T) {
	m := NewRawMessage([]byte("ab"))
	require.NoError(t, m.AppendHighlight(0, 16))
	require.NoError(t, m.AppendHighlight(3, 5))

	for _, bad := range [][2]int{{-1, 4}, {4, 4}, {5, 3}, {0, 17}} {
		err := m.AppendHighlight(bad[0], bad[1])
		assert.ErrorIs(t, err, ErrHighlightOutOfRange, "%v", bad)
	}
	assert.Equal(t, []Highlight{{0, 16}, {3, 5}}, m.Highlights())
}

func TestHighlightsDoNotTouchBits(t *testing.T) {
	m := NewRawMessage([]byte{0xF0, 0x0F})
	before := m.Bits().Bytes()
	require.NoError(t, m.AppendHighlight(2, 9))
	assert.Equal(t, before, m.Bits().Bytes())
}

func TestClearHighlights(t *testing.T) {
	m := NewRawMessage([]byte("ab"))
	require.NoError(t, m.AppendHighlight(0, 8))
	m.ClearHighlights()
	assert.Empty(t, m.Highlights())
}

func TestRender(t *testing.T) {
	m := NewRawMessage([]byte("xx ADMIN yy"))
	assert.Equal(t, "78 78 20 41 44 4d 49 4e 20 79 79", m.Render())

	require.NoError(t, m.AppendHighlight(24, 64))
	assert.Equal(t, "78 78 20 [41 44 4d 49 4e] 20 79 79", m.Render())

	// unaligned and overlapping ranges widen to whole bytes and merge
	require.NoError(t, m.AppendHighlight(60, 70))
	require.NoError(t, m.AppendHighlight(0, 1))
	assert.Equal(t, "[78] 78 20 [41 44 4d 49 4e 20] 79 79", m.Render())
}

func TestConcurrentHighlights(t *testing.T) {
	m := NewRawMessage(make([]byte, 64))
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.AppendHighlight(i*8, i*8+8)
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.Highlights(), 64)
}
