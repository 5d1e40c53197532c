package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
	"github.com/swarmguard/bitsearch/services/search-engine/matcher"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
)

func task(label string, b *bits.Sequence) Task {
	return Task{Mutation: mutation.Mutation{Label: label, Bits: b}}
}

func textTask(label, s string) Task { return task(label, bits.FromBytes([]byte(s))) }

func allStrategies() []matcher.Strategy { return matcher.Strategies }

func TestSearchOrderedNonEmptyResults(t *testing.T) {
	target := bits.FromBytes([]byte("xx ADMIN yy admin"))
	tasks := []Task{
		textTask("identity", "admin"),
		textTask("reversed", "nimda"),
		textTask("uppercase", "ADMIN"),
	}
	for _, st := range allStrategies() {
		t.Run(string(st), func(t *testing.T) {
			s := NewSearcher(Options{Workers: 2, Strategy: st})
			res, err := s.Search(context.Background(), target, tasks)
			require.NoError(t, err)
			require.Len(t, res, 2)
			assert.Equal(t, []string{"identity", "uppercase"}, res.Labels())
			assert.Equal(t, []MatchRange{{Start: 96, End: 136}}, res[0].Ranges)
			assert.Equal(t, []MatchRange{{Start: 24, End: 64}}, res[1].Ranges)
			assert.Same(t, target, res[0].Target)
			assert.Equal(t, "2 occurence(s) found.", res.String())
		})
	}
}

func TestSearchRangesMatchMutationLength(t *testing.T) {
	target := bits.MustParse("1101101101")
	res, err := NewSearcher(Options{}).Search(context.Background(), target, []Task{task("p", bits.MustParse("1101"))})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, []MatchRange{{0, 4}, {3, 7}, {6, 10}}, res[0].Ranges)
	for _, r := range res[0].Ranges {
		assert.Equal(t, 4, r.Len())
	}
}

func TestSearchNoMatch(t *testing.T) {
	res, err := NewSearcher(Options{}).Search(context.Background(), bits.FromBytes([]byte("hello")), []Task{textTask("identity", "admin")})
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, "0 occurence(s) found.", res.String())
}

func TestSearchAbsentTarget(t *testing.T) {
	_, err := NewSearcher(Options{}).Search(context.Background(), nil, []Task{textTask("identity", "a")})
	var iie *InvalidInputError
	require.ErrorAs(t, err, &iie)
}

func TestSearchEmptyTaskList(t *testing.T) {
	res, err := NewSearcher(Options{}).Search(context.Background(), bits.MustParse("1"), nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchPartialFailureKeepsOtherResults(t *testing.T) {
	target := bits.FromBytes([]byte("admin"))
	tasks := []Task{
		task("broken", nil),
		textTask("identity", "admin"),
		task("empty", bits.MustParse("")),
	}
	for _, st := range allStrategies() {
		t.Run(string(st), func(t *testing.T) {
			res, err := NewSearcher(Options{Strategy: st}).Search(context.Background(), target, tasks)
			require.Error(t, err)
			var te *TaskError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, 0, te.Index)
			assert.Equal(t, "broken", te.Label)
			assert.ErrorIs(t, err, bits.ErrMalformed)
			require.Len(t, res, 1)
			assert.Equal(t, "identity", res[0].Label())
		})
	}
}

func TestSearchDropsDuplicateResults(t *testing.T) {
	target := bits.FromBytes([]byte("abab"))
	tasks := []Task{textTask("identity", "ab"), textTask("identity", "ab"), textTask("other", "ab")}
	res, err := NewSearcher(Options{}).Search(context.Background(), target, tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"identity", "other"}, res.Labels())
}

func TestSearchDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	data := make([]byte, 512)
	r.Read(data)
	target := bits.FromBytes(data)
	var tasks []Task
	for i := 0; i < 40; i++ {
		n := 1 + r.Intn(10)
		v := make([]bool, n)
		for j := range v {
			v[j] = r.Intn(2) == 1
		}
		tasks = append(tasks, task(fmt.Sprintf("t%d", i), bits.FromBools(v)))
	}
	first, err := NewSearcher(Options{Workers: 8}).Search(context.Background(), target, tasks)
	require.NoError(t, err)
	for _, st := range allStrategies() {
		again, err := NewSearcher(Options{Workers: 3, Strategy: st}).Search(context.Background(), target, tasks)
		require.NoError(t, err)
		assert.Equal(t, first.Fingerprint(), again.Fingerprint(), "strategy %s", st)
		assert.Equal(t, first.Labels(), again.Labels())
	}
	assert.Equal(t, data, target.Bytes())
}

func TestSearchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSearcher(Options{}).Search(ctx, bits.FromBytes([]byte("abc")), []Task{textTask("identity", "b")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultsHelpers(t *testing.T) {
	rs := Results{
		{Task: textTask("a", "x"), Ranges: []MatchRange{{0, 8}, {8, 16}}},
		{Task: textTask("b", "y"), Ranges: []MatchRange{{16, 24}}},
	}
	assert.Equal(t, 3, rs.TotalRanges())
	r, ok := rs.ByLabel("b")
	require.True(t, ok)
	assert.Equal(t, []MatchRange{{16, 24}}, r.Ranges)
	_, ok = rs.ByLabel("zz")
	assert.False(t, ok)
	assert.NotEqual(t, rs[0].Fingerprint(), rs[1].Fingerprint())
}

func TestStreamMatchesWholeSearch(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	data := make([]byte, 5000)
	r.Read(data)
	copy(data[1020:], "needle")
	copy(data[2047:], "needle")
	tasks := []Task{
		textTask("needle", "needle"),
		task("short", bits.MustParse("1011")),
		task("odd", bits.MustParse("110011001")),
	}
	s := NewSearcher(Options{})
	want, err := s.Search(context.Background(), bits.FromBytes(data), tasks)
	require.NoError(t, err)

	stream := NewStreamSearcher(s, 1024)
	got, err := stream.ScanStream(context.Background(), iotest.HalfReader(bytes.NewReader(data)), tasks)
	require.NoError(t, err)
	require.Equal(t, want.Labels(), got.Labels())
	for i := range want {
		assert.Equal(t, want[i].Ranges, got[i].Ranges, want[i].Label())
		assert.Nil(t, got[i].Target)
	}
	nd, ok := got.ByLabel("needle")
	require.True(t, ok)
	assert.Contains(t, nd.Ranges, MatchRange{Start: 1020 * 8, End: 1026 * 8})
	assert.Contains(t, nd.Ranges, MatchRange{Start: 2047 * 8, End: 2053 * 8})
}

func TestStreamRejectsMalformedTask(t *testing.T) {
	_, err := NewStreamSearcher(NewSearcher(Options{}), 0).ScanStream(context.Background(), bytes.NewReader([]byte("x")), []Task{task("bad", nil)})
	var te *TaskError
	require.ErrorAs(t, err, &te)
}

func TestStreamReadError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewStreamSearcher(NewSearcher(Options{}), 0).ScanStream(context.Background(), iotest.ErrReader(boom), []Task{textTask("a", "a")})
	assert.ErrorIs(t, err, boom)
}

func TestInstrumentedSearcherRecords(t *testing.T) {
	mc := NewMetricsCollector()
	is := NewInstrumentedSearcher(NewSearcher(Options{}), mc)
	_, err := is.Search(context.Background(), bits.FromBytes([]byte("aaa")), []Task{textTask("identity", "a")})
	require.NoError(t, err)
	_, err = is.Search(context.Background(), nil, nil)
	require.Error(t, err)

	snap := is.Metrics()
	assert.Equal(t, int64(2), snap.TotalSearches)
	assert.Equal(t, int64(1), snap.TotalResults)
	assert.Equal(t, int64(3), snap.TotalRanges)
	assert.Equal(t, int64(24), snap.TotalBitsScanned)
	assert.Equal(t, int64(1), snap.TotalErrors)
	require.Len(t, snap.TopLabels, 1)
	assert.Equal(t, LabelHit{Label: "identity", Hits: 3}, snap.TopLabels[0])
	assert.Len(t, snap.LatencyHistogram, 5)
}

func TestLatencyBucket(t *testing.T) {
	assert.Equal(t, 0, latencyBucket(500*time.Microsecond))
	assert.Equal(t, 1, latencyBucket(5*time.Millisecond))
	assert.Equal(t, 2, latencyBucket(50*time.Millisecond))
	assert.Equal(t, 3, latencyBucket(500*time.Millisecond))
	assert.Equal(t, 4, latencyBucket(2*time.Second))
}

func TestContainsResultComparesFields(t *testing.T) {
	a := Result{Task: textTask("identity", "ab"), Ranges: []MatchRange{{Start: 0, End: 16}}}
	otherLabel := Result{Task: textTask("other", "ab"), Ranges: []MatchRange{{Start: 0, End: 16}}}
	otherRange := Result{Task: textTask("identity", "ab"), Ranges: []MatchRange{{Start: 16, End: 32}}}
	results := Results{a}

	// every entry is offered as a candidate, as a fingerprint collision would
	assert.True(t, containsResult(results, []int{0}, a))
	assert.False(t, containsResult(results, []int{0}, otherLabel))
	assert.False(t, containsResult(results, []int{0}, otherRange))
	assert.False(t, containsResult(results, nil, a))
}
