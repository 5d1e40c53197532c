package matcher

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
)

// acNode internal automaton node over the alphabet {0,1}
type acNode struct {
	next [2]*acNode
	fail *acNode
	out  []int // needle indexes ending here
}

// Automaton is a binary Aho-Corasick matcher compiled from many needles. It
// reports the same offsets as FindAll for every needle in a single pass.
// Concurrency-safe after construction.
type Automaton struct {
	root       *acNode
	lengths    []int
	needles    int
	buildHash  string // fingerprint of the needle set (diagnostics)
	buildNanos int64
}

// BuildAutomaton compiles needles; empty or nil needles are kept in the index
// space but never match.
func BuildAutomaton(needles []*bits.Sequence) *Automaton {
	start := time.Now()
	root := &acNode{}
	h := sha256.New()
	lengths := make([]int, len(needles))
	added := 0
	for idx, nd := range needles {
		lengths[idx] = nd.Len()
		if nd.Len() == 0 {
			continue
		}
		added++
		h.Write(nd.Bytes())
		h.Write([]byte{byte(nd.Len()), byte(nd.Len() >> 8), 0})
		cur := root
		for i := 0; i < nd.Len(); i++ {
			b := nd.At(i)
			if cur.next[b] == nil {
				cur.next[b] = &acNode{}
			}
			cur = cur.next[b]
		}
		cur.out = append(cur.out, idx)
	}
	// BFS failure links
	queue := make([]*acNode, 0, 2)
	for _, n := range root.next {
		if n != nil {
			n.fail = root
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for b, nxt := range n.next {
			if nxt == nil {
				continue
			}
			f := n.fail
			for f != nil && f.next[b] == nil {
				f = f.fail
			}
			if f == nil {
				nxt.fail = root
			} else {
				nxt.fail = f.next[b]
			}
			if len(nxt.fail.out) > 0 {
				nxt.out = append(nxt.out, nxt.fail.out...)
			}
			queue = append(queue, nxt)
		}
	}
	fp := hex.EncodeToString(h.Sum(nil))[:16]
	return &Automaton{root: root, lengths: lengths, needles: added, buildHash: fp, buildNanos: time.Since(start).Nanoseconds()}
}

// Scan returns, per needle index, the ascending start offsets of its matches
// inside haystack. Needles without matches get a nil slice.
func (a *Automaton) Scan(haystack *bits.Sequence) [][]int {
	out := make([][]int, len(a.lengths))
	n := a.root
	for i := 0; i < haystack.Len(); i++ {
		b := haystack.At(i)
		for n != a.root && n.next[b] == nil {
			n = n.fail
		}
		if n.next[b] != nil {
			n = n.next[b]
		}
		for _, idx := range n.out {
			out[idx] = append(out[idx], i-a.lengths[idx]+1)
		}
	}
	return out
}

// Needles is the number of non-empty needles compiled in.
func (a *Automaton) Needles() int { return a.needles }

// Fingerprint identifies the compiled needle set.
func (a *Automaton) Fingerprint() string { return a.buildHash }

// BuildDuration reports how long compilation took.
func (a *Automaton) BuildDuration() time.Duration { return time.Duration(a.buildNanos) }
