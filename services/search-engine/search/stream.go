package search

import (
	"context"
	"errors"
	"io"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
)

const defaultStreamBuffer = 64 * 1024

// StreamSearcher runs tasks over an io.Reader in byte chunks without loading
// the whole target. Consecutive chunks overlap by enough bytes to hold the
// longest mutation minus one bit, so no match is lost at a boundary.
// Safe for concurrent use with different readers.
type StreamSearcher struct {
	searcher   *Searcher
	bufferSize int
}

// NewStreamSearcher wraps s; bufferSize < 1024 selects 64KB.
func NewStreamSearcher(s *Searcher, bufferSize int) *StreamSearcher {
	if bufferSize < 1024 {
		bufferSize = defaultStreamBuffer
	}
	return &StreamSearcher{searcher: s, bufferSize: bufferSize}
}

// ScanStream searches r and returns results whose ranges are bit offsets from
// the start of the stream. Result.Target is nil since the stream is never
// materialized. Malformed tasks reject the call before any read.
func (s *StreamSearcher) ScanStream(ctx context.Context, r io.Reader, tasks []Task) (Results, error) {
	maxBits := 0
	var errs []error
	for i, t := range tasks {
		if err := validateTask(i, t); err != nil {
			errs = append(errs, err)
			continue
		}
		if n := t.Mutation.Bits.Len(); n > maxBits {
			maxBits = n
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	overlapSize := (maxBits - 1 + 7) / 8
	if overlapSize < 0 {
		overlapSize = 0
	}
	buffer := make([]byte, s.bufferSize+overlapSize)
	overlap := make([]byte, 0, overlapSize)
	ranges := make([][]MatchRange, len(tasks))
	var (
		chunkStart int64 // byte offset of buffer[0] in the stream
		scannedTo  int64 // bit offset already covered by earlier chunks
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := copy(buffer, overlap)
		nr, err := io.ReadAtLeast(r, buffer[n:], 1)
		if nr == 0 && err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		total := n + nr
		chunk := buffer[:total]

		res, serr := s.searcher.Search(ctx, bits.FromBytes(chunk), tasks)
		if serr != nil {
			return nil, serr
		}
		base := int(chunkStart * 8)
		for _, rr := range res {
			for _, rg := range rr.Ranges {
				g := MatchRange{Start: base + rg.Start, End: base + rg.End}
				// ranges ending inside the overlap were reported by the previous chunk
				if int64(g.End) <= scannedTo {
					continue
				}
				ranges[rr.task] = append(ranges[rr.task], g)
			}
		}
		scannedTo = (chunkStart + int64(total)) * 8

		start := total - overlapSize
		if start < 0 {
			start = 0
		}
		overlap = append(overlap[:0], chunk[start:]...)
		chunkStart += int64(total - len(overlap))

		if err == io.EOF {
			break
		}
	}

	var out Results
	for i, rg := range ranges {
		if len(rg) == 0 {
			continue
		}
		out = append(out, Result{Task: tasks[i], Ranges: rg, task: i})
	}
	return out, nil
}
