package timeline

import (
	"cmp"
	"slices"

	"github.com/BIwashi/tcmerge/pkg/record"
)

// Merge returns originals and synthetic as one sequence ordered by timestamp.
// The sort is stable over originals followed by synthetic, so records sharing
// a timestamp keep their input order and originals come first.
func Merge(originals, synthetic []record.Record) []record.Record {
	out := make([]record.Record, 0, len(originals)+len(synthetic))
	out = append(out, originals...)
	out = append(out, synthetic...)
	slices.SortStableFunc(out, func(a, b record.Record) int {
		return cmp.Compare(a.TimestampUs, b.TimestampUs)
	})
	return out
}

// Stats accumulates frame count and first/last timestamps without retaining
// the frames. The zero value is ready to use.
type Stats struct {
	count int64
	first int64
	last  int64
}

// Observe records one frame timestamp.
func (s *Stats) Observe(timestampUs int64) {
	if s.count == 0 {
		s.first = timestampUs
	}
	s.last = timestampUs
	s.count++
}

// Count is the number of observed frames.
func (s *Stats) Count() int64 { return s.count }

// Empty reports whether no frame has been observed.
func (s *Stats) Empty() bool { return s.count == 0 }

// First is the timestamp of the first observed frame.
func (s *Stats) First() (int64, bool) { return s.first, s.count > 0 }

// Last is the timestamp of the most recently observed frame.
func (s *Stats) Last() (int64, bool) { return s.last, s.count > 0 }

// DurationUs is last minus first, or 0 when empty.
func (s *Stats) DurationUs() int64 {
	if s.count == 0 {
		return 0
	}
	return s.last - s.first
}
