package trace

import (
	"sort"
	"sync"
	"time"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// ring is a fixed-capacity buffer of one subject's most recently received samples
type ring struct {
	buf  []*types.LocationSample
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*types.LocationSample, capacity)}
}

func (r *ring) add(s *types.LocationSample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) items() []*types.LocationSample {
	if !r.full {
		return append([]*types.LocationSample(nil), r.buf[:r.next]...)
	}
	out := make([]*types.LocationSample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Window keeps a bounded ring of raw samples per subject for the lookback window
type Window struct {
	mu       sync.Mutex
	capacity int
	lookback time.Duration
	rings    map[string]*ring
}

// NewWindow creates a window retaining at most capacity samples per subject
func NewWindow(capacity int, lookback time.Duration) *Window {
	if capacity < 2 {
		capacity = 2
	}
	return &Window{
		capacity: capacity,
		lookback: lookback,
		rings:    make(map[string]*ring),
	}
}

// Record stores a valid sample. Invalid samples are ignored.
func (w *Window) Record(s *types.LocationSample) {
	if s.Validate() != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.rings[s.SubjectID]
	if !ok {
		r = newRing(w.capacity)
		w.rings[s.SubjectID] = r
	}
	r.add(s)
}

// Samples returns the subject's samples within the lookback window ending at now, ascending
func (w *Window) Samples(subjectID string, now time.Time) []*types.LocationSample {
	w.mu.Lock()
	r, ok := w.rings[subjectID]
	var items []*types.LocationSample
	if ok {
		items = r.items()
	}
	w.mu.Unlock()

	cutoff := now.Add(-w.lookback)
	out := items[:0]
	for _, s := range items {
		if s.Timestamp.Before(cutoff) || s.Timestamp.After(now) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Subjects returns the ids of subjects with buffered samples
func (w *Window) Subjects() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.rings))
	for id := range w.rings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset drops every buffered sample
func (w *Window) Reset() {
	w.mu.Lock()
	w.rings = make(map[string]*ring)
	w.mu.Unlock()
}
