package fusion

import "sort"

// Stamped is anything keyed by a unix-nanosecond timestamp.
type Stamped interface {
	Stamp() int64
}

// TimeSeries is an ordered container keyed by timestamp. Items arriving
// out of order are inserted at their sorted position; items sharing a
// stamp keep arrival order (stable insertion after existing equals).
//
// Lookups are binary searches; appends at the back (the overwhelmingly
// common case for a live filter) are amortized constant time. Lookups on
// an empty series return ok=false rather than failing.
type TimeSeries[T Stamped] struct {
	items []T
}

// NewTimeSeries returns an empty series.
func NewTimeSeries[T Stamped]() *TimeSeries[T] {
	return &TimeSeries[T]{}
}

// Len returns the number of buffered items.
func (ts *TimeSeries[T]) Len() int { return len(ts.items) }

// Insert places item at its sorted position, after any existing items
// with the same stamp.
func (ts *TimeSeries[T]) Insert(item T) {
	n := len(ts.items)
	if n == 0 || ts.items[n-1].Stamp() <= item.Stamp() {
		ts.items = append(ts.items, item)
		return
	}
	i := sort.Search(n, func(i int) bool { return ts.items[i].Stamp() > item.Stamp() })
	ts.items = append(ts.items, item)
	copy(ts.items[i+1:], ts.items[i:])
	ts.items[i] = item
}

// At returns the item at index i (oldest first). The index is only valid
// until the next mutation.
func (ts *TimeSeries[T]) At(i int) T { return ts.items[i] }

// Front returns the oldest item.
func (ts *TimeSeries[T]) Front() (T, bool) {
	var zero T
	if len(ts.items) == 0 {
		return zero, false
	}
	return ts.items[0], true
}

// Back returns the newest item.
func (ts *TimeSeries[T]) Back() (T, bool) {
	var zero T
	if len(ts.items) == 0 {
		return zero, false
	}
	return ts.items[len(ts.items)-1], true
}

// lowerBound returns the index of the first item with stamp >= t.
func (ts *TimeSeries[T]) lowerBound(t int64) int {
	return sort.Search(len(ts.items), func(i int) bool { return ts.items[i].Stamp() >= t })
}

// Nearest returns the item whose stamp is closest to t, together with
// its index. Ties between an earlier and a later neighbour resolve to
// the earlier one.
func (ts *TimeSeries[T]) Nearest(t int64) (T, int, bool) {
	var zero T
	n := len(ts.items)
	if n == 0 {
		return zero, -1, false
	}
	i := ts.lowerBound(t)
	if i == 0 {
		return ts.items[0], 0, true
	}
	if i == n {
		return ts.items[n-1], n - 1, true
	}
	if ts.items[i].Stamp()-t < t-ts.items[i-1].Stamp() {
		return ts.items[i], i, true
	}
	return ts.items[i-1], i - 1, true
}

// NearestBefore returns the newest item with stamp strictly before t.
func (ts *TimeSeries[T]) NearestBefore(t int64) (T, int, bool) {
	var zero T
	i := ts.lowerBound(t)
	if i == 0 {
		return zero, -1, false
	}
	return ts.items[i-1], i - 1, true
}

// NearestAfter returns the oldest item with stamp strictly after t.
func (ts *TimeSeries[T]) NearestAfter(t int64) (T, int, bool) {
	var zero T
	i := sort.Search(len(ts.items), func(i int) bool { return ts.items[i].Stamp() > t })
	if i == len(ts.items) {
		return zero, -1, false
	}
	return ts.items[i], i, true
}

// AtStamp returns the oldest item with exactly stamp t.
func (ts *TimeSeries[T]) AtStamp(t int64) (T, int, bool) {
	var zero T
	i := ts.lowerBound(t)
	if i == len(ts.items) || ts.items[i].Stamp() != t {
		return zero, -1, false
	}
	return ts.items[i], i, true
}

// EraseBefore removes every item with stamp strictly before t and
// returns how many were removed.
func (ts *TimeSeries[T]) EraseBefore(t int64) int {
	i := ts.lowerBound(t)
	if i == 0 {
		return 0
	}
	var zero T
	copy(ts.items, ts.items[i:])
	tail := ts.items[len(ts.items)-i:]
	for j := range tail {
		tail[j] = zero // release references for GC
	}
	ts.items = ts.items[:len(ts.items)-i]
	return i
}

// All returns the buffered items oldest to newest. The slice is a copy;
// the items are the live instances.
func (ts *TimeSeries[T]) All() []T {
	if len(ts.items) == 0 {
		return nil
	}
	out := make([]T, len(ts.items))
	copy(out, ts.items)
	return out
}
