package fusion

import "testing"

type tsItem struct {
	t int64
	v int
}

func (i tsItem) Stamp() int64 { return i.t }

func TestTimeSeriesInsertKeepsOrder(t *testing.T) {
	ts := NewTimeSeries[tsItem]()
	for _, stamp := range []int64{50, 10, 30, 20, 40} {
		ts.Insert(tsItem{t: stamp})
	}
	if ts.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", ts.Len())
	}
	for i := 1; i < ts.Len(); i++ {
		if ts.At(i-1).Stamp() > ts.At(i).Stamp() {
			t.Fatalf("out of order at index %d: %d > %d", i, ts.At(i-1).Stamp(), ts.At(i).Stamp())
		}
	}
}

func TestTimeSeriesEqualStampsKeepArrivalOrder(t *testing.T) {
	ts := NewTimeSeries[tsItem]()
	ts.Insert(tsItem{t: 10, v: 1})
	ts.Insert(tsItem{t: 20, v: 2})
	ts.Insert(tsItem{t: 10, v: 3}) // same stamp, later arrival

	if got := ts.At(0).v; got != 1 {
		t.Errorf("At(0).v = %d, want 1 (first arrival first)", got)
	}
	if got := ts.At(1).v; got != 3 {
		t.Errorf("At(1).v = %d, want 3 (equal stamp after existing)", got)
	}
}

func TestTimeSeriesEmptyLookups(t *testing.T) {
	ts := NewTimeSeries[tsItem]()
	if _, ok := ts.Front(); ok {
		t.Error("Front() on empty series reported ok")
	}
	if _, ok := ts.Back(); ok {
		t.Error("Back() on empty series reported ok")
	}
	if _, _, ok := ts.Nearest(10); ok {
		t.Error("Nearest() on empty series reported ok")
	}
	if _, _, ok := ts.NearestBefore(10); ok {
		t.Error("NearestBefore() on empty series reported ok")
	}
	if _, _, ok := ts.NearestAfter(10); ok {
		t.Error("NearestAfter() on empty series reported ok")
	}
	if _, _, ok := ts.AtStamp(10); ok {
		t.Error("AtStamp() on empty series reported ok")
	}
}

func TestTimeSeriesNearest(t *testing.T) {
	ts := NewTimeSeries[tsItem]()
	for _, stamp := range []int64{10, 20, 30} {
		ts.Insert(tsItem{t: stamp})
	}

	cases := []struct {
		query int64
		want  int64
	}{
		{5, 10},   // before front clamps to front
		{10, 10},  // exact
		{14, 10},  // closer to earlier
		{16, 20},  // closer to later
		{15, 10},  // equidistant resolves earlier
		{35, 30},  // after back clamps to back
	}
	for _, tc := range cases {
		got, _, ok := ts.Nearest(tc.query)
		if !ok || got.Stamp() != tc.want {
			t.Errorf("Nearest(%d) = %d ok=%v, want %d", tc.query, got.Stamp(), ok, tc.want)
		}
	}

	if got, _, ok := ts.NearestBefore(20); !ok || got.Stamp() != 10 {
		t.Errorf("NearestBefore(20) = %d ok=%v, want 10 (strict)", got.Stamp(), ok)
	}
	if got, _, ok := ts.NearestAfter(20); !ok || got.Stamp() != 30 {
		t.Errorf("NearestAfter(20) = %d ok=%v, want 30 (strict)", got.Stamp(), ok)
	}
	if _, _, ok := ts.NearestBefore(10); ok {
		t.Error("NearestBefore(front) reported ok")
	}
	if _, _, ok := ts.NearestAfter(30); ok {
		t.Error("NearestAfter(back) reported ok")
	}
}

func TestTimeSeriesEraseBefore(t *testing.T) {
	ts := NewTimeSeries[tsItem]()
	for _, stamp := range []int64{10, 20, 30, 40} {
		ts.Insert(tsItem{t: stamp})
	}

	if n := ts.EraseBefore(30); n != 2 {
		t.Fatalf("EraseBefore(30) removed %d, want 2", n)
	}
	if ts.Len() != 2 {
		t.Fatalf("Len() = %d after erase, want 2", ts.Len())
	}
	front, _ := ts.Front()
	if front.Stamp() != 30 {
		t.Errorf("front after erase = %d, want 30 (erase is strict)", front.Stamp())
	}
	if n := ts.EraseBefore(5); n != 0 {
		t.Errorf("EraseBefore(5) removed %d, want 0", n)
	}
}
