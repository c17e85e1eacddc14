package fusion

// pendingQueue parks measurement records that cannot be applied yet:
// the filter is uninitialized, no prediction exists, or the measurement
// stamp is ahead of the newest buffered state. FIFO, drained by the
// orchestrator after each appended propagation.
type pendingQueue struct {
	items []*MeasurementRecord
}

func (q *pendingQueue) Len() int { return len(q.items) }

func (q *pendingQueue) Push(rec *MeasurementRecord) {
	q.items = append(q.items, rec)
}

// Peek returns the oldest queued record without removing it.
func (q *pendingQueue) Peek() (*MeasurementRecord, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *pendingQueue) Pop() (*MeasurementRecord, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	rec := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return rec, true
}

// OldestStamp returns the smallest stamp among queued records. The queue
// is FIFO by arrival, not sorted by stamp, so this scans.
func (q *pendingQueue) OldestStamp() (int64, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	oldest := q.items[0].Stamp()
	for _, rec := range q.items[1:] {
		if s := rec.Stamp(); s < oldest {
			oldest = s
		}
	}
	return oldest, true
}
