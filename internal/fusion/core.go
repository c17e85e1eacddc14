package fusion

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fusion.core/internal/config"
)

// Failure taxonomy. None of these is fatal: every path degrades to
// skip-and-continue with a counter and, where relevant, a flag.
var (
	// ErrTooOld marks a measurement older than the retained history.
	ErrTooOld = errors.New("measurement older than retained history")

	// ErrUninitialized marks propagation or correction attempted before
	// the filter has been seeded.
	ErrUninitialized = errors.New("filter not initialized")

	// ErrNumericalFailure marks a rejected update that produced a
	// non-finite state or covariance.
	ErrNumericalFailure = errors.New("numerical failure in update")

	// ErrStaleInput marks a propagation input at or before the newest
	// buffered state.
	ErrStaleInput = errors.New("stale propagation input")

	// ErrBacklog marks a pending-measurement queue at capacity.
	ErrBacklog = errors.New("pending measurement backlog full")
)

// Stats counts observable degradation events. All counters only grow;
// read a snapshot via Core.Stats.
type Stats struct {
	PropagationsApplied uint64 // states appended by inertial/external input
	CorrectionsApplied  uint64 // measurements folded into the state history
	TooOldDropped       uint64 // measurements older than retained history
	StaleInputs         uint64 // propagation inputs at or before the newest state
	MissedSamples       uint64 // gaps detected in the propagation sequence numbers
	LargeGaps           uint64 // inertial dt above the configured bound
	PendingQueued       uint64 // measurements parked for later application
	PendingOverflow     uint64 // measurements refused because the queue was full
	NumericalFailures   uint64 // corrections rejected for non-finite results
}

// CoreConfig holds the orchestrator policy constants. The physical and
// noise constants live with the SensorManager instead.
type CoreConfig struct {
	RetentionHorizon time.Duration // buffered history measured back from the newest state
	MaxPending       int           // pending-queue capacity before refusing input
	FuzzyStrikes     int           // consecutive watchdog excursions before flagging
	MaxInertialGap   time.Duration // inertial dt above which a gap warning is counted
}

// CoreConfigFromTuning builds a CoreConfig from a loaded TuningConfig.
func CoreConfigFromTuning(cfg *config.TuningConfig) CoreConfig {
	return CoreConfig{
		RetentionHorizon: cfg.GetRetentionHorizon(),
		MaxPending:       cfg.GetMaxPending(),
		FuzzyStrikes:     cfg.GetFuzzyStrikes(),
		MaxInertialGap:   cfg.GetMaxInertialGap(),
	}
}

// Core fuses asynchronous multi-rate sensor inputs into a time-indexed
// state history. It owns the state and measurement buffers, the pending
// queue and the covariance marker; a single mutex serializes every
// public entry point so propagation and correction never interleave.
type Core struct {
	mu sync.Mutex

	sm     SensorManager
	layout StateLayout
	cfg    CoreConfig

	states       *TimeSeries[*State]
	measurements *TimeSeries[*MeasurementRecord]
	pending      pendingQueue

	// covPropagatedNanos is the stamp up to which every buffered state
	// has a valid predicted covariance. Non-decreasing except when a
	// delayed correction resets it to the corrected state's stamp before
	// the replay re-advances it.
	covPropagatedNanos int64

	initialized    bool
	predictionMade bool

	watchdog *Watchdog

	stateSeq        uint64
	measSeq         uint64
	lastInertialSeq uint64
	haveInertialSeq bool

	stats Stats
}

// NewCore builds the estimation core. The SensorManager reference is
// retained but not called until the first operational entry point.
func NewCore(sm SensorManager, layout StateLayout, cfg CoreConfig) (*Core, error) {
	if sm == nil {
		return nil, errors.New("nil sensor manager")
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state layout: %w", err)
	}
	if cfg.RetentionHorizon <= 0 {
		return nil, fmt.Errorf("retention horizon must be positive, got %v", cfg.RetentionHorizon)
	}
	if cfg.MaxPending < 1 {
		return nil, fmt.Errorf("max pending must be at least 1, got %d", cfg.MaxPending)
	}
	return &Core{
		sm:           sm,
		layout:       layout,
		cfg:          cfg,
		states:       NewTimeSeries[*State](),
		measurements: NewTimeSeries[*MeasurementRecord](),
		watchdog:     NewWatchdog(layout, cfg.FuzzyStrikes),
	}, nil
}

// Layout returns the error-state layout the core was built with.
func (c *Core) Layout() StateLayout { return c.layout }

// Initialized reports whether the filter has been seeded.
func (c *Core) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Diverged reports the watchdog flag.
func (c *Core) Diverged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchdog.Flagged()
}

// ClearDivergence resets the watchdog flag; called by external policy
// once it has decided the filter is trustworthy again.
func (c *Core) ClearDivergence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchdog.Clear()
}

// Stats returns a snapshot of the degradation counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LatestState returns the newest buffered state, or nil before
// initialization. The pointer is the live buffered instance.
func (c *Core) LatestState() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states.Back()
	if !ok {
		return nil
	}
	return st
}

// Init seeds the filter from an initialization measurement: one state
// built from the measurement payload and sensor-manager defaults. Any
// previous history is discarded.
func (c *Core) Init(m InitMeasurement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(m)
}

func (c *Core) initLocked(m InitMeasurement) error {
	st := &State{
		Seq:       c.nextStateSeq(),
		UnixNanos: m.Stamp(),
		Ori:       IdentityQuat(),
		Extra:     make([]float64, c.layout.ExtraErrorDims),
	}
	if err := m.InitState(st); err != nil {
		return fmt.Errorf("init measurement rejected: %w", err)
	}
	st.Ori = st.Ori.Normalize()

	n := c.layout.ErrorDims()
	ic := c.sm.InitCovariance()
	st.Cov = mat.NewDense(n, n, nil)
	for i := 0; i < 3; i++ {
		st.Cov.Set(ErrPos+i, ErrPos+i, ic.Pos)
		st.Cov.Set(ErrVel+i, ErrVel+i, ic.Vel)
		st.Cov.Set(ErrAtt+i, ErrAtt+i, ic.Att)
		st.Cov.Set(ErrGyroBias+i, ErrGyroBias+i, ic.GyroBias)
		st.Cov.Set(ErrAccelBias+i, ErrAccelBias+i, ic.AccelBias)
	}
	for i := CoreErrorDims; i < n; i++ {
		st.Cov.Set(i, i, ic.Extra)
	}

	if !st.Finite() {
		return fmt.Errorf("init measurement produced non-finite state: %w", ErrNumericalFailure)
	}

	c.states = NewTimeSeries[*State]()
	c.measurements = NewTimeSeries[*MeasurementRecord]()
	c.states.Insert(st)
	c.covPropagatedNanos = st.UnixNanos
	c.initialized = true
	c.predictionMade = false
	c.watchdog.Clear()

	log.Printf("fusion core initialized at t=%d (error dims %d)", st.UnixNanos, n)
	c.sm.StateApplied(st)
	return nil
}

// ProcessInertial ingests one inertial sample (specific force in m/s²,
// angular rate in rad/s) and appends a kinematically propagated state.
func (c *Core) ProcessInertial(accel, gyro Vec3, unixNanos int64, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.checkPropagationInput(unixNanos, seq)
	if err != nil {
		return err
	}

	st := &State{
		Seq:       c.nextStateSeq(),
		UnixNanos: unixNanos,
		Accel:     accel,
		Gyro:      gyro,
		Extra:     make([]float64, c.layout.ExtraErrorDims),
	}
	c.propagateState(prev, st)
	c.finishPropagation(st)
	return nil
}

// ProcessExternal ingests a sample from an external propagation source.
// When alreadyPropagated is true the supplied kinematic state is copied
// directly and only bias book-keeping is carried forward; otherwise it
// behaves like ProcessInertial.
func (c *Core) ProcessExternal(accel, gyro, pos, vel Vec3, ori Quat, alreadyPropagated bool, unixNanos int64, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.checkPropagationInput(unixNanos, seq)
	if err != nil {
		return err
	}

	st := &State{
		Seq:       c.nextStateSeq(),
		UnixNanos: unixNanos,
		Accel:     accel,
		Gyro:      gyro,
		Extra:     make([]float64, c.layout.ExtraErrorDims),
	}
	if alreadyPropagated {
		st.Pos, st.Vel, st.Ori = pos, vel, ori.Normalize()
		st.GyroBias, st.AccelBias = prev.GyroBias, prev.AccelBias
		copy(st.Extra, prev.Extra)
	} else {
		c.propagateState(prev, st)
	}
	c.finishPropagation(st)
	return nil
}

// checkPropagationInput validates ordering and sequence continuity of a
// propagation input, returning the newest buffered state.
func (c *Core) checkPropagationInput(unixNanos int64, seq uint64) (*State, error) {
	if !c.initialized {
		return nil, ErrUninitialized
	}
	prev, _ := c.states.Back()
	if unixNanos <= prev.UnixNanos {
		c.stats.StaleInputs++
		log.Printf("dropping stale propagation input t=%d (newest state t=%d)", unixNanos, prev.UnixNanos)
		return nil, fmt.Errorf("input t=%d not after newest state t=%d: %w", unixNanos, prev.UnixNanos, ErrStaleInput)
	}
	if c.haveInertialSeq && seq != c.lastInertialSeq+1 {
		c.stats.MissedSamples++
		log.Printf("propagation sequence gap: got %d after %d", seq, c.lastInertialSeq)
	}
	c.lastInertialSeq = seq
	c.haveInertialSeq = true

	if dt := time.Duration(unixNanos-prev.UnixNanos) * time.Nanosecond; dt > c.cfg.MaxInertialGap {
		c.stats.LargeGaps++
		log.Printf("large propagation gap: %v since newest state", dt)
	}
	return prev, nil
}

// finishPropagation appends the new state, spreads one covariance step,
// drains applicable pending measurements and prunes old history.
func (c *Core) finishPropagation(st *State) {
	c.states.Insert(st)
	c.predictionMade = true
	c.stats.PropagationsApplied++

	// One covariance step per sample keeps catch-up work bounded.
	c.propagateCovarianceStepLocked()

	c.handlePendingLocked()
	c.pruneLocked()
	c.sm.StateApplied(st)
}

// IngestMeasurement routes one sensor measurement: initialization when
// uninitialized, queueing when not yet applicable, discarding when too
// old, otherwise correction at the anchor state plus forward replay.
func (c *Core) IngestMeasurement(m Measurement) error {
	if m == nil || IsAbsent(m) {
		return errors.New("refusing to ingest absent measurement")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		if im, ok := m.(InitMeasurement); ok {
			return c.initLocked(im)
		}
		return c.enqueuePendingLocked(&MeasurementRecord{Measurement: m, Seq: c.nextMeasSeq()})
	}

	rec := &MeasurementRecord{Measurement: m, Seq: c.nextMeasSeq()}

	if !c.predictionMade {
		return c.enqueuePendingLocked(rec)
	}

	newest, _ := c.states.Back()
	if rec.Stamp() > newest.UnixNanos {
		return c.enqueuePendingLocked(rec)
	}

	return c.applyMeasurementLocked(rec)
}

// enqueuePendingLocked parks a record for later application, refusing
// when the queue is at capacity so backlog pressure stays visible.
func (c *Core) enqueuePendingLocked(rec *MeasurementRecord) error {
	if c.pending.Len() >= c.cfg.MaxPending {
		c.stats.PendingOverflow++
		log.Printf("pending queue full (%d), refusing measurement from sensor %d at t=%d",
			c.pending.Len(), rec.SensorID(), rec.Stamp())
		return fmt.Errorf("sensor %d at t=%d: %w", rec.SensorID(), rec.Stamp(), ErrBacklog)
	}
	c.pending.Push(rec)
	c.stats.PendingQueued++
	return nil
}

// handlePendingLocked re-ingests queued measurements whose stamp is now
// covered by the state history, in arrival order.
func (c *Core) handlePendingLocked() {
	if !c.initialized || !c.predictionMade {
		return
	}
	newest, ok := c.states.Back()
	if !ok {
		return
	}
	for {
		rec, ok := c.pending.Peek()
		if !ok || rec.Stamp() > newest.UnixNanos {
			return
		}
		c.pending.Pop()
		if err := c.applyMeasurementLocked(rec); err != nil {
			log.Printf("pending measurement from sensor %d at t=%d dropped: %v",
				rec.SensorID(), rec.Stamp(), err)
		}
	}
}

// PruneHistory erases state and measurement entries older than the
// retention horizon measured from the newest state. States still needed
// to reconstruct transition chains for pending measurements, and states
// the covariance marker has not passed, are kept. Returns the number of
// states and measurements removed.
func (c *Core) PruneHistory() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *Core) pruneLocked() (int, int) {
	newest, ok := c.states.Back()
	if !ok {
		return 0, 0
	}
	cutoff := newest.UnixNanos - c.cfg.RetentionHorizon.Nanoseconds()
	if oldest, ok := c.pending.OldestStamp(); ok && oldest < cutoff {
		cutoff = oldest
	}
	if c.covPropagatedNanos < cutoff {
		cutoff = c.covPropagatedNanos
	}
	ns := c.states.EraseBefore(cutoff)
	nm := c.measurements.EraseBefore(cutoff)
	return ns, nm
}

// ClosestState returns the buffered state nearest to the given stamp,
// or nil when the buffer is empty. The pointer is the live instance.
func (c *Core) ClosestState(unixNanos int64) *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, _, ok := c.states.Nearest(unixNanos)
	if !ok {
		return nil
	}
	return st
}

// StateAtTime returns the buffered state with exactly the given stamp,
// or nil if none exists.
func (c *Core) StateAtTime(unixNanos int64) *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, _, ok := c.states.AtStamp(unixNanos)
	if !ok {
		return nil
	}
	return st
}

// PreviousMeasurementOfSensor returns the latest stored measurement from
// the given sensor strictly before the stamp, or the absent variant.
func (c *Core) PreviousMeasurementOfSensor(unixNanos int64, sensorID int) Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, i, ok := c.measurements.NearestBefore(unixNanos)
	if !ok {
		return Absent{}
	}
	for ; i >= 0; i-- {
		if rec := c.measurements.At(i); rec.SensorID() == sensorID {
			return rec.Measurement
		}
	}
	return Absent{}
}

// SetCoreCovariance overwrites the newest state's covariance, e.g. to
// seed a simulation. The covariance marker advances to that state.
func (c *Core) SetCoreCovariance(p *mat.Dense) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	newest, ok := c.states.Back()
	if !ok {
		return ErrUninitialized
	}
	n := c.layout.ErrorDims()
	if r, cc := p.Dims(); r != n || cc != n {
		return fmt.Errorf("covariance dims [%d x %d] do not match error state dim %d", r, cc, n)
	}
	if newest.Cov == nil {
		newest.Cov = mat.NewDense(n, n, nil)
	}
	newest.Cov.Copy(p)
	c.covPropagatedNanos = newest.UnixNanos
	return nil
}

func (c *Core) nextStateSeq() uint64 {
	c.stateSeq++
	return c.stateSeq
}

func (c *Core) nextMeasSeq() uint64 {
	c.measSeq++
	return c.measSeq
}
