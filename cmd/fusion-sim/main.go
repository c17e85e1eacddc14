// Command fusion-sim runs the estimation core against a synthetic
// circular trajectory: noisy inertial samples at a high rate, delayed
// position fixes at a low rate. It records the run to sqlite and writes
// a trajectory PNG plus an HTML error report for eyeballing filter
// behaviour after tuning changes.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fusion.core/internal/config"
	fusion "github.com/banshee-data/fusion.core/internal/fusion"
	"github.com/banshee-data/fusion.core/internal/fusion/fusiondb"
	"github.com/banshee-data/fusion.core/internal/version"
)

// simFix is a world-frame position measurement with isotropic noise.
type simFix struct {
	stamp int64
	pos   fusion.Vec3
	sigma float64
}

func (f simFix) Stamp() int64  { return f.stamp }
func (f simFix) SensorID() int { return 1 }

func (f simFix) Apply(st *fusion.State) (*mat.VecDense, *mat.Dense, *mat.Dense, error) {
	n := fusion.CoreErrorDims + len(st.Extra)
	res := mat.NewVecDense(3, []float64{
		f.pos[0] - st.Pos[0],
		f.pos[1] - st.Pos[1],
		f.pos[2] - st.Pos[2],
	})
	jac := mat.NewDense(3, n, nil)
	noise := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		jac.Set(i, fusion.ErrPos+i, 1)
		noise.Set(i, i, f.sigma*f.sigma)
	}
	return res, jac, noise, nil
}

// simInit seeds the filter at the first fix position, with the inertial
// reading at that instant so the first integration step has a valid
// left-hand sample.
type simInit struct {
	simFix
	accel fusion.Vec3
}

func (f simInit) InitState(st *fusion.State) error {
	st.Pos = f.pos
	st.Ori = fusion.IdentityQuat()
	st.Accel = f.accel
	return nil
}

// circle describes the ground-truth trajectory: a circle of the given
// radius traversed once per period, starting at the origin.
type circle struct {
	radius float64
	omega  float64
	grav   float64
}

func (c circle) pos(t float64) fusion.Vec3 {
	return fusion.Vec3{
		c.radius * (math.Cos(c.omega*t) - 1),
		c.radius * math.Sin(c.omega*t),
		0,
	}
}

func (c circle) vel(t float64) fusion.Vec3 {
	return fusion.Vec3{
		-c.radius * c.omega * math.Sin(c.omega*t),
		c.radius * c.omega * math.Cos(c.omega*t),
		0,
	}
}

// specificForce is what an ideal accelerometer on a body held at
// identity orientation reports: true acceleration plus reaction to
// gravity.
func (c circle) specificForce(t float64) fusion.Vec3 {
	w2 := c.omega * c.omega
	return fusion.Vec3{
		-c.radius * w2 * math.Cos(c.omega*t),
		-c.radius * w2 * math.Sin(c.omega*t),
		c.grav,
	}
}

// errPoint is one sampled estimate-vs-truth comparison.
type errPoint struct {
	t        float64
	norm     float64
	diverged bool
}

func main() {
	configPath := flag.String("config", "", "Tuning config JSON (defaults to built-in values)")
	outDir := flag.String("out", "fusion-sim-out", "Output directory for db and reports")
	duration := flag.Duration("duration", 60*time.Second, "Simulated run length")
	imuRate := flag.Float64("imu-rate", 100, "Inertial sample rate in Hz")
	fixRate := flag.Float64("fix-rate", 10, "Position fix rate in Hz")
	fixDelay := flag.Duration("fix-delay", 80*time.Millisecond, "Delivery delay of position fixes")
	fixSigma := flag.Float64("fix-sigma", 0.05, "Position fix noise stddev in metres")
	accelSigma := flag.Float64("accel-sigma", 0.05, "Accelerometer noise stddev in m/s²")
	gyroSigma := flag.Float64("gyro-sigma", 0.002, "Gyro noise stddev in rad/s")
	radius := flag.Float64("radius", 10, "Trajectory circle radius in metres")
	period := flag.Duration("period", 30*time.Second, "Trajectory circle period")
	snapshotEvery := flag.Int("snapshot-every", 10, "Record every Nth state snapshot")
	seed := flag.Int64("seed", 1, "Random seed")
	notes := flag.String("notes", "", "Free-form notes stored with the run")
	flag.Parse()

	log.Printf("fusion-sim %s (%s)", version.Version, version.GitSHA)

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("creating output dir: %v", err)
	}

	fdb, err := fusiondb.NewFusionDB(filepath.Join(*outDir, "fusion.db"))
	if err != nil {
		log.Fatalf("opening recorder db: %v", err)
	}
	defer fdb.Close()

	sm := fusion.NewTuningSensorManager(cfg, 0)
	core, err := fusion.NewCore(sm, fusion.StateLayout{
		DriftFreeStart: fusion.ErrPos,
		DriftFreeLen:   6,
	}, fusion.CoreConfigFromTuning(cfg))
	if err != nil {
		log.Fatalf("building core: %v", err)
	}

	runID := uuid.NewString()
	t0 := time.Now().UnixNano()
	if err := fdb.CreateRun(runID, t0, 0, *notes); err != nil {
		log.Fatalf("registering run: %v", err)
	}
	log.Printf("run %s: %v at %.0f Hz imu, %.0f Hz fixes delayed %v",
		runID, *duration, *imuRate, *fixRate, *fixDelay)

	traj := circle{
		radius: *radius,
		omega:  2 * math.Pi / period.Seconds(),
		grav:   cfg.GetGravity(),
	}
	rng := rand.New(rand.NewSource(*seed))
	noisyVec := func(v fusion.Vec3, sigma float64) fusion.Vec3 {
		return fusion.Vec3{
			v[0] + rng.NormFloat64()*sigma,
			v[1] + rng.NormFloat64()*sigma,
			v[2] + rng.NormFloat64()*sigma,
		}
	}
	fixAt := func(t float64) simFix {
		return simFix{
			stamp: t0 + int64(t*1e9),
			pos:   noisyVec(traj.pos(t), *fixSigma),
			sigma: *fixSigma,
		}
	}

	if err := core.Init(simInit{fixAt(0), traj.specificForce(0)}); err != nil {
		log.Fatalf("seeding filter: %v", err)
	}

	var (
		truthXY, estXY plotter.XYs
		errSeries      []errPoint
	)

	imuStep := 1 / *imuRate
	fixStep := 1 / *fixRate
	delay := fixDelay.Seconds()
	nextFix := fixStep
	var pendingFixes []simFix

	steps := int(duration.Seconds() / imuStep)
	for i := 1; i <= steps; i++ {
		t := float64(i) * imuStep

		accel := noisyVec(traj.specificForce(t), *accelSigma)
		gyro := noisyVec(fusion.Vec3{}, *gyroSigma)
		err := core.ProcessInertial(accel, gyro, t0+int64(t*1e9), uint64(i))
		if err != nil {
			log.Fatalf("inertial sample %d: %v", i, err)
		}

		// Fixes are generated on their own clock but delivered late.
		for nextFix <= t {
			pendingFixes = append(pendingFixes, fixAt(nextFix))
			nextFix += fixStep
		}
		for len(pendingFixes) > 0 {
			fx := pendingFixes[0]
			if float64(fx.stamp-t0)/1e9+delay > t {
				break
			}
			pendingFixes = pendingFixes[1:]
			if err := core.IngestMeasurement(fx); err != nil {
				log.Printf("fix at t=%d dropped: %v", fx.stamp, err)
			}
		}

		if i%*snapshotEvery != 0 {
			continue
		}
		st := core.LatestState().Clone()
		diverged := core.Diverged()
		if err := fdb.InsertStateSnapshot(runID, st, diverged); err != nil {
			log.Fatalf("recording snapshot: %v", err)
		}
		truth := traj.pos(t)
		truthXY = append(truthXY, plotter.XY{X: truth[0], Y: truth[1]})
		estXY = append(estXY, plotter.XY{X: st.Pos[0], Y: st.Pos[1]})
		errSeries = append(errSeries, errPoint{
			t:        t,
			norm:     st.Pos.Sub(truth).Norm(),
			diverged: diverged,
		})
	}

	stats := core.Stats()
	log.Printf("run %s done: %d propagations, %d corrections, %d queued, %d numerical failures",
		runID, stats.PropagationsApplied, stats.CorrectionsApplied,
		stats.PendingQueued, stats.NumericalFailures)

	count, err := fdb.CountStates(runID)
	if err != nil {
		log.Fatalf("counting snapshots: %v", err)
	}
	log.Printf("recorded %d snapshots to %s", count, filepath.Join(*outDir, "fusion.db"))

	if err := writeTrajectoryPlot(*outDir, truthXY, estXY); err != nil {
		log.Fatalf("writing trajectory plot: %v", err)
	}

	finalErr := 0.0
	if len(errSeries) > 0 {
		finalErr = errSeries[len(errSeries)-1].norm
	}
	if err := writeErrorReport(*outDir, runID, errSeries); err != nil {
		log.Fatalf("writing error report: %v", err)
	}
	log.Printf("final position error %.3f m; reports in %s", finalErr, *outDir)
}

// writeTrajectoryPlot saves a top-down view of the true and estimated
// paths.
func writeTrajectoryPlot(outDir string, truth, est plotter.XYs) error {
	p := plot.New()
	p.Title.Text = "Trajectory (top-down)"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	truthLine, err := plotter.NewLine(truth)
	if err != nil {
		return err
	}
	estLine, err := plotter.NewLine(est)
	if err != nil {
		return err
	}
	estLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(truthLine, estLine)
	p.Legend.Add("truth", truthLine)
	p.Legend.Add("estimate", estLine)

	return p.Save(8*vg.Inch, 8*vg.Inch, filepath.Join(outDir, "trajectory.png"))
}

// writeErrorReport renders an HTML line chart of position error over
// time, with the divergence flag as a second series.
func writeErrorReport(outDir, runID string, series []errPoint) error {
	x := make([]string, len(series))
	errData := make([]opts.LineData, len(series))
	divData := make([]opts.LineData, len(series))
	for i, p := range series {
		x[i] = fmt.Sprintf("%.1f", p.t)
		errData[i] = opts.LineData{Value: p.norm}
		d := 0
		if p.diverged {
			d = 1
		}
		divData[i] = opts.LineData{Value: d}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Fusion Run " + runID, Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Position error", Subtitle: "run " + runID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "error (m)"}),
	)
	line.SetXAxis(x).
		AddSeries("error norm", errData).
		AddSeries("diverged", divData)

	f, err := os.Create(filepath.Join(outDir, "error-report.html"))
	if err != nil {
		return err
	}
	defer f.Close()
	return line.Render(f)
}
