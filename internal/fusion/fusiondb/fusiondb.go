// Package fusiondb persists fusion runs to sqlite for offline analysis:
// periodic state snapshots and a row per applied correction.
package fusiondb

import (
	"database/sql"
	_ "embed"
	"log"

	fusion "github.com/banshee-data/fusion.core/internal/fusion"

	_ "modernc.org/sqlite"
)

type FusionDB struct {
	*sql.DB
}

// schema.sql contains the SQL statements for creating the recorder
// schema: run metadata, state snapshots and applied corrections.
//
//go:embed schema.sql
var schemaSQL string

// NewFusionDB opens (or creates) the recorder database at path.
// Use ":memory:" for tests.
func NewFusionDB(path string) (*FusionDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(schemaSQL); err != nil {
		return nil, err
	}

	log.Println("initialized fusion recorder schema")

	return &FusionDB{db}, nil
}

// CreateRun registers a run and returns nil on success.
func (fdb *FusionDB) CreateRun(runID string, startedUnixNanos int64, extraErrorDims int, notes string) error {
	stmt := `INSERT INTO fusion_runs (run_id, started_unix_nanos, extra_error_dims, notes)
			 VALUES (?, ?, ?, ?)`
	_, err := fdb.Exec(stmt, runID, startedUnixNanos, extraErrorDims, notes)
	return err
}

// InsertStateSnapshot persists one state snapshot for a run.
func (fdb *FusionDB) InsertStateSnapshot(runID string, st *fusion.State, diverged bool) error {
	if st == nil {
		return nil
	}
	stmt := `INSERT INTO fusion_states (run_id, seq, unix_nanos,
				px, py, pz, vx, vy, vz, qw, qx, qy, qz,
				bgx, bgy, bgz, bax, bay, baz, cov_trace, diverged)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	d := 0
	if diverged {
		d = 1
	}
	_, err := fdb.Exec(stmt, runID, st.Seq, st.UnixNanos,
		st.Pos[0], st.Pos[1], st.Pos[2],
		st.Vel[0], st.Vel[1], st.Vel[2],
		st.Ori.W, st.Ori.X, st.Ori.Y, st.Ori.Z,
		st.GyroBias[0], st.GyroBias[1], st.GyroBias[2],
		st.AccelBias[0], st.AccelBias[1], st.AccelBias[2],
		st.CovTrace(), d)
	return err
}

// InsertCorrection persists one applied correction for a run.
func (fdb *FusionDB) InsertCorrection(runID string, sensorID int, measUnixNanos, anchorUnixNanos int64, residualNorm, correctionNorm float64, fuzzy bool) error {
	stmt := `INSERT INTO fusion_corrections (run_id, sensor_id, meas_unix_nanos, anchor_unix_nanos,
				residual_norm, correction_norm, fuzzy)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`
	f := 0
	if fuzzy {
		f = 1
	}
	_, err := fdb.Exec(stmt, runID, sensorID, measUnixNanos, anchorUnixNanos, residualNorm, correctionNorm, f)
	return err
}

// CountStates returns the number of snapshots recorded for a run.
func (fdb *FusionDB) CountStates(runID string) (int, error) {
	var n int
	err := fdb.QueryRow(`SELECT COUNT(*) FROM fusion_states WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// StatePoint is one recorded snapshot position, for plotting.
type StatePoint struct {
	UnixNanos int64
	X, Y, Z   float64
	CovTrace  float64
	Diverged  bool
}

// RunStates returns the recorded snapshots of a run in time order.
func (fdb *FusionDB) RunStates(runID string) ([]StatePoint, error) {
	rows, err := fdb.Query(`SELECT unix_nanos, px, py, pz, cov_trace, diverged
		FROM fusion_states WHERE run_id = ? ORDER BY unix_nanos`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatePoint
	for rows.Next() {
		var p StatePoint
		var d int
		if err := rows.Scan(&p.UnixNanos, &p.X, &p.Y, &p.Z, &p.CovTrace, &d); err != nil {
			return nil, err
		}
		p.Diverged = d != 0
		out = append(out, p)
	}
	return out, rows.Err()
}
