package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/voxelizer/internal/lidar/voxeldiag"
)

// RunSummary is one stored diagnostics run without its cases.
type RunSummary struct {
	RunID     string
	StartedAt time.Time
	Geometry  voxeldiag.Geometry
	NumPoints int
	Seed      int64
	Passed    int
	Total     int

	// PrecisionConsistent is false when the geometry yields a different grid
	// once rounded to float32. Shape is the full precision grid shape.
	PrecisionConsistent bool
	Shape               [3]int
}

// CaseRow is one stored case of a diagnostics run.
type CaseRow struct {
	Index             int
	Name              string
	PointsPerVoxel    string // e.g. "bounded(32)" or "dynamic"
	MaxNumVoxels      string
	OK                bool
	Stage             string
	Error             string
	Duration          time.Duration
	NumVoxels         int
	Retained          int
	DroppedOutOfRange int
	DroppedVoxelFull  int
	DroppedTableFull  int
	Saturated         bool
	OccupancyMean     float64
	OccupancyStdDev   float64
	OccupancyMax      int
}

// RecordRun stores a report and all of its cases in one transaction.
func (db *DB) RecordRun(r *voxeldiag.Report) error {
	geometry, err := json.Marshal(r.Geometry)
	if err != nil {
		return fmt.Errorf("failed to encode geometry: %w", err)
	}
	shape, err := json.Marshal(r.Precision.Shape64)
	if err != nil {
		return fmt.Errorf("failed to encode shape: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO voxel_diag_runs (
			run_id, started_unix_nanos, geometry_json, num_points, seed, passed, total,
			precision_consistent, shape_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StartedAt.UnixNano(), string(geometry), r.NumPoints, r.Seed, r.Passed(), len(r.Cases),
		r.Precision.Consistent(), string(shape),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.RunID, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO voxel_diag_cases (
			run_id, case_index, name, points_per_voxel, max_num_voxels, ok, stage, error,
			duration_nanos, num_voxels, retained, dropped_out_of_range, dropped_voxel_full,
			dropped_table_full, saturated, occupancy_mean, occupancy_stddev, occupancy_max
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare case insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range r.Cases {
		var errText string
		if c.Err != nil {
			errText = c.Err.Error()
		}
		_, err := stmt.Exec(
			r.RunID, i, c.Name, c.MaxPointsPerVoxel.String(), c.MaxNumVoxels.String(),
			c.OK(), c.Stage, errText,
			int64(c.Duration), c.NumVoxels, c.Stats.Retained, c.Stats.DroppedOutOfRange,
			c.Stats.DroppedVoxelFull, c.Stats.DroppedTableFull, c.Saturated,
			c.OccupancyMean, c.OccupancyStdDev, c.OccupancyMax,
		)
		if err != nil {
			return fmt.Errorf("failed to insert case %d of run %s: %w", i, r.RunID, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT run_id, started_unix_nanos, geometry_json, num_points, seed, passed, total,
			precision_consistent, shape_json
		FROM voxel_diag_runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			run      RunSummary
			started  int64
			geometry string
			shape    string
		)
		if err := rows.Scan(&run.RunID, &started, &geometry, &run.NumPoints, &run.Seed, &run.Passed, &run.Total,
			&run.PrecisionConsistent, &shape); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(geometry), &run.Geometry); err != nil {
			return nil, fmt.Errorf("failed to decode geometry of run %s: %w", run.RunID, err)
		}
		// Runs recorded before the precision check have no shape.
		if shape != "" {
			if err := json.Unmarshal([]byte(shape), &run.Shape); err != nil {
				return nil, fmt.Errorf("failed to decode shape of run %s: %w", run.RunID, err)
			}
		}
		run.StartedAt = time.Unix(0, started)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CaseResults returns the cases of a run in their original order.
func (db *DB) CaseResults(runID string) ([]CaseRow, error) {
	rows, err := db.Query(`SELECT case_index, name, points_per_voxel, max_num_voxels, ok,
			COALESCE(stage, ''), COALESCE(error, ''), duration_nanos, num_voxels, retained,
			dropped_out_of_range, dropped_voxel_full, dropped_table_full, saturated,
			occupancy_mean, occupancy_stddev, occupancy_max
		FROM voxel_diag_cases WHERE run_id = ? ORDER BY case_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []CaseRow
	for rows.Next() {
		var (
			c        CaseRow
			duration int64
		)
		if err := rows.Scan(&c.Index, &c.Name, &c.PointsPerVoxel, &c.MaxNumVoxels, &c.OK,
			&c.Stage, &c.Error, &duration, &c.NumVoxels, &c.Retained,
			&c.DroppedOutOfRange, &c.DroppedVoxelFull, &c.DroppedTableFull, &c.Saturated,
			&c.OccupancyMean, &c.OccupancyStdDev, &c.OccupancyMax); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(duration)
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// DeleteRun removes a run and, through the foreign key, its cases.
func (db *DB) DeleteRun(runID string) error {
	res, err := db.Exec(`DELETE FROM voxel_diag_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}
