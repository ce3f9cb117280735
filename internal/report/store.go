// Package report turns a solve result into its external artifacts: the
// pre- and post-optimization residual files, the camera and triangulation
// offset files, an sqlite store of run history, and diagnostic charts.
package report

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps a history of solve runs in a local sqlite database so
// successive parameter sweeps over the same scene can be compared.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the run store at path and brings
// its schema up to date.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migsqlite.WithInstance(s.db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// RunRecord is one row of solve history.
type RunRecord struct {
	RunID              string
	CreatedAt          time.Time
	NumCameras         int
	NumResiduals       int
	InitialCost        float64
	FinalCost          float64
	Termination        string
	Iterations         int
	ProjectionFailures int64
}

// CameraStat is a per-camera reprojection summary for one phase of a run.
type CameraStat struct {
	CameraIdx int
	Phase     string // "initial" or "final"
	MeanPx    float64
	MedianPx  float64
	MaxPx     float64
	Count     int
}

// InsertRun records a solve run and its per-camera statistics, returning
// the generated run id.
func (s *Store) InsertRun(rec RunRecord, stats []CameraStat) (string, error) {
	runID := rec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO solve_runs
			(run_id, num_cameras, num_residuals, initial_cost, final_cost,
			 termination, iterations, projection_failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.NumCameras, rec.NumResiduals, rec.InitialCost, rec.FinalCost,
		rec.Termination, rec.Iterations, rec.ProjectionFailures)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	for _, st := range stats {
		_, err = tx.Exec(`
			INSERT INTO camera_residual_stats
				(run_id, camera_idx, phase, mean_px, median_px, max_px, count)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, st.CameraIdx, st.Phase, st.MeanPx, st.MedianPx, st.MaxPx, st.Count)
		if err != nil {
			return "", fmt.Errorf("inserting camera stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runID, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, created_at, num_cameras, num_residuals, initial_cost,
		       final_cost, termination, iterations, projection_failures
		FROM solve_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.RunID, &r.CreatedAt, &r.NumCameras, &r.NumResiduals,
			&r.InitialCost, &r.FinalCost, &r.Termination, &r.Iterations,
			&r.ProjectionFailures); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CameraStats returns the per-camera statistics of a run, ordered by
// camera and, within a camera, the initial phase before the final one.
func (s *Store) CameraStats(runID string) ([]CameraStat, error) {
	rows, err := s.db.Query(`
		SELECT camera_idx, phase, mean_px, median_px, max_px, count
		FROM camera_residual_stats WHERE run_id = ?
		ORDER BY camera_idx, CASE phase WHEN 'initial' THEN 0 ELSE 1 END`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CameraStat
	for rows.Next() {
		var st CameraStat
		if err := rows.Scan(&st.CameraIdx, &st.Phase, &st.MeanPx, &st.MedianPx,
			&st.MaxPx, &st.Count); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
