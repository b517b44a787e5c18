package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

const schema = `
CREATE TABLE IF NOT EXISTS calibrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	camera TEXT NOT NULL,
	ccd INTEGER NOT NULL,
	guideport TEXT NOT NULL,
	controltype INTEGER NOT NULL,
	taken INTEGER NOT NULL,
	a0 REAL, a1 REAL, a2 REAL, a3 REAL, a4 REAL, a5 REAL,
	complete INTEGER NOT NULL,
	flipped INTEGER NOT NULL,
	focallength REAL,
	pixelsize REAL,
	guiderate REAL,
	interval REAL,
	originx REAL,
	originy REAL,
	residual REAL
);
CREATE INDEX IF NOT EXISTS idx_calibrations_descriptor ON calibrations(camera, ccd, guideport);

CREATE TABLE IF NOT EXISTS calibration_points (
	calibration INTEGER NOT NULL REFERENCES calibrations(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	t REAL NOT NULL,
	ra REAL NOT NULL,
	dec REAL NOT NULL,
	starx REAL NOT NULL,
	stary REAL NOT NULL,
	PRIMARY KEY (calibration, seq)
);

CREATE TABLE IF NOT EXISTS tracking_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session TEXT NOT NULL,
	camera TEXT NOT NULL,
	ccd INTEGER NOT NULL,
	guideport TEXT NOT NULL,
	calibration INTEGER,
	started INTEGER NOT NULL,
	ended INTEGER
);

CREATE TABLE IF NOT EXISTS tracking_points (
	run INTEGER NOT NULL REFERENCES tracking_runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	taken INTEGER NOT NULL,
	offsetx REAL NOT NULL,
	offsety REAL NOT NULL,
	correctionra REAL NOT NULL,
	correctiondec REAL NOT NULL,
	controltype INTEGER NOT NULL,
	PRIMARY KEY (run, seq)
);
`

// SQLite stores calibrations and runs in a single database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection: SQLite has a single writer and :memory: is per connection
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	debug.Verbose("Store opened at %s", path)
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Calibrations is the calibration store backed by s.
func (s *SQLite) Calibrations() *SQLiteCalibrations {
	return &SQLiteCalibrations{db: s.db}
}

// Runs is the tracking store backed by s.
func (s *SQLite) Runs() *SQLiteRuns {
	return &SQLiteRuns{db: s.db}
}

func bool2int(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nanos maps the zero time to 0 and back.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// SQLiteCalibrations implements the calibration store on SQLite.
type SQLiteCalibrations struct {
	db *sql.DB
}

// Add inserts c with its points in one transaction and returns the new id.
func (s *SQLiteCalibrations) Add(ctx context.Context, c *calibration.Calibration) (id int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `INSERT INTO calibrations
		(camera, ccd, guideport, controltype, taken, a0, a1, a2, a3, a4, a5, complete, flipped,
		 focallength, pixelsize, guiderate, interval, originx, originy, residual)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Descriptor.Camera, c.Descriptor.CCD, c.Descriptor.GuidePort, int(c.Type), nanos(c.When),
		c.A[0], c.A[1], c.A[2], c.A[3], c.A[4], c.A[5], bool2int(c.Complete), bool2int(c.Flipped),
		c.FocalLength, c.PixelSize, c.GuideRate, c.Interval, c.Origin.X, c.Origin.Y, c.Residual)
	if err != nil {
		return 0, fmt.Errorf("insert calibration: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("calibration id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO calibration_points
		(calibration, seq, t, ra, dec, starx, stary) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare points: %w", err)
	}
	defer stmt.Close()
	for i, p := range c.Points {
		if _, err = stmt.ExecContext(ctx, id, i, p.T, p.Offset.X, p.Offset.Y, p.Star.X, p.Star.Y); err != nil {
			return 0, fmt.Errorf("insert calibration point %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit calibration: %w", err)
	}
	debug.Verbose("Calibration %d stored with %d points", id, len(c.Points))
	return id, nil
}

func (s *SQLiteCalibrations) Get(ctx context.Context, id int64) (*calibration.Calibration, error) {
	c := &calibration.Calibration{ID: id}
	var typ int
	var taken int64
	var complete, flipped int
	err := s.db.QueryRowContext(ctx, `SELECT camera, ccd, guideport, controltype, taken,
		a0, a1, a2, a3, a4, a5, complete, flipped,
		focallength, pixelsize, guiderate, interval, originx, originy, residual
		FROM calibrations WHERE id = ?`, id).Scan(
		&c.Descriptor.Camera, &c.Descriptor.CCD, &c.Descriptor.GuidePort, &typ, &taken,
		&c.A[0], &c.A[1], &c.A[2], &c.A[3], &c.A[4], &c.A[5], &complete, &flipped,
		&c.FocalLength, &c.PixelSize, &c.GuideRate, &c.Interval, &c.Origin.X, &c.Origin.Y, &c.Residual)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query calibration %d: %w", id, err)
	}
	c.Type = calibration.ControlType(typ)
	c.When = fromNanos(taken)
	c.Complete = complete != 0
	c.Flipped = flipped != 0

	rows, err := s.db.QueryContext(ctx, `SELECT t, ra, dec, starx, stary
		FROM calibration_points WHERE calibration = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query calibration points: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p calibration.Point
		if err := rows.Scan(&p.T, &p.Offset.X, &p.Offset.Y, &p.Star.X, &p.Star.Y); err != nil {
			return nil, fmt.Errorf("scan calibration point: %w", err)
		}
		c.Points = append(c.Points, p)
	}
	return c, rows.Err()
}

// FindByDescriptor returns matching ids, oldest first.
func (s *SQLiteCalibrations) FindByDescriptor(ctx context.Context, d calibration.Descriptor) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM calibrations
		WHERE camera = ? AND ccd = ? AND guideport = ? ORDER BY id`, d.Camera, d.CCD, d.GuidePort)
	if err != nil {
		return nil, fmt.Errorf("query calibrations: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan calibration id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SQLiteRuns implements the tracking store on SQLite.
type SQLiteRuns struct {
	db *sql.DB
}

// Add inserts the run header and any points it already has.
func (s *SQLiteRuns) Add(ctx context.Context, r *tracking.Run) (int64, error) {
	var ended sql.NullInt64
	if !r.Ended.IsZero() {
		ended = sql.NullInt64{Int64: r.Ended.UnixNano(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO tracking_runs
		(session, camera, ccd, guideport, calibration, started, ended) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Session, r.Descriptor.Camera, r.Descriptor.CCD, r.Descriptor.GuidePort, r.CalibrationID,
		nanos(r.Started), ended)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	for _, p := range r.Points {
		if err := s.AppendPoint(ctx, id, p); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// AppendPoint adds p after the last point of the run.
func (s *SQLiteRuns) AppendPoint(ctx context.Context, runID int64, p tracking.Point) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tracking_points
		(run, seq, taken, offsetx, offsety, correctionra, correctiondec, controltype)
		SELECT id, (SELECT COALESCE(MAX(seq), -1) + 1 FROM tracking_points WHERE run = ?), ?, ?, ?, ?, ?, ?
		FROM tracking_runs WHERE id = ?`,
		runID, nanos(p.When), p.Offset.X, p.Offset.Y, p.Correction.X, p.Correction.Y, int(p.Control), runID)
	if err != nil {
		return fmt.Errorf("insert tracking point: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return nil
}

// History returns the points of a run in insertion order.
func (s *SQLiteRuns) History(ctx context.Context, runID int64) ([]tracking.Point, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracking_runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT taken, offsetx, offsety, correctionra, correctiondec, controltype
		FROM tracking_points WHERE run = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tracking points: %w", err)
	}
	defer rows.Close()
	var points []tracking.Point
	for rows.Next() {
		var p tracking.Point
		var taken int64
		var typ int
		if err := rows.Scan(&taken, &p.Offset.X, &p.Offset.Y, &p.Correction.X, &p.Correction.Y, &typ); err != nil {
			return nil, fmt.Errorf("scan tracking point: %w", err)
		}
		p.When = fromNanos(taken)
		p.Control = calibration.ControlType(typ)
		points = append(points, p)
	}
	return points, rows.Err()
}

// End records the end of a run.
func (s *SQLiteRuns) End(ctx context.Context, runID int64, ended time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tracking_runs SET ended = ? WHERE id = ?`, nanos(ended), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return nil
}

// Get returns a run with its points.
func (s *SQLiteRuns) Get(ctx context.Context, runID int64) (*tracking.Run, error) {
	r := &tracking.Run{ID: runID}
	var started int64
	var ended, calID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT session, camera, ccd, guideport, calibration, started, ended
		FROM tracking_runs WHERE id = ?`, runID).Scan(
		&r.Session, &r.Descriptor.Camera, &r.Descriptor.CCD, &r.Descriptor.GuidePort, &calID, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %d: %w", runID, err)
	}
	r.CalibrationID = calID.Int64
	r.Started = fromNanos(started)
	if ended.Valid {
		r.Ended = fromNanos(ended.Int64)
	}
	if r.Points, err = s.History(ctx, runID); err != nil {
		return nil, err
	}
	return r, nil
}
