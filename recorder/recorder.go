// Package recorder persists published filtered odometry to SQLite so runs can be inspected and
// plotted after the fact.
package recorder

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	// registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"go.viam.com/ekffusion/fusion"
	"go.viam.com/ekffusion/logging"
	"go.viam.com/ekffusion/spatialmath"
)

//go:embed schema.sql
var schemaSQL string

// Run describes one recording session.
type Run struct {
	ID      string
	Started time.Time
	Config  fusion.Config
	Samples int
}

// Store records filtered odometry for a single run. It implements fusion.Sink.
type Store struct {
	db     *sql.DB
	logger logging.Logger
	runID  string

	mu     sync.Mutex
	insert *sql.Stmt
	seq    int64
}

// Open opens (creating if needed) the database at path and starts a new run recorded with cfg.
func Open(ctx context.Context, path string, cfg fusion.Config, logger logging.Logger) (*Store, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, multierr.Combine(err, db.Close())
	}
	runID := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO runs (id, started_unix_nanos, config_json) VALUES (?, ?, ?)`,
		runID, time.Now().UnixNano(), string(cfgJSON),
	); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot start run"), db.Close())
	}

	insert, err := db.PrepareContext(ctx, `INSERT INTO odometry (
		run_id, seq, stamp_unix_nanos, publish_trigger, frame_id, child_frame_id,
		x, y, z, roll, pitch, yaw, vx, vy, vz, wx, wy, wz,
		pose_covariance_json, twist_covariance_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, multierr.Combine(err, db.Close())
	}

	logger.Infow("recording filtered odometry", "path", path, "run", runID)
	return &Store{db: db, logger: logger, runID: runID, insert: insert}, nil
}

// OpenExisting opens the database at path for reading recorded runs. The returned store has no run
// of its own and Publish fails.
func OpenExisting(ctx context.Context, path string, logger logging.Logger) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "cannot open recording database %q", path)
	}
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open recording database %q", path)
	}
	// a single connection keeps the in-memory database alive and serializes writes
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, multierr.Combine(errors.Wrap(err, pragma), db.Close())
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot create recording schema"), db.Close())
	}
	return db, nil
}

// RunID is the id of the run this store appends to, empty for a store from OpenExisting.
func (s *Store) RunID() string {
	return s.runID
}

// Publish appends one record to the current run.
func (s *Store) Publish(ctx context.Context, odom fusion.FilteredOdometry) error {
	poseCov, err := json.Marshal(odom.PoseCovariance)
	if err != nil {
		return err
	}
	twistCov, err := json.Marshal(odom.TwistCovariance)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return errors.New("recording database was opened read only")
	}
	if _, err := s.insert.ExecContext(ctx,
		s.runID, s.seq, odom.Stamp.UnixNano(), string(odom.Trigger), odom.FrameID, odom.ChildFrameID,
		odom.Position.X, odom.Position.Y, odom.Position.Z,
		odom.Euler.Roll, odom.Euler.Pitch, odom.Euler.Yaw,
		odom.LinearVelocity.X, odom.LinearVelocity.Y, odom.LinearVelocity.Z,
		odom.AngularVelocity.X, odom.AngularVelocity.Y, odom.AngularVelocity.Z,
		string(poseCov), string(twistCov),
	); err != nil {
		return errors.Wrap(err, "cannot record filtered odometry")
	}
	s.seq++
	return nil
}

// Runs lists every run in the database, oldest first.
func (s *Store) Runs(ctx context.Context) (runs []Run, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_unix_nanos, r.config_json, COUNT(o.seq)
		FROM runs r LEFT JOIN odometry o ON o.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_unix_nanos, r.id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, rows.Close())
	}()

	for rows.Next() {
		var (
			run     Run
			started int64
			cfgJSON string
		)
		if err := rows.Scan(&run.ID, &started, &cfgJSON, &run.Samples); err != nil {
			return nil, err
		}
		run.Started = time.Unix(0, started)
		if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
			return nil, errors.Wrapf(err, "bad config for run %s", run.ID)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Trajectory returns the records of a run in the order they were published.
func (s *Store) Trajectory(ctx context.Context, runID string) (out []fusion.FilteredOdometry, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stamp_unix_nanos, publish_trigger, frame_id, child_frame_id,
			x, y, z, roll, pitch, yaw, vx, vy, vz, wx, wy, wz,
			pose_covariance_json, twist_covariance_json
		FROM odometry WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, rows.Close())
	}()

	for rows.Next() {
		var (
			odom              fusion.FilteredOdometry
			stamp             int64
			trigger           string
			poseCov, twistCov string
			p, v, w           r3.Vector
			ea                spatialmath.EulerAngles
		)
		if err := rows.Scan(&stamp, &trigger, &odom.FrameID, &odom.ChildFrameID,
			&p.X, &p.Y, &p.Z, &ea.Roll, &ea.Pitch, &ea.Yaw,
			&v.X, &v.Y, &v.Z, &w.X, &w.Y, &w.Z,
			&poseCov, &twistCov,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(poseCov), &odom.PoseCovariance); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(twistCov), &odom.TwistCovariance); err != nil {
			return nil, err
		}
		odom.Stamp = time.Unix(0, stamp)
		odom.Trigger = fusion.PublishTrigger(trigger)
		odom.Position, odom.LinearVelocity, odom.AngularVelocity = p, v, w
		odom.Euler = ea
		odom.Orientation = ea.Quaternion()
		out = append(out, odom)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return s.db.Close()
	}
	return multierr.Combine(s.insert.Close(), s.db.Close())
}
