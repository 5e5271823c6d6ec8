package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"cpguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:cpguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alarms (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			cp_id TEXT NOT NULL,
			anomaly_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			action TEXT NOT NULL,
			action_status TEXT NOT NULL,
			ml_score REAL,
			ml_confidence REAL,
			ml_model TEXT,
			details_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_ts ON alarms(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_cp ON alarms(cp_id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			cp_id TEXT NOT NULL,
			events_window INTEGER NOT NULL,
			time_since_last REAL NOT NULL,
			session_active INTEGER NOT NULL,
			plugged INTEGER NOT NULL,
			meter_delta REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_cp ON snapshots(cp_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveAlarm(ctx context.Context, alarm model.Alarm) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms (id, ts, cp_id, anomaly_type, severity, action, action_status, ml_score, ml_confidence, ml_model, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alarm.ID,
		alarm.Timestamp.UTC(),
		alarm.CPID,
		alarm.AnomalyType,
		string(alarm.Severity),
		alarm.Mitigation.Action,
		string(alarm.Mitigation.Status),
		nullFloat(alarm.ML.Score),
		nullFloat(alarm.ML.Confidence),
		alarm.ML.Model,
		encodeJSON(alarm.Details),
	)
	return err
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, cpID string, snap model.StateSnapshot) error {
	if s.db == nil || cpID == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (ts, cp_id, events_window, time_since_last, session_active, plugged, meter_delta)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nowUTC(),
		cpID,
		snap.EventsLastWindow,
		snap.TimeSinceLastEvent,
		snap.SessionActive,
		snap.Plugged,
		snap.MeterDeltaWindow,
	)
	return err
}
