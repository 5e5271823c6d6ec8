package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cpguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/cpguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alarms (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			cp_id TEXT NOT NULL,
			anomaly_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			action TEXT NOT NULL,
			action_status TEXT NOT NULL,
			ml_score DOUBLE PRECISION,
			ml_confidence DOUBLE PRECISION,
			ml_model TEXT,
			details_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_ts ON alarms(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_cp ON alarms(cp_id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			cp_id TEXT NOT NULL,
			events_window INTEGER NOT NULL,
			time_since_last DOUBLE PRECISION NOT NULL,
			session_active BOOLEAN NOT NULL,
			plugged BOOLEAN NOT NULL,
			meter_delta DOUBLE PRECISION NOT NULL
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

func (s *postgresStore) SaveAlarm(ctx context.Context, alarm model.Alarm) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms (id, ts, cp_id, anomaly_type, severity, action, action_status, ml_score, ml_confidence, ml_model, details_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
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

func (s *postgresStore) SaveSnapshot(ctx context.Context, cpID string, snap model.StateSnapshot) error {
	if s.db == nil || cpID == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (ts, cp_id, events_window, time_since_last, session_active, plugged, meter_delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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
