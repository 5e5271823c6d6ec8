package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"cpguard/internal/config"
	"cpguard/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlarm(ctx context.Context, alarm model.Alarm) error
	SaveSnapshot(ctx context.Context, cpID string, snap model.StateSnapshot) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
