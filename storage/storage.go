// Package storage holds the snapshot backends behind store.Persister.
//
// Every backend stores the same thing: the whole store as one snapshot,
// replaced atomically on each save. The file and s3 backends keep the JSON
// form of store.Snapshot; sqlite and postgres spread it over tables so the
// data can be inspected with plain SQL.
//
// Remote backends (postgres, s3) are wrapped in a circuit breaker so a dead
// dependency fails fast instead of stalling the flusher on every tick.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/pkg/circuitbreaker"
	"github.com/verayang01/chatd/store"
)

// New opens the backend selected by cfg. The memory backend has no
// persister and New returns nil for it.
func New(ctx context.Context, cfg config.StorageConfig) (store.Persister, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("Storage: memory backend selected, nothing will be persisted")
		return nil, nil
	case config.BackendFile:
		return NewFilePersister(cfg.File.Path)
	case config.BackendSQLite:
		return NewSQLitePersister(ctx, cfg.SQLite.Path)
	case config.BackendPostgres:
		p, err := NewPostgresPersister(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return Guard(p, circuitbreaker.DefaultSettings("postgres")), nil
	case config.BackendS3:
		p, err := NewS3Persister(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return Guard(p, circuitbreaker.DefaultSettings("s3")), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func encodeSnapshot(snap *store.Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*store.Snapshot, error) {
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Accounts == nil {
		snap.Accounts = make(map[string]store.AccountRecord)
	}
	return &snap, nil
}
