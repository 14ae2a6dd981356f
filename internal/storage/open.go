package storage

import (
	"context"
	"errors"
	"strings"

	logx "datawatch/pkg/logx"
)

// Store is the fire audit API.
type Store interface {
	AppendFire(ctx context.Context, r FireRecord) error
	// RecentFires returns up to limit records, newest first. An empty
	// source matches every source.
	RecentFires(ctx context.Context, source string, limit int) ([]FireRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
