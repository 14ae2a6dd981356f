package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "datawatch/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS fires (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	at           INTEGER NOT NULL,
	producer_id  TEXT    NOT NULL,
	source       TEXT    NOT NULL,
	fire         INTEGER NOT NULL,
	outcome      TEXT    NOT NULL,
	status       INTEGER NOT NULL DEFAULT 0,
	took_ms      INTEGER NOT NULL DEFAULT 0,
	measurements INTEGER NOT NULL DEFAULT 0,
	pairs        INTEGER NOT NULL DEFAULT 0,
	err          TEXT
);
CREATE INDEX IF NOT EXISTS fires_source_at ON fires(source, at);
CREATE INDEX IF NOT EXISTS fires_at ON fires(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("fire audit opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendFire(ctx context.Context, r FireRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fires(at, producer_id, source, fire, outcome, status, took_ms, measurements, pairs, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.At.UnixMilli(), r.ProducerID, r.Source, r.Fire, r.Outcome, r.Status,
		r.TookMS, r.Measurements, r.Pairs, nullStr(r.Error),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx, time.Now().Add(-s.retention)); perr != nil {
			s.log.Debug("fire audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentFires(ctx context.Context, source string, limit int) ([]FireRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, producer_id, source, fire, outcome, status, took_ms, measurements, pairs, COALESCE(err, '')
		 FROM fires WHERE (? = '' OR source = ?) ORDER BY id DESC LIMIT ?`,
		source, source, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FireRecord
	for rows.Next() {
		var (
			r  FireRecord
			at int64
		)
		if err := rows.Scan(&at, &r.ProducerID, &r.Source, &r.Fire, &r.Outcome, &r.Status,
			&r.TookMS, &r.Measurements, &r.Pairs, &r.Error); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fires WHERE at < ?`, before.UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
