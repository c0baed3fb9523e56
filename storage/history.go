// Package storage persists the outcome of script reload sessions.
package storage

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/structs"

	goccy "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	schema = `
CREATE TABLE IF NOT EXISTS reload (
  id TEXT PRIMARY KEY,
  paths TEXT NOT NULL,
  started INTEGER NOT NULL,
  duration INTEGER NOT NULL,
  success BOOLEAN NOT NULL,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS reload_started ON reload (started);`
)

var (
	ErrClosed = errors.New("history closed")
)

// reloadRow is how a structs.ReloadRecord is laid out in the reload table.
type reloadRow struct {
	ID       string
	Paths    string
	Started  int64
	Duration int64
	Success  bool
	Error    string
}

func toRow(record structs.ReloadRecord) (*reloadRow, error) {
	paths, err := goccy.Marshal(record.Paths)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &reloadRow{
		ID:       record.ID,
		Paths:    string(paths),
		Started:  record.Started.UnixNano(),
		Duration: int64(record.Duration),
		Success:  record.Success,
		Error:    record.Error,
	}, nil
}

func (r *reloadRow) record() (structs.ReloadRecord, error) {
	result := structs.ReloadRecord{
		ID:       r.ID,
		Started:  time.Unix(0, r.Started).UTC(),
		Duration: time.Duration(r.Duration),
		Success:  r.Success,
		Error:    r.Error,
	}
	if err := goccy.Unmarshal([]byte(r.Paths), &result.Paths); err != nil {
		return structs.ReloadRecord{}, errors.Wrapf(err, "decoding paths of reload %s", r.ID)
	}
	return result, nil
}

type Option func(*History)

// WithAuditLog makes the history also append every record to a JSON log.
func WithAuditLog(audit *AuditLogger) Option {
	return func(h *History) {
		h.audit = audit
	}
}

// History is a sqlite backed log of reload sessions.
type History struct {
	mu    sync.Mutex
	db    *sqlx.DB
	audit *AuditLogger
}

// Open creates or opens the history database at path. The directory is created
// if missing.
func Open(ctx context.Context, path string, opts ...Option) (*History, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, protogame.WithStack(err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, driverName, path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	h := &History{db: db}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RecordReload stores record, replacing any earlier record with the same ID. A
// failing audit log is reported after the record is stored.
func (h *History) RecordReload(record structs.ReloadRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return protogame.WithStack(ErrClosed)
	}
	if _, err := h.db.NamedExec(`
INSERT OR REPLACE INTO reload (id, paths, started, duration, success, error)
VALUES (:id, :paths, :started, :duration, :success, :error)`, row); err != nil {
		return errors.Wrapf(err, "storing reload %s", record.ID)
	}
	if h.audit != nil {
		if err := h.audit.RecordReload(record); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns the n latest records, oldest first.
func (h *History) Recent(n int) ([]structs.ReloadRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil, protogame.WithStack(ErrClosed)
	}
	rows := []reloadRow{}
	if err := h.db.Select(&rows, `
SELECT id, paths, started, duration, success, error FROM (
  SELECT rowid AS seq, * FROM reload ORDER BY started DESC, seq DESC LIMIT ?
) ORDER BY started ASC, seq ASC`, n); err != nil {
		return nil, errors.Wrap(err, "listing reloads")
	}
	result := make([]structs.ReloadRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, nil
}

// Get returns the record with the given session ID.
func (h *History) Get(id string) (*structs.ReloadRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil, protogame.WithStack(ErrClosed)
	}
	row := &reloadRow{}
	if err := h.db.Get(row, "SELECT id, paths, started, duration, success, error FROM reload WHERE id = ?", id); errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(os.ErrNotExist, "reload %s", id)
	} else if err != nil {
		return nil, errors.Wrapf(err, "loading reload %s", id)
	}
	record, err := row.record()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Counts sums successes and failures over the whole history.
func (h *History) Counts() (successes int, failures int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return 0, 0, protogame.WithStack(ErrClosed)
	}
	counts := struct {
		Successes sql.NullInt64
		Failures  sql.NullInt64
	}{}
	if err := h.db.Get(&counts, `
SELECT SUM(CASE WHEN success THEN 1 ELSE 0 END) AS successes,
       SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failures
FROM reload`); err != nil {
		return 0, 0, errors.Wrap(err, "counting reloads")
	}
	return int(counts.Successes.Int64), int(counts.Failures.Int64), nil
}

func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	if h.audit != nil {
		if auditErr := h.audit.Close(); auditErr != nil && err == nil {
			err = auditErr
		}
	}
	if err != nil {
		log.Printf("History: Close failed: %v", err)
	}
	return protogame.WithStack(err)
}
