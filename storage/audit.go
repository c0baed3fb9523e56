package storage

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/structs"

	goccy "github.com/goccy/go-json"
)

// AuditLogger appends every reload session to a file as one JSON object per line.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *goccy.Encoder
}

// AuditEntry is a single line of the audit log.
type AuditEntry struct {
	Time      string   `json:"time"`
	SessionID string   `json:"session_id"`
	Event     string   `json:"event"`
	Paths     []string `json:"paths"`
	Duration  string   `json:"duration"`
	Error     string   `json:"error,omitempty"`
}

const (
	EventReloadSucceeded = "reload_succeeded"
	EventReloadFailed    = "reload_failed"
)

func NewAuditLogger(path string) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, protogame.WithStack(err)
	}
	return &AuditLogger{
		file: f,
		enc:  goccy.NewEncoder(f),
	}, nil
}

var (
	ErrAuditClosed = errors.New("audit log closed")
)

// RecordReload writes record and flushes to disk.
func (a *AuditLogger) RecordReload(record structs.ReloadRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return protogame.WithStack(ErrAuditClosed)
	}
	event := EventReloadSucceeded
	if !record.Success {
		event = EventReloadFailed
	}
	if err := a.enc.Encode(AuditEntry{
		Time:      record.Started.UTC().Format(time.RFC3339Nano),
		SessionID: record.ID,
		Event:     event,
		Paths:     record.Paths,
		Duration:  record.Duration.String(),
		Error:     record.Error,
	}); err != nil {
		return errors.Wrapf(err, "writing audit entry for reload %s", record.ID)
	}
	if err := a.file.Sync(); err != nil {
		log.Printf("audit log sync failed: %v", err)
	}
	return nil
}

// Close closes the file. Later calls do nothing.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return protogame.WithStack(err)
}
