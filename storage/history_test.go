package storage

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bxcodec/faker/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/zond/protogame/structs"

	goccy "github.com/goccy/go-json"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(i int, success bool) structs.ReloadRecord {
	r := structs.ReloadRecord{
		ID:       faker.UUIDHyphenated(),
		Paths:    []string{"/game/Run/Data/Scripts/" + faker.Word() + ".js"},
		Started:  epoch.Add(time.Duration(i) * time.Second),
		Duration: time.Duration(i+1) * time.Millisecond,
		Success:  success,
	}
	if !success {
		r.Error = "failed to execute script: " + faker.Sentence()
	}
	return r
}

func openHistory(t *testing.T, opts ...Option) (*History, string) {
	t.Helper()
	dir := t.TempDir()
	h, err := Open(context.Background(), filepath.Join(dir, "db", "history.sqlite"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Error(err)
		}
	})
	return h, dir
}

func TestRecordAndRecent(t *testing.T) {
	h, _ := openHistory(t)
	want := []structs.ReloadRecord{}
	for i := 0; i < 5; i++ {
		r := record(i, i%2 == 0)
		if err := h.RecordReload(r); err != nil {
			t.Fatal(err)
		}
		want = append(want, r)
	}
	got, err := h.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want[2:], got); diff != "" {
		t.Errorf("Recent(3) diff (-want +got):\n%s", diff)
	}
	got, err = h.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Recent(10) diff (-want +got):\n%s", diff)
	}
	got, err = h.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Recent(0) = %v", got)
	}

	successes, failures, err := h.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if successes != 3 || failures != 2 {
		t.Errorf("Counts() = %d, %d, want 3, 2", successes, failures)
	}
}

func TestGet(t *testing.T) {
	h, _ := openHistory(t)
	r := record(0, false)
	r.Paths = append(r.Paths, "/game/Run/Data/Scripts/Other.js")
	if err := h.RecordReload(r); err != nil {
		t.Fatal(err)
	}
	got, err := h.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&r, got); diff != "" {
		t.Errorf("Get diff (-want +got):\n%s", diff)
	}
	if _, err := h.Get("missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Get(missing) = %v, want os.ErrNotExist", err)
	}

	r.Success = true
	r.Error = ""
	if err := h.RecordReload(r); err != nil {
		t.Fatal(err)
	}
	if got, err := h.Get(r.ID); err != nil || !got.Success {
		t.Errorf("replaced record = %+v, %v", got, err)
	}
}

func TestEmptyCounts(t *testing.T) {
	h, _ := openHistory(t)
	successes, failures, err := h.Counts()
	if err != nil || successes != 0 || failures != 0 {
		t.Errorf("Counts() = %d, %d, %v", successes, failures, err)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	h, err := Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	r := record(0, true)
	if err := h.RecordReload(r); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordReload(r); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordReload after Close = %v, want ErrClosed", err)
	}
	if h, err = Open(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	got, err := h.Recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]structs.ReloadRecord{r}, got); diff != "" {
		t.Errorf("reopened diff (-want +got):\n%s", diff)
	}
}

func TestClosedAuditLog(t *testing.T) {
	audit, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	h, _ := openHistory(t, WithAuditLog(audit))
	if err := audit.Close(); err != nil {
		t.Fatal(err)
	}
	r := record(0, true)
	if err := h.RecordReload(r); !errors.Is(err, ErrAuditClosed) {
		t.Fatalf("got %v, want ErrAuditClosed", err)
	}
	got, err := h.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, *got); diff != "" {
		t.Errorf("stored diff (-want +got):\n%s", diff)
	}
	if err := audit.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestAuditLog(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	audit, err := NewAuditLogger(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := openHistory(t, WithAuditLog(audit))
	ok := record(0, true)
	failed := record(1, false)
	for _, r := range []structs.ReloadRecord{ok, failed} {
		if err := h.RecordReload(r); err != nil {
			t.Fatal(err)
		}
	}

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	entries := []AuditEntry{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry := AuditEntry{}
		if err := goccy.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("parsing %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	want := []AuditEntry{
		{
			Time:      ok.Started.Format(time.RFC3339Nano),
			SessionID: ok.ID,
			Event:     EventReloadSucceeded,
			Paths:     ok.Paths,
			Duration:  "1ms",
		},
		{
			Time:      failed.Started.Format(time.RFC3339Nano),
			SessionID: failed.ID,
			Event:     EventReloadFailed,
			Paths:     failed.Paths,
			Duration:  "2ms",
			Error:     failed.Error,
		},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("audit diff (-want +got):\n%s", diff)
	}
}
