package journal

import (
	"testing"
	"time"

	"hassconn/go_src/database"
)

func newTestDB(t *testing.T) *database.DiagnosticsDB {
	t.Helper()
	db, err := database.OpenDiagnosticsDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDiagnosticsDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitForEntries(t *testing.T, db *database.DiagnosticsDB, sessionID string, want int) []Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := Query(db, sessionID)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(entries) >= want {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d entries, got %d", want, len(entries))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecord_InsertsAndQueries(t *testing.T) {
	db := newTestDB(t)
	j := New(db, "session-1")
	defer j.Close()

	j.Record("phase_transition", 0, "Authenticating")
	j.Record("request_sent", 3, "get_states")

	entries := waitForEntries(t, db, "session-1", 2)
	if entries[0].Kind != "phase_transition" || entries[1].Kind != "request_sent" {
		t.Errorf("unexpected entry ordering/content: %+v", entries)
	}
	if entries[1].Identifier != 3 {
		t.Errorf("expected identifier 3, got %d", entries[1].Identifier)
	}
}

func TestQuery_FiltersBySessionID(t *testing.T) {
	db := newTestDB(t)
	j1 := New(db, "session-a")
	j2 := New(db, "session-b")
	defer j1.Close()
	defer j2.Close()

	j1.Record("phase_transition", 0, "Command")
	j2.Record("phase_transition", 0, "Authenticating")

	entriesA := waitForEntries(t, db, "session-a", 1)
	if len(entriesA) != 1 || entriesA[0].SessionID != "session-a" {
		t.Errorf("expected exactly one session-a entry, got %+v", entriesA)
	}
}

func TestRecord_DropsWhenBufferFull(t *testing.T) {
	db := newTestDB(t)
	j := &Journal{db: db, sessionID: "overflow", entries: make(chan Entry), stop: make(chan struct{})}
	// No worker goroutines started: every Record call with nothing draining
	// the unbuffered channel must hit the default branch and be dropped.
	for i := 0; i < 5; i++ {
		j.Record("phase_transition", 0, "x")
	}
	if j.Dropped() != 5 {
		t.Errorf("expected 5 dropped entries, got %d", j.Dropped())
	}
}

func TestQuery_NilDatabaseReturnsError(t *testing.T) {
	if _, err := Query(nil, "s"); err == nil {
		t.Error("expected an error for a nil database")
	}
}
