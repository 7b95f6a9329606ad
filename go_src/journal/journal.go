// Package journal records a best-effort, non-blocking diagnostics trail of
// session lifecycle events into the diagnostics database.
package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hassconn/go_src/database"
)

const (
	recordBufferSize = 256
	workerCount      = 2
	insertTimeout    = 2 * time.Second
)

// Entry is one recorded diagnostics row.
type Entry struct {
	Timestamp  time.Time
	SessionID  string
	Kind       string
	Identifier uint64
	Detail     string
}

// Journal records session lifecycle events on a small worker pool fed by a
// buffered channel, so a slow or stalled database never holds up the
// protocol path. A full buffer drops the entry and increments Dropped.
type Journal struct {
	db        *database.DiagnosticsDB
	sessionID string

	entries chan Entry
	dropped int64

	wg   sync.WaitGroup
	stop chan struct{}
}

// New starts a Journal's worker pool. Call Close when the owning session
// shuts down.
func New(db *database.DiagnosticsDB, sessionID string) *Journal {
	j := &Journal{
		db:        db,
		sessionID: sessionID,
		entries:   make(chan Entry, recordBufferSize),
		stop:      make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		j.wg.Add(1)
		go j.worker()
	}
	return j
}

// Record enqueues one diagnostics row. It never blocks: if the internal
// buffer is full the entry is dropped and Dropped's counter is incremented.
func (j *Journal) Record(kind string, identifier uint64, detail string) {
	entry := Entry{
		Timestamp:  time.Now(),
		SessionID:  j.sessionID,
		Kind:       kind,
		Identifier: identifier,
		Detail:     detail,
	}
	select {
	case j.entries <- entry:
	default:
		atomic.AddInt64(&j.dropped, 1)
	}
}

// Dropped reports how many entries were discarded because the buffer was
// full when Record was called.
func (j *Journal) Dropped() int64 {
	return atomic.LoadInt64(&j.dropped)
}

func (j *Journal) worker() {
	defer j.wg.Done()
	for {
		select {
		case entry := <-j.entries:
			j.insert(entry)
		case <-j.stop:
			for {
				select {
				case entry := <-j.entries:
					j.insert(entry)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) insert(e Entry) {
	if j.db == nil || j.db.DB() == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	_, _ = j.db.DB().ExecContext(ctx,
		`INSERT INTO session_events (ts, session_id, kind, identifier, detail) VALUES (?, ?, ?, ?, ?)`,
		e.Timestamp, e.SessionID, e.Kind, e.Identifier, e.Detail,
	)
}

// Close stops the worker pool. Entries already enqueued are drained before
// returning; Record calls after Close has started are silently dropped
// once the buffer fills.
func (j *Journal) Close() {
	close(j.stop)
	j.wg.Wait()
}

// Query returns every recorded entry for sessionID, oldest first, for
// offline inspection by tests and the demo CLI's --dump-journal flag.
func Query(db *database.DiagnosticsDB, sessionID string) ([]Entry, error) {
	if db == nil || db.DB() == nil {
		return nil, fmt.Errorf("journal: database is not open")
	}
	rows, err := db.DB().Query(
		`SELECT ts, session_id, kind, identifier, detail FROM session_events WHERE session_id = ? ORDER BY ts ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query failed: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.SessionID, &e.Kind, &e.Identifier, &e.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan failed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: row iteration failed: %w", err)
	}
	return out, nil
}
