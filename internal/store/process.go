// Package store holds the process and task registries: the only
// process-wide mutable state besides the session registry. Both stores are
// concurrent in-memory tables mirrored to crash-safe sqlite snapshots.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Process statuses.
const (
	ProcPending   = "pending"
	ProcRunning   = "running"
	ProcCompleted = "completed"
	ProcError     = "error"
	ProcKilled    = "killed"
	ProcLost      = "lost"
)

// processTerminal reports whether cleanup may evict a record with this status.
func processTerminal(status string) bool {
	switch status {
	case ProcCompleted, ProcError, ProcKilled, ProcLost:
		return true
	}
	return false
}

// ProcessRecord describes one spawned OS process.
type ProcessRecord struct {
	ProcessID   string     `json:"process_id"`
	Status      string     `json:"status"`
	Command     string     `json:"command"`
	Cwd         string     `json:"cwd"`
	OSPid       int        `json:"os_pid,omitempty"`
	InsertedAt  time.Time  `json:"inserted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	LogCount    int        `json:"log_count"`
}

// processEntry is the in-memory unit mirrored to the snapshot.
type processEntry struct {
	Record   ProcessRecord `json:"record"`
	Logs     []string      `json:"logs"`
	Events   []Event       `json:"events"`
	EventSeq int           `json:"event_seq"`
}

// ProcessUpdate is a partial update applied by Update. Nil fields are left
// unchanged.
type ProcessUpdate struct {
	Status      *string
	OSPid       *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
}

// ProcessStore is the TTL-bounded registry of spawned OS processes.
type ProcessStore struct {
	mu          sync.RWMutex
	entries     map[string]*processEntry
	snap        *Snapshot
	maxLogLines int

	// pidAlive is swappable in tests.
	pidAlive func(pid int) bool
}

// OpenProcessStore opens the registry backed by <dir>/processes.db and
// rebuilds the table from the snapshot. Records whose OS process is gone
// are marked lost.
func OpenProcessStore(dir string, maxLogLines int) (*ProcessStore, error) {
	snap, err := OpenSnapshot(filepath.Join(dir, "processes.db"), "processes")
	if err != nil {
		return nil, err
	}

	s := &ProcessStore{
		entries:     make(map[string]*processEntry),
		snap:        snap,
		maxLogLines: maxLogLines,
		pidAlive:    defaultPidAlive,
	}
	if err := s.reload(); err != nil {
		snap.Close()
		return nil, err
	}
	return s, nil
}

func (s *ProcessStore) reload() error {
	recovered := 0
	lost := 0
	err := s.snap.LoadAll(func(id string, record []byte) error {
		var e processEntry
		if err := json.Unmarshal(record, &e); err != nil {
			slog.Warn("store.process.snapshot_decode_failed", "id", id, "error", err)
			return nil
		}
		if !processTerminal(e.Record.Status) && !s.pidAlive(e.Record.OSPid) {
			e.Record.Status = ProcLost
			e.Record.UpdatedAt = time.Now().UTC()
			lost++
		}
		s.entries[id] = &e
		recovered++
		return nil
	})
	if err != nil {
		return fmt.Errorf("reload process snapshot: %w", err)
	}
	if recovered > 0 {
		slog.Info("store.process.recovered", "records", recovered, "lost", lost)
	}
	// Persist the lost transitions so a second restart agrees.
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.Record.Status == ProcLost {
			s.persistLocked(id, e)
		}
	}
	return nil
}

func defaultPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Insert registers a new process record.
func (s *ProcessStore) Insert(rec ProcessRecord) error {
	now := time.Now().UTC()
	if rec.ProcessID == "" {
		rec.ProcessID = GenID()
	}
	if rec.Status == "" {
		rec.Status = ProcPending
	}
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.ProcessID]; exists {
		return fmt.Errorf("process %s already registered", rec.ProcessID)
	}
	e := &processEntry{Record: rec}
	s.entries[rec.ProcessID] = e
	s.persistLocked(rec.ProcessID, e)
	return nil
}

// Update applies a partial update. Unknown IDs return false.
func (s *ProcessStore) Update(id string, up ProcessUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if up.Status != nil {
		e.Record.Status = *up.Status
	}
	if up.OSPid != nil {
		e.Record.OSPid = *up.OSPid
	}
	if up.StartedAt != nil {
		e.Record.StartedAt = up.StartedAt
	}
	if up.CompletedAt != nil {
		e.Record.CompletedAt = up.CompletedAt
	}
	if up.ExitCode != nil {
		e.Record.ExitCode = up.ExitCode
	}
	e.Record.UpdatedAt = time.Now().UTC()
	s.persistLocked(id, e)
	return true
}

// Lookup returns a copy of the record.
func (s *ProcessStore) Lookup(id string) (ProcessRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return ProcessRecord{}, false
	}
	return e.Record, true
}

// AppendLog appends output lines to the bounded FIFO log buffer. Overflow
// trims from the head in batches, so the buffer transiently exceeds the
// cap but never by more than one batch.
func (s *ProcessStore) AppendLog(id string, lines ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}

	e.Logs = append(e.Logs, lines...)
	batch := s.trimBatch()
	if over := len(e.Logs) - s.maxLogLines; over >= batch {
		e.Logs = e.Logs[len(e.Logs)-s.maxLogLines:]
	}
	e.Record.LogCount = min(len(e.Logs), s.maxLogLines)
	e.Record.UpdatedAt = time.Now().UTC()
	s.persistLocked(id, e)
	return true
}

func (s *ProcessStore) trimBatch() int {
	return max(s.maxLogLines/4, 8)
}

// Logs returns the most recent log lines, at most maxLogLines.
func (s *ProcessStore) Logs(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	logs := e.Logs
	if len(logs) > s.maxLogLines {
		logs = logs[len(logs)-s.maxLogLines:]
	}
	out := make([]string, len(logs))
	copy(out, logs)
	return out
}

// AppendEvent records an event on the process's bounded log.
func (s *ProcessStore) AppendEvent(id, eventType string, data map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.EventSeq++
	e.Events = appendBounded(e.Events, Event{
		Seq:  e.EventSeq,
		At:   time.Now().UTC(),
		Type: eventType,
		Data: data,
	})
	s.persistLocked(id, e)
	return true
}

// Events returns a copy of the process's event log in chronological order.
func (s *ProcessStore) Events(id string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	out := make([]Event, len(e.Events))
	copy(out, e.Events)
	return out
}

// Cleanup evicts terminal records older than ttl. Running and pending
// records are never evicted regardless of age. Returns the eviction count.
func (s *ProcessStore) Cleanup(ttl time.Duration) int {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if !processTerminal(e.Record.Status) {
			continue
		}
		ref := e.Record.UpdatedAt
		if e.Record.CompletedAt != nil && e.Record.CompletedAt.After(ref) {
			ref = *e.Record.CompletedAt
		}
		if now.Sub(ref) > ttl {
			delete(s.entries, id)
			if err := s.snap.Delete(id); err != nil {
				slog.Warn("store.process.snapshot_delete_failed", "id", id, "error", err)
			}
			evicted++
		}
	}
	return evicted
}

// Clear drops every record.
func (s *ProcessStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*processEntry)
	if err := s.snap.Clear(); err != nil {
		slog.Warn("store.process.snapshot_clear_failed", "error", err)
	}
}

// Status returns record counts per status.
func (s *ProcessStore) Status() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range s.entries {
		counts[e.Record.Status]++
	}
	return counts
}

// Close releases the snapshot handle.
func (s *ProcessStore) Close() error {
	return s.snap.Close()
}

func (s *ProcessStore) persistLocked(id string, e *processEntry) {
	if err := s.snap.Put(id, e, e.Record.UpdatedAt.Unix()); err != nil {
		slog.Warn("store.process.snapshot_write_failed", "id", id, "error", err)
	}
}
