package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// Task statuses.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
)

func taskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskError
}

// TaskRecord describes one in-flight or finished agent task.
type TaskRecord struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	Description string     `json:"description"`
	Engine      string     `json:"engine,omitempty"`
	Role        string     `json:"role,omitempty"`
	InsertedAt  time.Time  `json:"inserted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type taskEntry struct {
	Record   TaskRecord `json:"record"`
	Events   []Event    `json:"events"`
	EventSeq int        `json:"event_seq"`
}

// TaskUpdate is a partial update applied by Update.
type TaskUpdate struct {
	Status      *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *string
	Error       *string
}

// TaskStore is the registry of agent tasks. Cleanup only evicts tasks in a
// terminal status; queued and running tasks are immune.
type TaskStore struct {
	mu      sync.RWMutex
	entries map[string]*taskEntry
	snap    *Snapshot
}

// OpenTaskStore opens the registry backed by <dir>/tasks.db.
func OpenTaskStore(dir string) (*TaskStore, error) {
	snap, err := OpenSnapshot(filepath.Join(dir, "tasks.db"), "tasks")
	if err != nil {
		return nil, err
	}

	s := &TaskStore{entries: make(map[string]*taskEntry), snap: snap}
	recovered := 0
	err = snap.LoadAll(func(id string, record []byte) error {
		var e taskEntry
		if err := json.Unmarshal(record, &e); err != nil {
			slog.Warn("store.task.snapshot_decode_failed", "id", id, "error", err)
			return nil
		}
		s.entries[id] = &e
		recovered++
		return nil
	})
	if err != nil {
		snap.Close()
		return nil, fmt.Errorf("reload task snapshot: %w", err)
	}
	if recovered > 0 {
		slog.Info("store.task.recovered", "records", recovered)
	}
	return s, nil
}

// Insert registers a new task, generating an ID when absent, and returns it.
func (s *TaskStore) Insert(rec TaskRecord) (string, error) {
	now := time.Now().UTC()
	if rec.TaskID == "" {
		rec.TaskID = GenID()
	}
	if rec.Status == "" {
		rec.Status = TaskQueued
	}
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.TaskID]; exists {
		return "", fmt.Errorf("task %s already registered", rec.TaskID)
	}
	e := &taskEntry{Record: rec}
	s.entries[rec.TaskID] = e
	s.persistLocked(rec.TaskID, e)
	return rec.TaskID, nil
}

// Update applies a partial update. Unknown IDs return false.
func (s *TaskStore) Update(id string, up TaskUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if up.Status != nil {
		e.Record.Status = *up.Status
	}
	if up.StartedAt != nil {
		e.Record.StartedAt = up.StartedAt
	}
	if up.CompletedAt != nil {
		e.Record.CompletedAt = up.CompletedAt
	}
	if up.Result != nil {
		e.Record.Result = *up.Result
	}
	if up.Error != nil {
		e.Record.Error = *up.Error
	}
	e.Record.UpdatedAt = time.Now().UTC()
	s.persistLocked(id, e)
	return true
}

// Get returns a copy of the record and its events in chronological order.
func (s *TaskStore) Get(id string) (TaskRecord, []Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return TaskRecord{}, nil, false
	}
	events := make([]Event, len(e.Events))
	copy(events, e.Events)
	return e.Record, events, true
}

// AppendEvent records an event, retaining the most recent 100 entries.
func (s *TaskStore) AppendEvent(id, eventType string, data map[string]any) bool {
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
	e.Record.UpdatedAt = time.Now().UTC()
	s.persistLocked(id, e)
	return true
}

// Cleanup evicts completed/error tasks older than ttl and returns the count.
func (s *TaskStore) Cleanup(ttl time.Duration) int {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if !taskTerminal(e.Record.Status) {
			continue
		}
		ref := e.Record.UpdatedAt
		if e.Record.CompletedAt != nil && e.Record.CompletedAt.After(ref) {
			ref = *e.Record.CompletedAt
		}
		if now.Sub(ref) > ttl {
			delete(s.entries, id)
			if err := s.snap.Delete(id); err != nil {
				slog.Warn("store.task.snapshot_delete_failed", "id", id, "error", err)
			}
			evicted++
		}
	}
	return evicted
}

// Clear drops every record.
func (s *TaskStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*taskEntry)
	if err := s.snap.Clear(); err != nil {
		slog.Warn("store.task.snapshot_clear_failed", "error", err)
	}
}

// Status returns record counts per status.
func (s *TaskStore) Status() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range s.entries {
		counts[e.Record.Status]++
	}
	return counts
}

// Close releases the snapshot handle.
func (s *TaskStore) Close() error {
	return s.snap.Close()
}

func (s *TaskStore) persistLocked(id string, e *taskEntry) {
	if err := s.snap.Put(id, e, e.Record.UpdatedAt.Unix()); err != nil {
		slog.Warn("store.task.snapshot_write_failed", "id", id, "error", err)
	}
}
