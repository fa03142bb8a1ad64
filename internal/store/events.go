package store

import "time"

// maxEvents caps the per-entry event log; oldest entries are dropped.
const maxEvents = 100

// Event is one entry of a record's bounded event log. Seq increases
// monotonically per record and survives trimming.
type Event struct {
	Seq  int            `json:"seq"`
	At   time.Time      `json:"at"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// appendBounded appends an event, dropping the oldest entries beyond the cap.
func appendBounded(events []Event, ev Event) []Event {
	events = append(events, ev)
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	return events
}
