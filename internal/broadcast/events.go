// Package broadcast fans game events out to subscribers. Table events go to
// everyone watching a table; user events go only to that user.
package broadcast

import (
	"sync"
	"time"
)

// Event types.
const (
	RoundCommitted = "roundCommitted"
	PhaseChanged   = "phaseChanged"
	ProgressTick   = "progressTick"
	RoundSettled   = "roundSettled"
	BetAccepted    = "betAccepted"
	ActionResult   = "actionResult"
	BalanceChanged = "balanceChanged"
)

// Event is one outbound message.
type Event struct {
	Type  string    `json:"type"`
	Seq   int64     `json:"seq"`
	Table string    `json:"table,omitempty"`
	User  string    `json:"user,omitempty"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Publisher emits events. Implementations must not block the caller.
type Publisher interface {
	PublishTable(tableID, eventType string, data any)
	PublishUser(userID, eventType string, data any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTable(string, string, any) {}
func (Nop) PublishUser(string, string, any)  {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) PublishTable(tableID, eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Seq: int64(len(r.events) + 1), Table: tableID, Data: data})
}

func (r *Recorder) PublishUser(userID, eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Seq: int64(len(r.events) + 1), User: userID, Data: data})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
