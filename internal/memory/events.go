package memory

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a store lifecycle event.
type EventType string

const (
	EventMemoryCreated   EventType = "memory_created"
	EventMemoryDeleted   EventType = "memory_deleted"
	EventMemoryUpdated   EventType = "memory_updated"
	EventSearchPerformed EventType = "search_performed"
)

// Event is emitted after a store operation completes.
// Memory is a private copy; observers may keep it.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Time        time.Time `json:"time"`
	Memory      *Memory   `json:"memory,omitempty"`
	Query       string    `json:"query,omitempty"`
	Project     string    `json:"project,omitempty"`
	ResultCount int       `json:"result_count,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
}

func newEvent(t EventType, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: at}
}

// Observer receives store events. Observe is called synchronously, outside the store lock.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }
