// Package events carries application notifications (grid results, sync failures, pipeline
// progress) from the services to whoever listens: tests, the state store, websocket clients.
package events

import (
	"sync"
	"time"
)

const (
	GridResult    = "grid_result"
	GridProgress  = "grid_progress"
	GridsApplied  = "grids_applied"
	SyncFailed    = "sync_failed"
	ResumeDone    = "resume_done"
	StateChanged  = "state_changed"
	PipelineEvent = "pipeline"
	BatchDone     = "batch_done"
)

type Event struct {
	Type      string    `json:"type"`
	EpisodeID string    `json:"episodeId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

type Handler func(Event)

// Emitter delivers events synchronously to every handler registered for the event type, and to
// the handlers registered for all types.
type Emitter struct {
	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]Handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]Handler)}
}

// On registers h for eventType, or for every event when eventType is empty. The returned function
// removes the handler.
func (e *Emitter) On(eventType string, h Handler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	if e.handlers[eventType] == nil {
		e.handlers[eventType] = make(map[int]Handler)
	}
	e.handlers[eventType][id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[eventType], id)
	}
}

// Emit is safe on a nil Emitter.
func (e *Emitter) Emit(eventType, episodeID string, data any) {
	if e == nil {
		return
	}
	ev := Event{Type: eventType, EpisodeID: episodeID, Data: data, Time: time.Now()}

	e.mu.RLock()
	hs := make([]Handler, 0, len(e.handlers[eventType])+len(e.handlers[""]))
	for _, h := range e.handlers[eventType] {
		hs = append(hs, h)
	}
	if eventType != "" {
		for _, h := range e.handlers[""] {
			hs = append(hs, h)
		}
	}
	e.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
