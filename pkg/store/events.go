package store

import (
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/tile"
)

// EventType identifies a store change.
type EventType string

const (
	EventInit         EventType = "init"
	EventTilesChanged EventType = "tiles_changed"
	EventCleared      EventType = "cleared"
)

// Event describes one applied mutation. Field is empty when every field was
// cleared; Interval and Status are set when the change concerns a single tile.
type Event struct {
	Type      EventType     `json:"type"`
	Field     string        `json:"field,omitempty"`
	BucketMs  int64         `json:"bucket_ms,omitempty"`
	Interval  tile.Interval `json:"interval"`
	Status    tile.Status   `json:"status,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Subscribe returns a channel receiving every event applied after the call,
// and a function that stops delivery and closes the channel. Slow subscribers
// miss events rather than blocking mutations.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) emit(ev Event) {
	ev.Timestamp = time.Now()

	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("event dropped for slow subscriber", zap.String("type", string(ev.Type)))
		}
	}
}
