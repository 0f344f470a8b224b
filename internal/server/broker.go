package server

import (
	"sync"

	"mirrorball/internal/model"
)

type StreamEventType string

const (
	StreamEventSnapshot   StreamEventType = "snapshot"
	StreamEventResolution StreamEventType = "resolution"
)

type StreamEvent struct {
	Type     StreamEventType          `json:"type"`
	Seq      uint64                   `json:"seq,omitempty"`
	Snapshot *model.Snapshot          `json:"-"`
	Changes  []model.IssueChange      `json:"changes,omitempty"`
	Outcome  *model.ResolutionOutcome `json:"outcome,omitempty"`
}

// SnapshotBroker fans stream events out to websocket subscribers. A slow
// subscriber loses its oldest undelivered event rather than blocking the
// sync loop.
type SnapshotBroker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]chan StreamEvent
}

func NewSnapshotBroker(bufferSize int) *SnapshotBroker {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &SnapshotBroker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]chan StreamEvent),
	}
}

func (b *SnapshotBroker) Subscribe() (<-chan StreamEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StreamEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = ch
	return ch, func() {
		b.unsubscribe(id)
	}
}

// Publish returns how many subscribers received the event.
func (b *SnapshotBroker) Publish(event StreamEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, ch := range b.subscribers {
		if tryPublishEvent(ch, event) {
			delivered++
		}
	}
	return delivered
}

func (b *SnapshotBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *SnapshotBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *SnapshotBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(ch)
}

func tryPublishEvent(ch chan StreamEvent, event StreamEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}
