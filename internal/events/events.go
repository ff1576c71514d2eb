package events

import (
	"context"
	"strings"
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. When a subscriber
// falls this far behind, the oldest buffered event is dropped to make room;
// the publisher never blocks.
const subscriberBuffer = 16

type ProgressEvent struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Ts        string         `json:"ts"`
	Stage     string         `json:"stage,omitempty"`
	Percent   float64        `json:"percent"`
	CostUSD   float64        `json:"cost_usd"`
	Tokens    int64          `json:"tokens"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Terminal reports whether this event ends the session's stream.
func (e ProgressEvent) Terminal() bool {
	switch e.Type {
	case "session.completed", "session.failed", "session.cancelled":
		return true
	}
	return false
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan ProgressEvent
	closed bool
}

// send enqueues without ever blocking the publisher. A full buffer sheds
// oldest events until the new one fits: the dropped side is always the old
// end, never the event being published. Terminates because the mutex keeps
// other publishers out and a concurrent drain only frees space.
func (s *subscriber) send(event ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[*subscriber]struct{}{},
	}
}

// Subscribe registers a listener for one session's progress stream. The
// channel carries events published after this call, in publish order, and is
// closed when a terminal event is delivered or ctx is cancelled. There is no
// replay of history; late subscribers fetch the session snapshot separately.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) <-chan ProgressEvent {
	sub := &subscriber{ch: make(chan ProgressEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = map[*subscriber]struct{}{}
	}
	b.subscribers[sessionID][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sessionID, sub)
		sub.close()
	}()

	return sub.ch
}

// Publish fans the event out to every current subscriber of the session.
// A terminal event closes all subscriber channels for the session.
func (b *Broker) Publish(event ProgressEvent) {
	b.mu.RLock()
	registered := b.subscribers[event.SessionID]
	subs := make([]*subscriber, 0, len(registered))
	for sub := range registered {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.send(event)
	}

	if event.Terminal() {
		b.mu.Lock()
		delete(b.subscribers, event.SessionID)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	}
}

func (b *Broker) remove(sessionID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sessionID] != nil {
		delete(b.subscribers[sessionID], sub)
		if len(b.subscribers[sessionID]) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
}
