package realtime

import (
	"context"
	"time"

	v1 "chatsync/contracts/chat/v1"
)

// Event is emitted to Watch taps.
type Event interface {
	eventName() string
}

// StateChanged is emitted on every connection state transition.
type StateChanged struct {
	State State
	At    time.Time
}

// ReconnectScheduled is emitted when a reconnect timer is armed.
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectExhausted is emitted once the attempt cap is reached. No further
// reconnects happen until Connect or Initialize is called.
type ReconnectExhausted struct {
	Attempts int
}

// MessageReceived is emitted for every frame forwarded to listeners.
type MessageReceived struct {
	Topic   string
	Message v1.Message
}

// EchoSuppressed is emitted when an inbound frame matched a recent send.
type EchoSuppressed struct {
	Topic string
	Frame v1.InboundFrame
}

func (StateChanged) eventName() string       { return "state_changed" }
func (ReconnectScheduled) eventName() string { return "reconnect_scheduled" }
func (ReconnectExhausted) eventName() string { return "reconnect_exhausted" }
func (MessageReceived) eventName() string    { return "message_received" }
func (EchoSuppressed) eventName() string     { return "echo_suppressed" }

// EventName returns a stable lowercase name for ev, for logs and metrics.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}

// Watch returns a channel of Manager events. The channel is closed when ctx is
// done or the Manager is closed. A tap that falls behind loses events rather
// than stalling the Manager.
func (m *Manager) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, eventBufferSize)

	var id uint64
	if !m.do(func() {
		m.tapSeq++
		id = m.tapSeq
		m.taps[id] = ch
	}) {
		close(ch)
		return ch
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.loopDone:
			return
		}
		m.do(func() {
			if c, ok := m.taps[id]; ok {
				delete(m.taps, id)
				close(c)
			}
		})
	}()
	return ch
}

func (m *Manager) broadcast(ev Event) {
	for _, ch := range m.taps {
		select {
		case ch <- ev:
		default:
			m.metrics.EventsDropped.Inc()
		}
	}
}

func (m *Manager) closeTaps() {
	for id, ch := range m.taps {
		delete(m.taps, id)
		close(ch)
	}
}
