package realtime

import (
	"time"

	v1 "chatsync/contracts/chat/v1"
)

// SentMessage records one outbound message for echo matching.
type SentMessage struct {
	ClientMsgID    string
	Content        string
	ConversationID int64
	SenderID       int64
	At             time.Time
}

// SentWindow is a sliding window of recently sent messages.
// It is owned by the Manager loop and is not safe for concurrent use.
type SentWindow struct {
	entries []SentMessage
	window  time.Duration
}

// NewSentWindow constructs a SentWindow, falling back to the default window
// when window is not positive.
func NewSentWindow(window time.Duration) *SentWindow {
	if window <= 0 {
		window = sentTrackingWindow
	}
	return &SentWindow{window: window}
}

// Track prunes expired entries and records m.
func (w *SentWindow) Track(m SentMessage) {
	w.prune(m.At)
	w.entries = append(w.entries, m)
}

// MatchEcho reports whether f is the server echo of a tracked message sent
// less than one window before now. Entries are not consumed: the same echo
// delivered on several topics is suppressed on each of them.
//
// When both sides carry a client message id the ids decide. Otherwise text,
// conversation and sender must all be equal.
func (w *SentWindow) MatchEcho(f v1.InboundFrame, now time.Time) bool {
	for _, e := range w.entries {
		if now.Sub(e.At) >= w.window {
			continue
		}
		if f.ClientMsgID != "" && e.ClientMsgID != "" {
			if f.ClientMsgID != e.ClientMsgID {
				continue
			}
		} else if e.Content != f.MessageText || e.ConversationID != f.ConversationID || e.SenderID != f.SenderID {
			continue
		}
		return true
	}
	return false
}

func (w *SentWindow) Len() int { return len(w.entries) }

func (w *SentWindow) prune(now time.Time) {
	dst := w.entries[:0]
	for _, e := range w.entries {
		if now.Sub(e.At) < w.window {
			dst = append(dst, e)
		}
	}
	w.entries = dst
}
