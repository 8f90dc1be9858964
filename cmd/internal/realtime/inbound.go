package realtime

import (
	"chatsync/cmd/internal/transport"
	v1 "chatsync/contracts/chat/v1"
)

// onFrame handles one delivery. Deliveries from a transport subscription that
// has since been replaced or dropped are ignored.
func (m *Manager) onFrame(topic string, seq uint64, msg transport.Message) {
	s, ok := m.subs[topic]
	if !ok || s.seq != seq || s.handle == nil {
		m.trace("realtime.frame.stale", "topic", topic)
		return
	}

	f, err := v1.DecodeInbound(msg.Body)
	if err != nil {
		m.metrics.FramesRejected.Inc()
		m.log.Error("realtime.frame.invalid", "topic", topic, "err", err)
		return
	}
	m.trace("realtime.frame.received", "topic", topic, "conversation_id", f.ConversationID, "sender_id", f.SenderID)

	now := m.clock.Now()
	if m.sent.MatchEcho(f, now) {
		m.metrics.EchoesSuppressed.Inc()
		m.broadcast(EchoSuppressed{Topic: topic, Frame: f})
		m.trace("realtime.frame.echo", "topic", topic, "client_msg_id", f.ClientMsgID)
		return
	}

	out := m.normalize(f)
	m.metrics.MessagesReceived.Inc()
	m.broadcast(MessageReceived{Topic: topic, Message: out})

	for _, e := range s.listeners {
		fn := e.fn
		m.notify(func() { fn(out) })
	}
}

// normalize turns a wire frame into the listener-facing message.
func (m *Manager) normalize(f v1.InboundFrame) v1.Message {
	now := m.clock.Now().UTC()

	id := now.UnixMilli()
	if f.ConversationID != 0 {
		id = ContentHash(f.MessageText)
	}

	msg := v1.Message{
		ID:             id,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		Type:           f.Type.OrDefault(),
		Message:        f.MessageText,
		ImageURL:       f.ImageURL,
		ClientMsgID:    f.ClientMsgID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if self, ok := m.currentUserID(); ok && self == f.SenderID {
		msg.FromSelf = true
		msg.SenderEmail = m.selfEmail
	}
	return msg
}
