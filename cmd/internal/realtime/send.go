package realtime

import (
	"errors"
	"fmt"

	"chatsync/cmd/security/token"
	v1 "chatsync/contracts/chat/v1"
)

// OutgoingMessage is a send request from the caller.
type OutgoingMessage struct {
	ConversationID int64
	Text           string
	Type           v1.MessageType
	ImageURL       *string
	// Closed marks the conversation as closed; such sends never reach the network.
	Closed bool
}

// SendResult reports the outcome of SendMessage.
type SendResult struct {
	Success     bool
	Err         error
	ClientMsgID string
}

// ErrorMessage returns the failure text, or "" on success.
func (r SendResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// SendMessage validates and publishes msg. Failures come back in the result;
// nothing is retried.
func (m *Manager) SendMessage(msg OutgoingMessage) SendResult {
	res := SendResult{Err: ErrNotConnected}
	m.do(func() { res = m.send(msg) })
	return res
}

func (m *Manager) send(msg OutgoingMessage) SendResult {
	if msg.Closed {
		return m.sendFailed("closed", ErrConversationClosed)
	}
	if !m.isConnected() {
		return m.sendFailed("not_connected", ErrNotConnected)
	}
	tok, err := m.token()
	if err != nil {
		return m.sendFailed("no_token", ErrNoToken)
	}

	sender, err := token.Subject(tok)
	if err != nil {
		return m.sendFailed("no_token", fmt.Errorf("%w: %v", ErrNoToken, err))
	}

	now := m.clock.Now()
	clientMsgID, err := NewClientMsgID(now)
	if err != nil {
		m.log.Warn("realtime.send.client_id.fail", "err", err)
		clientMsgID = ""
	}

	out := v1.OutboundMessage{
		ConversationID: msg.ConversationID,
		SenderID:       sender,
		MessageText:    msg.Text,
		Type:           msg.Type.OrDefault(),
		ImageURL:       msg.ImageURL,
		ClientMsgID:    clientMsgID,
	}
	body, err := v1.EncodeOutbound(out)
	if err != nil {
		return m.sendFailed("invalid", err)
	}

	m.sent.Track(SentMessage{
		ClientMsgID:    clientMsgID,
		Content:        out.MessageText,
		ConversationID: out.ConversationID,
		SenderID:       out.SenderID,
		At:             now,
	})

	headers := map[string]string{"content-type": v1.ContentTypeJSON}
	if err := m.client.Publish(v1.SendDestination, headers, body); err != nil {
		return m.sendFailed("error", fmt.Errorf("publish: %w", err))
	}

	m.metrics.Sends.WithLabelValues("ok").Inc()
	m.trace("realtime.send.ok", "conversation_id", out.ConversationID, "client_msg_id", clientMsgID)
	return SendResult{Success: true, ClientMsgID: clientMsgID}
}

func (m *Manager) sendFailed(result string, err error) SendResult {
	m.metrics.Sends.WithLabelValues(result).Inc()
	level := m.log.Warn
	if errors.Is(err, ErrConversationClosed) {
		level = m.trace
	}
	level("realtime.send.fail", "result", result, "err", err)
	return SendResult{Err: err}
}
