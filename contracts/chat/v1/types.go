// Package v1 defines the chat wire contract spoken over the STOMP topic layer.
//
// The package is dependency-light. The same shapes are used by the live
// subscription path, the REST history endpoints and the transcript archive.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType is the wire kind of a chat message.
type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
)

// Valid reports whether t is a known wire type.
func (t MessageType) Valid() bool {
	return t == TypeText || t == TypeImage
}

// OrDefault maps the empty type to TEXT.
func (t MessageType) OrDefault() MessageType {
	if strings.TrimSpace(string(t)) == "" {
		return TypeText
	}
	return t
}

// OutboundMessage is the body published to SendDestination.
type OutboundMessage struct {
	ConversationID int64       `json:"conversationId"`
	SenderID       int64       `json:"senderId"`
	MessageText    string      `json:"messageText"`
	Type           MessageType `json:"type"`
	ImageURL       *string     `json:"imageUrl"`
	// ClientMsgID is optional; servers that echo it back enable exact echo matching.
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// Validate performs structural validation before publish.
func (m OutboundMessage) Validate() error {
	if m.ConversationID <= 0 {
		return errors.New("missing field: conversationId")
	}
	if m.SenderID <= 0 {
		return errors.New("missing field: senderId")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown type: %q", m.Type)
	}
	if m.Type == TypeImage && (m.ImageURL == nil || strings.TrimSpace(*m.ImageURL) == "") {
		return errors.New("missing field: imageUrl")
	}
	if m.Type == TypeText && m.MessageText == "" {
		return errors.New("missing field: messageText")
	}
	return nil
}

// InboundFrame is the payload delivered on conversation topics.
type InboundFrame struct {
	ConversationID int64       `json:"conversationId"`
	SenderID       int64       `json:"senderId"`
	MessageText    string      `json:"messageText"`
	Type           MessageType `json:"type"`
	ImageURL       *string     `json:"imageUrl,omitempty"`
	ClientMsgID    string      `json:"clientMsgId,omitempty"`
}

// Validate rejects frames that cannot be rendered.
// A zero conversationId is accepted; receivers synthesize a time based id for it.
func (f InboundFrame) Validate() error {
	if f.ConversationID < 0 {
		return fmt.Errorf("invalid conversationId: %d", f.ConversationID)
	}
	if t := f.Type.OrDefault(); !t.Valid() {
		return fmt.Errorf("unknown type: %q", f.Type)
	}
	return nil
}

// Message is the normalized chat message handed to listeners and returned by
// the history endpoints.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversationId"`
	SenderID       int64       `json:"senderId"`
	SenderEmail    string      `json:"senderEmail"`
	FromSelf       bool        `json:"fromSelf"`
	Type           MessageType `json:"type"`
	Message        string      `json:"message"`
	ImageURL       *string     `json:"imageUrl"`
	ClientMsgID    string      `json:"clientMsgId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}
