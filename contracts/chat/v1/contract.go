package v1

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// SendDestination receives every outbound chat message.
	SendDestination = "/app/chat.sendMessage"
	// AllConversationsTopic carries the cross-conversation feed.
	AllConversationsTopic = "/topic/all-conversation/"

	ContentTypeJSON = "application/json"

	conversationTopicPrefix = "/topic/conversation."
)

// ConversationTopic returns the per-conversation topic for id.
func ConversationTopic(id int64) string {
	return conversationTopicPrefix + strconv.FormatInt(id, 10)
}

// ParseConversationTopic extracts the conversation id from a conversation topic.
func ParseConversationTopic(topic string) (int64, bool) {
	rest, ok := strings.CutPrefix(topic, conversationTopicPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// DecodeInbound parses and validates a topic delivery body.
func DecodeInbound(body []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return InboundFrame{}, fmt.Errorf("decode inbound frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return InboundFrame{}, fmt.Errorf("invalid inbound frame: %w", err)
	}
	f.Type = f.Type.OrDefault()
	return f, nil
}

// EncodeOutbound validates m and returns its JSON body.
func EncodeOutbound(m OutboundMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbound message: %w", err)
	}
	return json.Marshal(m)
}
