// Package archive keeps a transcript of the chat messages a client observed.
package archive

import (
	"context"
	"errors"
	"strconv"
	"time"

	v1 "chatsync/contracts/chat/v1"
)

var (
	ErrInvalidEntry = errors.New("archive: invalid entry")
	ErrNilStore     = errors.New("archive: nil store")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Entry is one archived message.
type Entry struct {
	ConversationID int64
	Seq            int64
	// Key identifies the message for idempotent appends.
	Key         string
	MessageID   int64
	SenderID    int64
	SenderEmail string
	FromSelf    bool
	Type        v1.MessageType
	Text        string
	ImageURL    *string
	ClientMsgID string
	ReceivedAt  time.Time
}

// Store persists and queries transcript entries.
//
// Requirements:
//   - Idempotency per (conversation_id, key)
//   - Monotonic seq per conversation, no gaps for duplicates
//   - History ordered by seq ASC
type Store interface {
	Append(ctx context.Context, e Entry) (AppendResult, error)
	History(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	Close() error
}

type AppendResult struct {
	Entry      Entry
	Duplicated bool
}

// HistoryQuery pages through one conversation. AfterSeq nil starts at the beginning.
type HistoryQuery struct {
	ConversationID int64
	AfterSeq       *int64
	Limit          int
}

type HistoryPage struct {
	Entries []Entry
	HasMore bool
}

// EntryFromMessage converts a delivered message into an Entry. Messages that
// carry a client message id are keyed by it, so the same message seen on two
// topics is stored once.
func EntryFromMessage(m v1.Message) Entry {
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Entry{
		ConversationID: m.ConversationID,
		Key:            KeyOf(m),
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		SenderEmail:    m.SenderEmail,
		FromSelf:       m.FromSelf,
		Type:           m.Type.OrDefault(),
		Text:           m.Message,
		ImageURL:       m.ImageURL,
		ClientMsgID:    m.ClientMsgID,
		ReceivedAt:     at,
	}
}

// Message converts e back into the delivered form.
func (e Entry) Message() v1.Message {
	return v1.Message{
		ID:             e.MessageID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		SenderEmail:    e.SenderEmail,
		FromSelf:       e.FromSelf,
		Type:           e.Type,
		Message:        e.Text,
		ImageURL:       e.ImageURL,
		ClientMsgID:    e.ClientMsgID,
		CreatedAt:      e.ReceivedAt,
		UpdatedAt:      e.ReceivedAt,
	}
}

// KeyOf returns the idempotency key of m.
func KeyOf(m v1.Message) string {
	if m.ClientMsgID != "" {
		return "c:" + m.ClientMsgID
	}
	return "h:" + strconv.FormatInt(m.SenderID, 10) + ":" + strconv.FormatInt(m.ID, 10) + ":" + strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)
}

func (e Entry) validate() error {
	if e.ConversationID <= 0 || e.Key == "" {
		return ErrInvalidEntry
	}
	return nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}
