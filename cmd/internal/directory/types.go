package directory

import (
	"strings"
	"time"

	v1 "chatsync/contracts/chat/v1"
)

// Conversation is a support conversation as listed by the server.
type Conversation struct {
	ID        int64
	UserID    int64
	Email     string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Page is one page of a paged listing. Number is zero based.
type Page[T any] struct {
	Content          []T
	TotalElements    int64
	TotalPages       int
	Size             int
	Number           int
	NumberOfElements int
	First            bool
	Last             bool
	Empty            bool
}

type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// ListParams selects a page. Zero values are omitted from the query.
type ListParams struct {
	Page int
	Size int
	Sort SortOrder
}

// ---- wire ----

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

type wirePage[T any] struct {
	Content          []T   `json:"content"`
	TotalElements    int64 `json:"totalElements"`
	TotalPages       int   `json:"totalPages"`
	Size             int   `json:"size"`
	Number           int   `json:"number"`
	NumberOfElements int   `json:"numberOfElements"`
	First            bool  `json:"first"`
	Last             bool  `json:"last"`
	Empty            bool  `json:"empty"`
}

type wireConversation struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"userId"`
	Email     string `json:"email"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type wireMessage struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversationId"`
	SenderID       int64          `json:"senderId"`
	SenderEmail    string         `json:"senderEmail"`
	FromSelf       bool           `json:"fromSelf"`
	Type           v1.MessageType `json:"type"`
	Message        string         `json:"message"`
	ImageURL       *string        `json:"imageUrl"`
	ClientMsgID    string         `json:"clientMsgId"`
	CreatedAt      string         `json:"createdAt"`
	UpdatedAt      string         `json:"updatedAt"`
}

func (w wireConversation) decode() Conversation {
	return Conversation{
		ID:        w.ID,
		UserID:    w.UserID,
		Email:     w.Email,
		Title:     w.Title,
		CreatedAt: parseTime(w.CreatedAt),
		UpdatedAt: parseTime(w.UpdatedAt),
	}
}

func (w wireMessage) decode() v1.Message {
	return v1.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderEmail:    w.SenderEmail,
		FromSelf:       w.FromSelf,
		Type:           w.Type.OrDefault(),
		Message:        w.Message,
		ImageURL:       w.ImageURL,
		ClientMsgID:    w.ClientMsgID,
		CreatedAt:      parseTime(w.CreatedAt),
		UpdatedAt:      parseTime(w.UpdatedAt),
	}
}

func mapPage[W, T any](p wirePage[W], fn func(W) T) Page[T] {
	out := Page[T]{
		TotalElements:    p.TotalElements,
		TotalPages:       p.TotalPages,
		Size:             p.Size,
		Number:           p.Number,
		NumberOfElements: p.NumberOfElements,
		First:            p.First,
		Last:             p.Last,
		Empty:            p.Empty,
	}
	if len(p.Content) > 0 {
		out.Content = make([]T, 0, len(p.Content))
		for _, w := range p.Content {
			out.Content = append(out.Content, fn(w))
		}
	}
	return out
}

// Server timestamps come with or without a zone; zoneless ones are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
