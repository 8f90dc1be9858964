package archive

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memMaxEntriesPerConversation = 10_000

// MemoryStore is the fallback used when no database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[int64]*memConv
}

type memConv struct {
	seq     int64
	byKey   map[string]Entry
	entries []Entry // ordered by seq
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[int64]*memConv)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Append stores e with the next seq of its conversation, or returns the
// existing entry when the key was seen before.
func (s *MemoryStore) Append(ctx context.Context, e Entry) (AppendResult, error) {
	if err := e.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[e.ConversationID]
	if c == nil {
		c = &memConv{byKey: make(map[string]Entry)}
		s.convs[e.ConversationID] = c
	}
	if existing, ok := c.byKey[e.Key]; ok {
		return AppendResult{Entry: existing, Duplicated: true}, nil
	}

	c.seq++
	e.Seq = c.seq
	c.byKey[e.Key] = e
	c.entries = append(c.entries, e)

	if len(c.entries) > memMaxEntriesPerConversation {
		for _, old := range c.entries[:len(c.entries)-memMaxEntriesPerConversation] {
			delete(c.byKey, old.Key)
		}
		c.entries = c.entries[len(c.entries)-memMaxEntriesPerConversation:]
	}
	return AppendResult{Entry: e}, nil
}

// History returns entries ordered by seq with paging via AfterSeq.
func (s *MemoryStore) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.ConversationID <= 0 {
		return HistoryPage{}, ErrInvalidEntry
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}
	limit := clampLimit(q.Limit)

	s.mu.Lock()
	var snap []Entry
	if c := s.convs[q.ConversationID]; c != nil {
		snap = append([]Entry(nil), c.entries...)
	}
	s.mu.Unlock()

	start := 0
	if q.AfterSeq != nil {
		after := *q.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	out := snap[start:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	if len(out) == 0 {
		out = nil
	}
	return HistoryPage{Entries: out, HasMore: hasMore}, nil
}
