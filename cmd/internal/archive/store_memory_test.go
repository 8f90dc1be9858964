package archive

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "chatsync/contracts/chat/v1"
)

func TestMemoryStore_AppendIsIdempotent(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	e := EntryFromMessage(v1.Message{ID: 7, ConversationID: 3, SenderID: 42, Message: "hi", ClientMsgID: "01J0000000000000000000000A"})

	first, err := st.Append(ctx, e)
	require.NoError(t, err)
	assert.False(t, first.Duplicated)
	assert.EqualValues(t, 1, first.Entry.Seq)

	again, err := st.Append(ctx, e)
	require.NoError(t, err)
	assert.True(t, again.Duplicated)
	assert.Equal(t, first.Entry.Seq, again.Entry.Seq)

	next, err := st.Append(ctx, EntryFromMessage(v1.Message{ID: 8, ConversationID: 3, SenderID: 42, Message: "second"}))
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.Entry.Seq, "duplicates must not consume a seq")
}

func TestMemoryStore_RejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	_, err := st.Append(context.Background(), Entry{ConversationID: 0, Key: "k"})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = st.Append(context.Background(), Entry{ConversationID: 1})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.Append(ctx, Entry{ConversationID: 1, Key: "k"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_HistoryPaging(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := st.Append(ctx, Entry{ConversationID: 9, Key: fmt.Sprintf("k%d", i), Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	page, err := st.History(ctx, HistoryQuery{ConversationID: 9, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
	assert.EqualValues(t, 1, page.Entries[0].Seq)
	assert.EqualValues(t, 2, page.Entries[1].Seq)

	after := page.Entries[1].Seq
	page, err = st.History(ctx, HistoryQuery{ConversationID: 9, AfterSeq: &after})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "m2", page.Entries[0].Text)

	page, err = st.History(ctx, HistoryQuery{ConversationID: 404})
	require.NoError(t, err)
	assert.Nil(t, page.Entries)
}

func TestMemoryStore_ConcurrentAppendHasNoGaps(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	const n = 32

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Append(context.Background(), Entry{ConversationID: 1, Key: fmt.Sprintf("k%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	page, err := st.History(context.Background(), HistoryQuery{ConversationID: 1, Limit: maxHistoryLimit})
	require.NoError(t, err)
	require.Len(t, page.Entries, n)
	for i, e := range page.Entries {
		assert.EqualValues(t, i+1, e.Seq)
	}
}

func TestKeyOf(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	withID := v1.Message{ID: 1, SenderID: 2, ClientMsgID: "01ABC", CreatedAt: at}
	assert.Equal(t, "c:01ABC", KeyOf(withID))

	plain := v1.Message{ID: 99162322, SenderID: 42, CreatedAt: at}
	assert.Equal(t, fmt.Sprintf("h:42:99162322:%d", at.UnixMilli()), KeyOf(plain))
}

func TestEntryFromMessage(t *testing.T) {
	t.Parallel()

	url := "https://img.example.com/x.png"
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e := EntryFromMessage(v1.Message{
		ID: 5, ConversationID: 3, SenderID: 42, SenderEmail: "admin@example.com", FromSelf: true,
		Type: v1.TypeImage, Message: "pic", ImageURL: &url, CreatedAt: at,
	})

	assert.Equal(t, int64(3), e.ConversationID)
	assert.Equal(t, v1.TypeImage, e.Type)
	assert.Equal(t, "pic", e.Text)
	assert.True(t, e.FromSelf)
	assert.Equal(t, at, e.ReceivedAt)
	require.NotNil(t, e.ImageURL)
	assert.Equal(t, url, *e.ImageURL)

	assert.Equal(t, v1.TypeText, EntryFromMessage(v1.Message{ConversationID: 1}).Type)
}

func TestEntry_MessageRoundTrip(t *testing.T) {
	t.Parallel()

	img := "https://cdn.example.com/a.png"
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	in := v1.Message{
		ID: 9, ConversationID: 4, SenderID: 42, SenderEmail: "admin@example.com", FromSelf: true,
		Type: v1.TypeImage, Message: "", ImageURL: &img, ClientMsgID: "01J0000000000000000000000B",
		CreatedAt: at, UpdatedAt: at,
	}

	got := EntryFromMessage(in).Message()
	assert.Equal(t, in, got)
}
