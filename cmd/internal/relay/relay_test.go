package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "chatsync/contracts/chat/v1"
)

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoPublisher)

	r, err := New(&fakePublisher{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "chatsync.conversation.7", r.Subject(7))

	r, err = New(&fakePublisher{}, Options{Prefix: " team.chat. "})
	require.NoError(t, err)
	assert.Equal(t, "team.chat.7", r.Subject(7))

	_, err = New(&fakePublisher{}, Options{Prefix: "chat.*"})
	assert.Error(t, err)
}

func TestForward(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r, err := New(pub, Options{Logger: quietLogger()})
	require.NoError(t, err)

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := v1.Message{
		ID: 3329, ConversationID: 12, SenderID: 42, FromSelf: true, SenderEmail: "admin@example.com",
		Type: v1.TypeText, Message: "hi", ClientMsgID: "01J0000000000000000000000A",
		CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, r.Forward(msg))
	require.Len(t, pub.msgs, 1)

	out := pub.msgs[0]
	assert.Equal(t, "chatsync.conversation.12", out.Subject)
	assert.Equal(t, v1.ContentTypeJSON, out.Header.Get("Content-Type"))
	assert.Equal(t, msg.ClientMsgID, out.Header.Get(HeaderClientMsgID))
	assert.Equal(t, msg.ClientMsgID, out.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "true", out.Header.Get(HeaderFromSelf))

	var decoded v1.Message
	require.NoError(t, json.Unmarshal(out.Data, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestForward_WithoutClientMsgID(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r, err := New(pub, Options{Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, r.Forward(v1.Message{ConversationID: 1, Message: "x"}))
	require.Len(t, pub.msgs, 1)
	assert.Empty(t, pub.msgs[0].Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "false", pub.msgs[0].Header.Get(HeaderFromSelf))
}

func TestForward_PublishError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r, err := New(&fakePublisher{err: boom}, Options{Logger: quietLogger()})
	require.NoError(t, err)

	err = r.Forward(v1.Message{ConversationID: 1})
	assert.ErrorIs(t, err, boom)
}

func TestConnect_RejectsEmptyURL(t *testing.T) {
	t.Parallel()

	_, err := Connect("  ", "", quietLogger())
	assert.Error(t, err)
}
