// Package relay republishes delivered chat messages on NATS so other local
// processes can consume them without opening their own chat connection.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	v1 "chatsync/contracts/chat/v1"
)

var ErrNoPublisher = errors.New("relay: nil publisher")

const (
	DefaultPrefix = "chatsync.conversation"

	HeaderClientMsgID = "Chatsync-Client-Msg-Id"
	HeaderFromSelf    = "Chatsync-From-Self"
)

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

type Options struct {
	// Prefix is prepended to the conversation id, "<prefix>.<id>".
	Prefix string
	Logger *slog.Logger
}

type Relay struct {
	pub    Publisher
	prefix string
	log    *slog.Logger
}

func New(pub Publisher, opts Options) (*Relay, error) {
	if pub == nil {
		return nil, ErrNoPublisher
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, " *>") {
		return nil, fmt.Errorf("relay: invalid subject prefix %q", opts.Prefix)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Relay{pub: pub, prefix: prefix, log: log}, nil
}

// Subject returns the subject messages of conversation id are published on.
func (r *Relay) Subject(id int64) string {
	return r.prefix + "." + strconv.FormatInt(id, 10)
}

// Forward publishes msg as JSON on its conversation subject.
func (r *Relay) Forward(msg v1.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}

	out := nats.NewMsg(r.Subject(msg.ConversationID))
	out.Data = body
	out.Header.Set("Content-Type", v1.ContentTypeJSON)
	if msg.ClientMsgID != "" {
		out.Header.Set(HeaderClientMsgID, msg.ClientMsgID)
		// JetStream uses this for duplicate detection when a stream covers the subject.
		out.Header.Set(nats.MsgIdHdr, msg.ClientMsgID)
	}
	out.Header.Set(HeaderFromSelf, strconv.FormatBool(msg.FromSelf))

	if err := r.pub.PublishMsg(out); err != nil {
		r.log.Warn("relay.publish.fail", "subject", out.Subject, "err", err)
		return fmt.Errorf("relay: publish: %w", err)
	}
	r.log.Debug("relay.publish.ok", "subject", out.Subject, "bytes", len(body))
	return nil
}

// Connect dials NATS with reconnects enabled and connection events logged.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("relay: empty nats url")
	}
	if log == nil {
		log = slog.Default()
	}
	if name == "" {
		name = "chatsync"
	}

	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("relay.nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("relay.nats.reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("relay.nats.closed")
		}),
	)
}
