// Package main provides a CI-friendly smoke test against a live chat backend.
//
// It validates:
//   - STOMP connect over websocket for two clients
//   - conversation switch on both
//   - send from A is delivered to B
//   - the server echo to A is suppressed
//   - the message shows up in the REST history
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatsync/cmd/internal/directory"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/transport"
	"chatsync/cmd/security/token"
	v1 "chatsync/contracts/chat/v1"
)

type smokeClient struct {
	name   string
	m      *realtime.Manager
	inbox  chan v1.Message
	events <-chan realtime.Event
}

func main() {
	var (
		endpoint = flag.String("url", "http://127.0.0.1:8080/ws-chat", "chat endpoint")
		sockJS   = flag.Bool("sockjs", false, "endpoint is a SockJS endpoint")
		tokenA   = flag.String("token-a", os.Getenv("CHATSYNC_SMOKE_TOKEN_A"), "bearer token of the sending client")
		tokenB   = flag.String("token-b", os.Getenv("CHATSYNC_SMOKE_TOKEN_B"), "bearer token of the receiving client (defaults to token-a)")
		convID   = flag.Int64("conv", 1, "conversation id")
		text     = flag.String("text", "hello chatsync 👋", "message text to send")
		history  = flag.Bool("history", true, "check the REST history after sending")
		timeout  = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose  = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if _, err := transport.ResolveURL(*endpoint, *sockJS); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" {
		fatalf("-token-a is required")
	}
	if strings.TrimSpace(*tokenB) == "" {
		*tokenB = *tokenA
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := mustConnect(root, "A", *endpoint, *sockJS, *tokenA, log, *timeout)
	defer a.m.Close()
	b := mustConnect(root, "B", *endpoint, *sockJS, *tokenB, log, *timeout)
	defer b.m.Close()

	mustSwitch(a, *convID, *timeout)
	mustSwitch(b, *convID, *timeout)

	res := a.m.SendMessage(realtime.OutgoingMessage{ConversationID: *convID, Text: *text, Type: v1.TypeText})
	if !res.Success {
		fatalf("send (A): %v", res.Err)
	}
	if *verbose {
		fmt.Printf("sent: conv=%d client_msg_id=%s\n", *convID, res.ClientMsgID)
	}

	got := mustReceive(b, *convID, *text, *timeout)
	mustAssertEchoSuppressed(a, *timeout)

	if *history {
		mustHistoryContains(root, *endpoint, *tokenB, *convID, *text, log, *timeout)
	}

	a.m.Disconnect()
	b.m.Disconnect()

	fmt.Printf("OK: conv_id=%d client_msg_id=%s delivered_id=%d sender=%d\n", *convID, res.ClientMsgID, got.ID, got.SenderID)
}

func mustConnect(parent context.Context, name, endpoint string, sockJS bool, tok string, log *slog.Logger, stepTimeout time.Duration) *smokeClient {
	m := realtime.New(realtime.Options{
		Logger:      log.With("client", name),
		Tokens:      token.NewMemoryStore(tok),
		SockJS:      sockJS,
		DialTimeout: stepTimeout,
	})
	c := &smokeClient{
		name:   name,
		m:      m,
		inbox:  make(chan v1.Message, 64),
		events: m.Watch(parent),
	}

	if !m.Initialize(realtime.Config{Endpoint: endpoint}) {
		fatalf("initialize %s failed", name)
	}

	up := make(chan struct{}, 1)
	id := m.AddConnectionListener(func(connected bool) {
		if connected {
			select {
			case up <- struct{}{}:
			default:
			}
		}
	})
	defer m.RemoveConnectionListener(id)

	if !m.Connect() {
		fatalf("connect %s failed", name)
	}
	select {
	case <-up:
	case <-time.After(stepTimeout):
		fatalf("connect %s: timed out (state=%s)", name, m.State())
	}
	return c
}

func mustSwitch(c *smokeClient, convID int64, stepTimeout time.Duration) {
	ok := c.m.SwitchConversation(convID, func(msg v1.Message) {
		select {
		case c.inbox <- msg:
		default:
		}
	})
	if !ok {
		fatalf("switch %s to %d failed", c.name, convID)
	}

	topic := v1.ConversationTopic(convID)
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		for _, t := range c.m.Topics() {
			if t == topic {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	fatalf("switch %s: %s never subscribed", c.name, topic)
}

func mustReceive(c *smokeClient, convID int64, text string, stepTimeout time.Duration) v1.Message {
	deadline := time.After(stepTimeout)
	for {
		select {
		case msg := <-c.inbox:
			if msg.ConversationID == convID && msg.Message == text {
				return msg
			}
		case <-deadline:
			fatalf("receive (%s): message %q not delivered", c.name, text)
		}
	}
}

// mustAssertEchoSuppressed expects the sender's echo to be filtered, not
// delivered. Servers that do not echo to the sender pass as well.
func mustAssertEchoSuppressed(c *smokeClient, wait time.Duration) {
	deadline := time.After(wait)
	for {
		select {
		case msg := <-c.inbox:
			fatalf("echo (%s): own message delivered: %q", c.name, msg.Message)
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if _, ok := ev.(realtime.EchoSuppressed); ok {
				return
			}
		case <-deadline:
			return
		}
	}
}

func mustHistoryContains(parent context.Context, endpoint, tok string, convID int64, text string, log *slog.Logger, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	dir, err := directory.New(directory.Options{
		BaseURL: transport.Origin(endpoint),
		Timeout: stepTimeout,
		Tokens:  token.NewMemoryStore(tok),
		Logger:  log,
	})
	if err != nil {
		fatalf("history: %v", err)
	}

	page, err := dir.ListMessages(ctx, convID, directory.ListParams{Size: 50, Sort: directory.SortDesc})
	if errors.Is(err, directory.ErrForbidden) {
		fatalf("history: token-b may not read conversation %d", convID)
	}
	if err != nil {
		fatalf("history: %v", err)
	}
	for _, m := range page.Content {
		if m.Message == text {
			return
		}
	}
	fatalf("history: %q not among the last %d messages", text, len(page.Content))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
