// Package app wires the chatsync runtime: config, logging, the realtime
// manager, its collaborators and the ops HTTP endpoints.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"chatsync/cmd/internal/archive"
	"chatsync/cmd/internal/directory"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/relay"
	"chatsync/cmd/internal/transport"
	"chatsync/cmd/security/token"
	v1 "chatsync/contracts/chat/v1"
)

var (
	ErrInitialize         = errors.New("realtime initialize failed")
	ErrConnect            = errors.New("realtime connect failed")
	ErrConnectTimeout     = errors.New("timed out waiting for connection")
	ErrSubscribe          = errors.New("subscribe failed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotReady           = errors.New("not connected")
	ErrNoDurableArchive   = errors.New("local history requires database_url")
)

const defaultConnectWait = 30 * time.Second

// Deps overrides collaborators. Zero values pick the production ones.
type Deps struct {
	Factory  transport.Factory
	Registry *prometheus.Registry
	Out      io.Writer
}

// App owns one realtime Manager and everything hanging off it.
type App struct {
	cfg Config
	log *slog.Logger
	out io.Writer

	registry   *prometheus.Registry
	tokens     token.Source
	tokenFile  *token.FileStore
	manager    *realtime.Manager
	directory  *directory.Client
	archive    archive.Store
	dbPool     *pgxpool.Pool
	relay      *relay.Relay
	natsConn   *nats.Conn
	closeFuncs []func() error
}

// New constructs a fully wired App. cfg must already be validated.
func New(ctx context.Context, cfg Config, log *slog.Logger, deps Deps) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	a := &App{cfg: cfg, log: log, out: deps.Out, registry: deps.Registry}

	if err := a.initTokens(); err != nil {
		return nil, err
	}

	dir, err := directory.New(directory.Options{
		BaseURL: cfg.APIBase(),
		Timeout: cfg.APITimeout,
		Tokens:  a.tokens,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	a.directory = dir

	if err := a.initArchive(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initRelay(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.manager = realtime.New(realtime.Options{
		Logger:               log,
		Tokens:               a.tokens,
		Factory:              deps.Factory,
		Metrics:              realtime.NewMetrics(a.registry),
		ReconnectBase:        cfg.ReconnectBase,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		SelfEmail:            cfg.SelfEmail,
		SockJS:               cfg.SockJS,
		DialTimeout:          cfg.DialTimeout,
		HeartBeat:            cfg.HeartBeat,
	})
	a.closeFuncs = append(a.closeFuncs, func() error { a.manager.Close(); return nil })

	log.Info("app.ready",
		"endpoint", cfg.Endpoint,
		"archive", a.archiveKind(),
		"relay", a.relay != nil,
		"token_file", cfg.TokenFile != "",
	)
	return a, nil
}

func (a *App) initTokens() error {
	if a.cfg.TokenFile != "" {
		fs, err := token.NewFileStore(a.cfg.TokenFile, a.log)
		if err != nil {
			return fmt.Errorf("token file: %w", err)
		}
		a.tokens, a.tokenFile = fs, fs
		return nil
	}
	a.tokens = token.NewMemoryStore(a.cfg.Token)
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.archive = archive.NewMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.dbPool = pool
	a.closeFuncs = append(a.closeFuncs, func() error { pool.Close(); return nil })

	st, err := archive.NewPostgresStore(pool, archive.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("archive schema: %w", err)
	}
	a.archive = st
	a.closeFuncs = append(a.closeFuncs, st.Close)
	return nil
}

func (a *App) initRelay() error {
	if a.cfg.NATSURL == "" {
		return nil
	}
	nc, err := relay.Connect(a.cfg.NATSURL, "chatsync", a.log)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	a.natsConn = nc
	a.closeFuncs = append(a.closeFuncs, func() error {
		if err := nc.Drain(); err != nil {
			nc.Close()
			return err
		}
		return nil
	})

	r, err := relay.New(nc, relay.Options{Prefix: a.cfg.NATSSubjectPrefix, Logger: a.log})
	if err != nil {
		return err
	}
	a.relay = r
	return nil
}

func (a *App) archiveKind() string {
	if a.dbPool != nil {
		return "postgres"
	}
	return "memory"
}

// Manager exposes the realtime manager for library callers.
func (a *App) Manager() *realtime.Manager { return a.manager }

// Close releases everything New acquired, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closeFuncs) - 1; i >= 0; i-- {
		if err := a.closeFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeFuncs = nil
	return errors.Join(errs...)
}

// WatchOptions selects what Watch follows. ConversationID 0 follows the
// cross-conversation feed.
type WatchOptions struct {
	ConversationID int64
}

// Watch connects, follows the selected topic and streams every delivered
// message to the output as one JSON object per line. Messages are archived and
// relayed on the way. It returns nil when ctx is done and
// ErrReconnectExhausted when the connection cannot be restored.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	events := a.manager.Watch(gctx)

	if err := a.connect(); err != nil {
		return err
	}
	defer a.manager.Disconnect()

	msgs := make(chan v1.Message, 256)
	listener := func(m v1.Message) {
		select {
		case msgs <- m:
		case <-gctx.Done():
		}
	}

	if opts.ConversationID > 0 {
		if !a.manager.SwitchConversation(opts.ConversationID, listener) {
			return fmt.Errorf("%w: conversation %d", ErrSubscribe, opts.ConversationID)
		}
	} else {
		if err := a.waitConnected(ctx, defaultConnectWait); err != nil {
			return err
		}
		if !a.manager.SubscribeToAllConversations(listener) {
			return fmt.Errorf("%w: %s", ErrSubscribe, v1.AllConversationsTopic)
		}
	}
	a.log.Info("app.watch.start", "conversation_id", opts.ConversationID)

	g.Go(func() error { return a.consume(gctx, msgs) })
	g.Go(func() error { return a.logEvents(events) })

	if a.tokenFile != nil {
		g.Go(func() error { return a.tokenFile.Watch(gctx) })
	}
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveOps(gctx, a.cfg, a.log, a.registry, a.ready) })
	}

	err := g.Wait()
	a.log.Info("app.watch.stop", "err", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) consume(ctx context.Context, msgs <-chan v1.Message) error {
	enc := json.NewEncoder(a.out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			if _, err := a.archive.Append(ctx, archive.EntryFromMessage(m)); err != nil && !errors.Is(err, archive.ErrInvalidEntry) {
				a.log.Error("app.archive.fail", "conversation_id", m.ConversationID, "err", err)
			}
			if a.relay != nil {
				if err := a.relay.Forward(m); err != nil {
					a.log.Warn("app.relay.fail", "conversation_id", m.ConversationID, "err", err)
				}
			}
			if err := enc.Encode(m); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
		}
	}
}

// logEvents drains the Manager's event tap until it closes.
func (a *App) logEvents(events <-chan realtime.Event) error {
	for ev := range events {
		switch e := ev.(type) {
		case realtime.StateChanged:
			a.log.Info("app.connection.state", "state", e.State.String())
		case realtime.ReconnectScheduled:
			a.log.Info("app.reconnect.scheduled", "attempt", e.Attempt, "dur_ms", e.Delay.Milliseconds())
		case realtime.ReconnectExhausted:
			a.log.Error("app.reconnect.exhausted", "attempts", e.Attempts)
			return ErrReconnectExhausted
		case realtime.EchoSuppressed:
			a.log.Debug("app.echo.suppressed", "topic", e.Topic)
		}
	}
	return nil
}

// SendOptions describes one outgoing message. A non-empty ImageURL sends an
// IMAGE message.
type SendOptions struct {
	ConversationID int64
	Text           string
	ImageURL       string
	Wait           time.Duration
}

// Send connects, publishes one message and disconnects.
func (a *App) Send(ctx context.Context, opts SendOptions) (realtime.SendResult, error) {
	if err := a.connect(); err != nil {
		return realtime.SendResult{Err: err}, err
	}
	defer a.manager.Disconnect()

	if opts.Wait <= 0 {
		opts.Wait = defaultConnectWait
	}
	if err := a.waitConnected(ctx, opts.Wait); err != nil {
		return realtime.SendResult{Err: err}, err
	}

	msg := realtime.OutgoingMessage{ConversationID: opts.ConversationID, Text: opts.Text, Type: v1.TypeText}
	if opts.ImageURL != "" {
		img := opts.ImageURL
		msg.Type, msg.ImageURL = v1.TypeImage, &img
	}

	res := a.manager.SendMessage(msg)
	if !res.Success {
		return res, res.Err
	}
	a.log.Info("app.send.ok", "conversation_id", opts.ConversationID, "client_msg_id", res.ClientMsgID)
	return res, nil
}

// Conversations lists conversations from the directory.
func (a *App) Conversations(ctx context.Context, p directory.ListParams) (directory.Page[directory.Conversation], error) {
	return a.directory.ListConversations(ctx, p)
}

// RemoteHistory pages through a conversation's history on the server.
func (a *App) RemoteHistory(ctx context.Context, conversationID int64, p directory.ListParams) (directory.Page[v1.Message], error) {
	return a.directory.ListMessages(ctx, conversationID, p)
}

// LocalHistory pages through the messages this process archived.
func (a *App) LocalHistory(ctx context.Context, q archive.HistoryQuery) ([]v1.Message, bool, error) {
	page, err := a.archive.History(ctx, q)
	if err != nil {
		return nil, false, err
	}
	out := make([]v1.Message, 0, len(page.Entries))
	for _, e := range page.Entries {
		out = append(out, e.Message())
	}
	return out, page.HasMore, nil
}

func (a *App) connect() error {
	if !a.manager.Initialize(realtime.Config{Endpoint: a.cfg.Endpoint, Debug: a.cfg.Debug}) {
		return ErrInitialize
	}
	if !a.manager.Connect() {
		return ErrConnect
	}
	return nil
}

// waitConnected blocks until the Manager reports a settled connection.
func (a *App) waitConnected(ctx context.Context, timeout time.Duration) error {
	up := make(chan struct{}, 1)
	id := a.manager.AddConnectionListener(func(connected bool) {
		if !connected {
			return
		}
		select {
		case up <- struct{}{}:
		default:
		}
	})
	defer a.manager.RemoveConnectionListener(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrConnectTimeout
	}
}

func (a *App) ready(ctx context.Context) error {
	if !a.manager.IsConnected() {
		return ErrNotReady
	}
	if a.dbPool != nil {
		if err := PingDB(ctx, a.dbPool, 2*time.Second); err != nil {
			return fmt.Errorf("db: %w", err)
		}
	}
	return nil
}
