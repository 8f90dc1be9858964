// Package realtime keeps one logical chat connection alive and routes its
// traffic.
//
// A Manager owns the transport client, the connection state, the topic
// subscriptions and the sent-message window. All of that state lives on a
// single loop goroutine; public methods post closures to the loop and wait for
// them. Listener callbacks run on a separate dispatcher goroutine in emission
// order, so a listener may call back into the Manager. A listener that calls
// Close does not wait for the dispatcher to exit.
package realtime

import (
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"chatsync/cmd/internal/transport"
	"chatsync/cmd/security/token"
)

// Config is the connection target passed to Initialize.
type Config struct {
	Endpoint string
	Debug    bool
}

// Options wire collaborators into a Manager. Zero values pick defaults.
type Options struct {
	Logger  *slog.Logger
	Tokens  token.Source
	Factory transport.Factory
	Clock   Clock
	Metrics *Metrics

	ReconnectBase        time.Duration
	MaxReconnectAttempts int

	// SelfEmail is stamped on messages sent by the token's subject.
	SelfEmail string

	SockJS      bool
	DialTimeout time.Duration
	HeartBeat   time.Duration
}

type (
	ListenerID         uint64
	ConnectionListener func(connected bool)
)

// Manager is the connection manager, subscription router, echo reconciler and
// send path of the chat client.
type Manager struct {
	log           *slog.Logger
	tokens        token.Source
	factory       transport.Factory
	clock         Clock
	metrics       *Metrics
	reconnectBase time.Duration
	maxAttempts   int
	selfEmail     string
	sockJS        bool
	dialTimeout   time.Duration
	heartBeat     time.Duration

	inbox        *mailbox
	outbox       *mailbox
	quit         chan struct{}
	loopDone     chan struct{}
	dispatchDone chan struct{}
	closing      atomic.Bool
	inListener   atomic.Bool

	// Loop-owned state.
	cfg        *Config
	debug      bool
	client     transport.Client
	gen        uint64
	clientDown bool
	activating bool
	connected  bool
	state      State
	attempts   int

	settleTimer    Timer
	reconnectTimer Timer

	hasCurrent     bool
	currentID      int64
	pending        *pendingSwitch
	switchListener ListenerID

	subs          map[string]*subscription
	subSeq        uint64
	connListeners map[ListenerID]ConnectionListener
	nextID        ListenerID
	sent          *SentWindow

	taps   map[uint64]chan Event
	tapSeq uint64
}

// New constructs a Manager and starts its goroutines. Call Close to stop them.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = transport.Stomp
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	m := &Manager{
		log:           opts.Logger,
		tokens:        opts.Tokens,
		factory:       opts.Factory,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		reconnectBase: opts.ReconnectBase,
		maxAttempts:   opts.MaxReconnectAttempts,
		selfEmail:     opts.SelfEmail,
		sockJS:        opts.SockJS,
		dialTimeout:   opts.DialTimeout,
		heartBeat:     opts.HeartBeat,

		inbox:        newMailbox(),
		outbox:       newMailbox(),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		dispatchDone: make(chan struct{}),

		subs:          make(map[string]*subscription),
		connListeners: make(map[ListenerID]ConnectionListener),
		sent:          NewSentWindow(sentTrackingWindow),
		taps:          make(map[uint64]chan Event),
	}

	go func() {
		defer close(m.loopDone)
		m.inbox.serve(m.quit)
	}()
	go func() {
		defer close(m.dispatchDone)
		m.outbox.serve(m.loopDone)
	}()
	return m
}

// do runs fn on the loop and waits for it. It reports false when the Manager
// is closed.
func (m *Manager) do(fn func()) bool {
	done := make(chan struct{})
	m.inbox.push(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-m.loopDone:
		return false
	}
}

func (m *Manager) post(fn func()) {
	m.inbox.push(fn)
}

// notify queues a listener invocation on the dispatcher.
func (m *Manager) notify(fn func()) {
	m.outbox.push(func() {
		m.inListener.Store(true)
		defer func() {
			m.inListener.Store(false)
			if r := recover(); r != nil {
				m.log.Error("realtime.listener.panic", "panic", r)
			}
		}()
		fn()
	})
}

// trace logs loop internals; Config.Debug promotes them to Info.
func (m *Manager) trace(msg string, args ...any) {
	if m.debug {
		m.log.Info(msg, args...)
		return
	}
	m.log.Debug(msg, args...)
}

// ---- public API ----

// Initialize prepares a transport client for cfg.Endpoint. Calling it again
// with the same endpoint is a no-op; a different endpoint tears the old
// connection down first.
func (m *Manager) Initialize(cfg Config) bool {
	var ok bool
	m.do(func() { ok = m.initialize(cfg) })
	return ok
}

// Connect dispatches a connection attempt. The result only says whether an
// attempt was started; the outcome arrives through connection listeners.
func (m *Manager) Connect() bool {
	var ok bool
	m.do(func() { ok = m.connect(true) })
	return ok
}

// Disconnect tears everything down and suppresses automatic reconnects. The
// endpoint is forgotten, so Connect needs a fresh Initialize afterwards.
// Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.do(m.disconnect)
}

// Close disconnects and stops the Manager goroutines. Watch channels are closed.
// Only the first call does the work. Called from a listener, Close returns once
// the loop has stopped; the dispatcher exits after that listener returns.
func (m *Manager) Close() {
	if !m.closing.CompareAndSwap(false, true) {
		return
	}
	m.do(func() {
		m.disconnect()
		m.closeTaps()
	})
	close(m.quit)
	<-m.loopDone
	if m.inListener.Load() {
		return
	}
	<-m.dispatchDone
}

func (m *Manager) IsConnected() bool {
	var ok bool
	m.do(func() { ok = m.isConnected() })
	return ok
}

func (m *Manager) State() State {
	st := StateDisconnected
	m.do(func() { st = m.state })
	return st
}

// ReconnectAttempts returns the attempts made since the last successful connect.
func (m *Manager) ReconnectAttempts() int {
	var n int
	m.do(func() { n = m.attempts })
	return n
}

// AddConnectionListener registers fn and immediately replays the current
// connected state to it.
func (m *Manager) AddConnectionListener(fn ConnectionListener) ListenerID {
	var id ListenerID
	if fn == nil {
		return 0
	}
	m.do(func() {
		id = m.newListenerID()
		m.connListeners[id] = fn
		connected := m.connected
		m.notify(func() { fn(connected) })
	})
	return id
}

func (m *Manager) RemoveConnectionListener(id ListenerID) {
	m.do(func() { delete(m.connListeners, id) })
}

// CurrentUserID decodes the user id from the current token.
func (m *Manager) CurrentUserID() (int64, bool) {
	var (
		id int64
		ok bool
	)
	m.do(func() { id, ok = m.currentUserID() })
	return id, ok
}

// ---- loop side ----

func (m *Manager) newListenerID() ListenerID {
	m.nextID++
	return m.nextID
}

func (m *Manager) initialize(cfg Config) bool {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		m.log.Error("realtime.init.fail", "err", "empty endpoint")
		return false
	}

	if m.client != nil && m.cfg != nil && m.cfg.Endpoint == cfg.Endpoint {
		m.debug = cfg.Debug
		m.trace("realtime.init.noop", "endpoint", cfg.Endpoint)
		return true
	}
	if m.client != nil {
		m.trace("realtime.init.endpoint_changed", "from", m.cfg.Endpoint, "to", cfg.Endpoint)
		m.disconnect()
	}

	m.cfg = &cfg
	m.debug = cfg.Debug
	return m.buildClient()
}

func (m *Manager) buildClient() bool {
	m.gen++
	gen := m.gen

	c, err := m.factory(transport.Options{
		Endpoint:    m.cfg.Endpoint,
		SockJS:      m.sockJS,
		DialTimeout: m.dialTimeout,
		HeartBeat:   m.heartBeat,
		Logger:      m.log,
		Handlers: transport.Handlers{
			OnConnect: func() { m.post(func() { m.onConnect(gen) }) },
			OnError: func(err error) {
				m.post(func() { m.onDown(gen, StateErrored, err) })
			},
			OnClose: func(err error) {
				m.post(func() { m.onDown(gen, StateDisconnected, err) })
			},
		},
	})
	if err != nil {
		m.log.Error("realtime.init.fail", "endpoint", m.cfg.Endpoint, "err", err)
		m.client = nil
		return false
	}

	m.client = c
	m.clientDown = false
	m.activating = false
	m.trace("realtime.init.ok", "endpoint", m.cfg.Endpoint)
	return true
}

// teardownClient deactivates the current client without touching listeners
// or subscriptions bookkeeping.
func (m *Manager) teardownClient() {
	if m.client == nil {
		return
	}
	if err := m.client.Deactivate(); err != nil {
		m.log.Warn("realtime.transport.deactivate.fail", "err", err)
	}
	m.client = nil
}

func (m *Manager) isConnected() bool {
	return m.connected && m.client != nil && m.client.Connected()
}

func (m *Manager) connect(manual bool) bool {
	if m.client == nil {
		if m.cfg == nil {
			m.log.Error("realtime.connect.fail", "err", "not initialized")
			return false
		}
		if !m.buildClient() {
			return false
		}
	}
	if m.isConnected() {
		m.trace("realtime.connect.already_connected")
		return true
	}
	if m.activating {
		m.trace("realtime.connect.in_progress")
		return true
	}

	tok, err := m.token()
	if err != nil {
		m.log.Error("realtime.connect.fail", "err", err)
		return false
	}

	if manual {
		m.attempts = 0
		stopTimer(&m.reconnectTimer)
	}
	if m.clientDown {
		m.teardownClient()
		if !m.buildClient() {
			return false
		}
	}

	if err := m.client.Activate(map[string]string{"Authorization": "Bearer " + tok}); err != nil {
		m.log.Error("realtime.connect.fail", "err", err)
		return false
	}
	m.activating = true
	m.metrics.ConnectAttempts.Inc()
	m.setState(StateConnecting)
	m.trace("realtime.connect.start", "endpoint", m.cfg.Endpoint, "token_fp", token.Fingerprint(tok))
	return true
}

func (m *Manager) token() (string, error) {
	if m.tokens == nil {
		return "", ErrNoToken
	}
	tok, err := m.tokens.Token()
	if err != nil || tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

func (m *Manager) currentUserID() (int64, bool) {
	tok, err := m.token()
	if err != nil {
		return 0, false
	}
	id, err := token.Subject(tok)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (m *Manager) disconnect() {
	m.trace("realtime.disconnect")

	m.unsubscribeAll()
	m.clearPending()
	m.teardownClient()

	m.gen++
	m.clientDown = false
	m.activating = false
	stopTimer(&m.settleTimer)
	stopTimer(&m.reconnectTimer)
	m.attempts = 0
	m.hasCurrent = false
	m.currentID = 0
	m.switchListener = 0
	m.cfg = nil

	m.setConnected(false)
	m.setState(StateDisconnected)
}

func (m *Manager) onConnect(gen uint64) {
	if gen != m.gen || m.client == nil || m.clientDown {
		return
	}
	m.trace("realtime.transport.connected")
	m.attempts = 0
	stopTimer(&m.reconnectTimer)

	stopTimer(&m.settleTimer)
	m.settleTimer = m.clock.AfterFunc(connectSettleDelay, func() {
		m.post(func() { m.onSettled(gen) })
	})
}

func (m *Manager) onSettled(gen uint64) {
	if gen != m.gen || m.client == nil || m.clientDown {
		return
	}
	m.settleTimer = nil
	m.activating = false

	m.setConnected(true)
	m.setState(StateConnected)
	m.log.Info("realtime.connected", "endpoint", m.cfg.Endpoint)

	m.restoreSubscriptions()
	m.armPending(gen)
}

func (m *Manager) onDown(gen uint64, st State, err error) {
	if gen != m.gen || m.client == nil || m.clientDown {
		return
	}
	m.clientDown = true
	m.activating = false
	stopTimer(&m.settleTimer)
	m.dropTransportSubscriptions()
	if m.pending != nil {
		stopTimer(&m.pending.timer)
	}

	if st == StateErrored {
		m.log.Error("realtime.transport.error", "err", err)
	} else {
		m.log.Warn("realtime.transport.closed", "err", err)
	}

	m.setConnected(false)
	m.setState(st)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.attempts >= m.maxAttempts {
		m.log.Error("realtime.reconnect.exhausted", "attempts", m.attempts)
		m.metrics.ReconnectsExhausted.Inc()
		m.broadcast(ReconnectExhausted{Attempts: m.attempts})
		return
	}

	stopTimer(&m.reconnectTimer)
	m.attempts++
	delay := backoffDelay(m.reconnectBase, m.attempts)
	gen := m.gen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.reconnect(gen) })
	})

	m.metrics.ReconnectsScheduled.Inc()
	m.broadcast(ReconnectScheduled{Attempt: m.attempts, Delay: delay})
	m.log.Info("realtime.reconnect.scheduled", "attempt", m.attempts, "max", m.maxAttempts, "delay", delay)
}

func (m *Manager) reconnect(gen uint64) {
	if gen != m.gen || m.cfg == nil {
		return
	}
	m.reconnectTimer = nil
	m.trace("realtime.reconnect.attempt", "attempt", m.attempts, "max", m.maxAttempts)

	m.teardownClient()
	if !m.buildClient() {
		return
	}
	m.connect(false)
}

// backoffDelay returns base * 1.5^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(reconnectMultiplier, float64(attempt-1)))
}

func (m *Manager) setConnected(connected bool) {
	if m.connected == connected {
		return
	}
	m.connected = connected
	if connected {
		m.metrics.Connected.Set(1)
	} else {
		m.metrics.Connected.Set(0)
	}
	for _, fn := range m.connListeners {
		fn := fn
		m.notify(func() { fn(connected) })
	}
}

func (m *Manager) setState(st State) {
	if m.state == st {
		return
	}
	m.state = st
	m.broadcast(StateChanged{State: st, At: m.clock.Now()})
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
