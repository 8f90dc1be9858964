package realtime

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"chatsync/cmd/internal/transport"
	"chatsync/cmd/security/token"
	v1 "chatsync/contracts/chat/v1"
)

// ---- clock ----

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	done    bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.done = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Pending returns the delays, from now, of timers still armed.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.done && !t.stopped {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---- transport ----

type fakeNet struct {
	mu        sync.Mutex
	clients   []*fakeClient
	buildErr  error
	endpoints []string
}

func (n *fakeNet) factory(opts transport.Options) (transport.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.buildErr != nil {
		return nil, n.buildErr
	}
	c := &fakeClient{opts: opts, subs: make(map[string]*fakeSub)}
	n.clients = append(n.clients, c)
	n.endpoints = append(n.endpoints, opts.Endpoint)
	return c, nil
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

func (n *fakeNet) last() *fakeClient {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.clients) == 0 {
		return nil
	}
	return n.clients[len(n.clients)-1]
}

type published struct {
	destination string
	headers     map[string]string
	body        []byte
}

type fakeClient struct {
	opts transport.Options

	mu             sync.Mutex
	activations    int
	headers        map[string]string
	connected      bool
	deactivated    bool
	subs           map[string]*fakeSub
	subscribeCalls int
	published      []published
	unsubscribeErr error
}

type fakeSub struct {
	client       *fakeClient
	topic        string
	deliver      func(transport.Message)
	unsubscribed bool
}

func (c *fakeClient) Activate(h map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activations++
	c.headers = h
	return nil
}

func (c *fakeClient) Deactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deactivated = true
	c.connected = false
	return nil
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(topic string, deliver func(transport.Message)) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, transport.ErrNotConnected
	}
	c.subscribeCalls++
	s := &fakeSub{client: c, topic: topic, deliver: deliver}
	c.subs[topic] = s
	return s, nil
}

func (c *fakeClient) Publish(destination string, headers map[string]string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	c.published = append(c.published, published{destination: destination, headers: headers, body: body})
	return nil
}

func (s *fakeSub) Unsubscribe() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.unsubscribed = true
	if s.client.subs[s.topic] == s {
		delete(s.client.subs, s.topic)
	}
	return s.client.unsubscribeErr
}

// open simulates a successful STOMP handshake.
func (c *fakeClient) open() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.opts.Handlers.OnConnect()
}

func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.Handlers.OnClose(err)
}

func (c *fakeClient) fail(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.Handlers.OnError(err)
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeClient) sub(topic string) *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

func (c *fakeClient) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeClient) isDeactivated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deactivated
}

func (c *fakeClient) activationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activations
}

func (s *fakeSub) push(body string) {
	s.deliver(transport.Message{Destination: s.topic, ContentType: "application/json", Body: []byte(body)})
}

// ---- harness ----

const (
	testEndpoint = "https://chat.example.com/ws-chat"
	selfID       = 42
)

var errBoom = errors.New("boom")

type harness struct {
	t       *testing.T
	m       *Manager
	net     *fakeNet
	clock   *fakeClock
	tokens  *token.MemoryStore
	metrics *Metrics
	token   string
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tok := signedToken(t, "42")
	h := &harness{
		t:       t,
		net:     &fakeNet{},
		clock:   newFakeClock(),
		tokens:  token.NewMemoryStore(tok),
		metrics: NewMetrics(prometheus.NewRegistry()),
		token:   tok,
	}
	h.m = New(Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tokens:    h.tokens,
		Factory:   h.net.factory,
		Clock:     h.clock,
		Metrics:   h.metrics,
		SelfEmail: "admin@example.com",
	})
	t.Cleanup(h.m.Close)
	return h
}

// sync waits until the loop has processed everything posted so far and the
// dispatcher has run every listener queued by it.
func (h *harness) sync() {
	h.t.Helper()
	if !h.m.do(func() {}) {
		return
	}
	done := make(chan struct{})
	h.m.outbox.push(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("dispatcher did not drain")
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

// connect initializes, connects and settles a connection.
func (h *harness) connect() *fakeClient {
	h.t.Helper()
	if !h.m.Initialize(Config{Endpoint: testEndpoint}) {
		h.t.Fatalf("Initialize failed")
	}
	if !h.m.Connect() {
		h.t.Fatalf("Connect failed")
	}
	c := h.net.last()
	c.open()
	h.sync()
	h.advance(connectSettleDelay)
	if !h.m.IsConnected() {
		h.t.Fatalf("not connected after settle")
	}
	return c
}

// collector records messages delivered to a listener.
type collector struct {
	mu   sync.Mutex
	msgs []v1.Message
}

func (c *collector) listener() MessageListener {
	return func(msg v1.Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	}
}

func (c *collector) all() []v1.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Message(nil), c.msgs...)
}

func (c *collector) texts() []string {
	var out []string
	for _, m := range c.all() {
		out = append(out, m.Message)
	}
	return out
}
