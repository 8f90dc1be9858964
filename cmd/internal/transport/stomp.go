package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
)

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const disconnectGrace = 2 * time.Second

// Stomp is the production Factory: STOMP over a websocket.
func Stomp(opts Options) (Client, error) {
	return NewStompClient(opts)
}

// StompClient speaks STOMP over a coder/websocket connection.
type StompClient struct {
	opts Options
	url  string
	host string
	log  *slog.Logger

	mu   sync.Mutex
	sess *session
	conn *stomp.Conn
	ws   *websocket.Conn

	connected atomic.Bool
}

// session is one activation. Callbacks check stopped so nothing fires after
// Deactivate.
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	stopped atomic.Bool
}

func NewStompClient(opts Options) (*StompClient, error) {
	opts = opts.withDefaults()
	wsURL, err := ResolveURL(opts.Endpoint, opts.SockJS)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(wsURL)

	return &StompClient{
		opts: opts,
		url:  wsURL,
		host: u.Hostname(),
		log:  opts.Logger.With("endpoint", wsURL),
	}, nil
}

func (c *StompClient) Activate(connectHeaders map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{ctx: ctx, cancel: cancel}
	c.sess = sess

	headers := make(map[string]string, len(connectHeaders))
	for k, v := range connectHeaders {
		headers[k] = v
	}
	go c.establish(sess, headers)
	return nil
}

func (c *StompClient) establish(sess *session, headers map[string]string) {
	dialCtx, cancel := context.WithTimeout(sess.ctx, c.opts.DialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		Subprotocols: stompSubprotocols,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.log.Warn("transport.dial.fail", "err", err)
		c.down(sess, c.opts.Handlers.OnClose, fmt.Errorf("dial: %w", err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	nc := &watchedConn{
		Conn: websocket.NetConn(sess.ctx, ws, websocket.MessageText),
		onReadErr: func(err error) {
			c.down(sess, c.opts.Handlers.OnClose, err)
		},
	}

	opts := []func(*stomp.Conn) error{stomp.ConnOpt.Host(c.host)}
	if hb := c.opts.HeartBeat; hb > 0 {
		opts = append(opts, stomp.ConnOpt.HeartBeat(hb, hb))
	}
	for k, v := range headers {
		opts = append(opts, stomp.ConnOpt.Header(k, v))
	}

	sc, err := stomp.Connect(nc, opts...)
	if err != nil {
		_ = ws.CloseNow()
		c.log.Warn("transport.stomp.connect.fail", "err", err)
		c.down(sess, c.opts.Handlers.OnError, fmt.Errorf("stomp connect: %w", err))
		return
	}

	c.mu.Lock()
	if c.sess != sess || sess.stopped.Load() {
		c.mu.Unlock()
		_ = sc.MustDisconnect()
		_ = ws.CloseNow()
		return
	}
	c.conn, c.ws = sc, ws
	c.connected.Store(true)
	c.mu.Unlock()

	c.log.Debug("transport.connected", "version", sc.Version())
	if h := c.opts.Handlers.OnConnect; h != nil {
		h()
	}
}

// down fires fn at most once per session and releases the session so the
// client can be activated again.
func (c *StompClient) down(sess *session, fn func(error), err error) {
	sess.once.Do(func() {
		c.mu.Lock()
		if c.sess == sess {
			c.sess, c.conn, c.ws = nil, nil, nil
			c.connected.Store(false)
		}
		c.mu.Unlock()
		sess.cancel()

		if sess.stopped.Load() || fn == nil {
			return
		}
		fn(err)
	})
}

func (c *StompClient) Deactivate() error {
	c.mu.Lock()
	sess, conn, ws := c.sess, c.conn, c.ws
	c.sess, c.conn, c.ws = nil, nil, nil
	c.connected.Store(false)
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.stopped.Store(true)

	go func() {
		if conn != nil {
			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := conn.Disconnect(); err != nil && !errors.Is(err, stomp.ErrAlreadyClosed) {
					c.log.Debug("transport.disconnect.fail", "err", err)
				}
			}()
			select {
			case <-done:
			case <-time.After(disconnectGrace):
			}
		}
		sess.cancel()
		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
		}
	}()
	return nil
}

func (c *StompClient) Connected() bool { return c.connected.Load() }

func (c *StompClient) Subscribe(topic string, deliver func(Message)) (Subscription, error) {
	c.mu.Lock()
	conn, sess := c.conn, c.sess
	c.mu.Unlock()

	if conn == nil || sess == nil || !c.connected.Load() {
		return nil, ErrNotConnected
	}

	sub, err := conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &stompSubscription{sub: sub, topic: topic}
	go c.pump(sess, s, deliver)
	return s, nil
}

func (c *StompClient) pump(sess *session, s *stompSubscription, deliver func(Message)) {
	for msg := range s.sub.C {
		if msg == nil {
			continue
		}
		if msg.Err != nil {
			if s.closed.Load() {
				return
			}
			c.down(sess, c.opts.Handlers.OnError, fmt.Errorf("subscription %s: %w", s.topic, msg.Err))
			return
		}
		deliver(Message{
			Destination: msg.Destination,
			ContentType: msg.ContentType,
			Body:        msg.Body,
		})
	}
}

func (c *StompClient) Publish(destination string, headers map[string]string, body []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	contentType := ""
	var opts []func(*frame.Frame) error
	for k, v := range headers {
		if k == "content-type" || k == "Content-Type" {
			contentType = v
			continue
		}
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	if err := conn.Send(destination, contentType, body, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

type stompSubscription struct {
	sub    *stomp.Subscription
	topic  string
	closed atomic.Bool
}

func (s *stompSubscription) Unsubscribe() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrSubscriptionGone
	}
	if !s.sub.Active() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// watchedConn reports the first read error, which is how a dropped socket
// surfaces to the STOMP reader.
type watchedConn struct {
	net.Conn
	onReadErr func(error)
	once      sync.Once
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.once.Do(func() { w.onReadErr(err) })
	}
	return n, err
}
