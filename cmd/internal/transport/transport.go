// Package transport wraps a full-duplex socket beneath a STOMP pub/sub layer.
//
// A Client is single-use per activation: callers build a fresh one with a
// Factory after an error or close rather than reusing the failed instance.
package transport

import (
	"errors"
	"log/slog"
	"time"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyActive    = errors.New("transport already active")
	ErrInvalidEndpoint  = errors.New("invalid transport endpoint")
	ErrSubscriptionGone = errors.New("subscription already closed")
)

// Message is one delivery on a subscribed topic.
type Message struct {
	Destination string
	ContentType string
	Body        []byte
}

// Handlers receive lifecycle callbacks. They are invoked from transport
// goroutines and must not block.
//
// Per activation at most one of OnError/OnClose fires, and nothing fires after
// Deactivate.
type Handlers struct {
	OnConnect func()
	OnError   func(err error)
	OnClose   func(err error)
}

// Subscription is a live topic binding.
type Subscription interface {
	Unsubscribe() error
}

// Client is the frame-level pub/sub connection used by the realtime layer.
type Client interface {
	// Activate starts connecting in the background with the given CONNECT headers.
	Activate(connectHeaders map[string]string) error
	// Deactivate tears the connection down without firing OnError/OnClose.
	Deactivate() error
	Connected() bool
	// Subscribe binds topic; deliver runs on a transport goroutine.
	Subscribe(topic string, deliver func(Message)) (Subscription, error)
	Publish(destination string, headers map[string]string, body []byte) error
}

// Options configure a Client.
type Options struct {
	Endpoint    string
	SockJS      bool
	DialTimeout time.Duration
	HeartBeat   time.Duration
	Handlers    Handlers
	Logger      *slog.Logger
}

// Factory builds a Client. Construction errors are configuration errors.
type Factory func(opts Options) (Client, error)

const (
	defaultDialTimeout = 10 * time.Second
	maxFrameBytes      = 1 << 20 // 1MiB
)

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
