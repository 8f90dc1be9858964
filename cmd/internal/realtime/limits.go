package realtime

import "time"

// Settle delays. The STOMP handshake can report success a moment before the
// broker accepts SUBSCRIBE frames; these fixed waits cover that gap.
const (
	connectSettleDelay   = 200 * time.Millisecond
	subscribeSettleDelay = 500 * time.Millisecond
	subscribeRetryDelay  = 1000 * time.Millisecond
)

const (
	// Reconnect policy defaults (overridable via Options).
	defaultReconnectBase        = 5 * time.Second
	defaultMaxReconnectAttempts = 10
	reconnectMultiplier         = 1.5

	// Sent messages are matched against echoes for this long.
	sentTrackingWindow = 10 * time.Second

	// Per-Watch buffered events before drops kick in.
	eventBufferSize = 64
)
