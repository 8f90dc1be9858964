package realtime

import "errors"

// Send path failures. They are returned inside SendResult, never panicked.
var (
	ErrConversationClosed = errors.New("cannot send messages to a closed conversation")
	ErrNotConnected       = errors.New("not connected to chat server")
	ErrNoToken            = errors.New("no valid authentication token")
)
