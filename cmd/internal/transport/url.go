package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL turns a configured endpoint into the websocket URL to dial.
//
// http/https endpoints are rewritten to ws/wss. SockJS endpoints expose the raw
// websocket transport under "<endpoint>/websocket".
func ResolveURL(endpoint string, sockJS bool) (string, error) {
	raw := strings.TrimSpace(endpoint)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		u.Scheme = strings.ToLower(u.Scheme)
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	if sockJS && !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	return u.String(), nil
}

// Origin returns the http(s) origin of endpoint, "" when it cannot be parsed.
// The REST API of a chat server lives on the same origin as its websocket.
func Origin(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "http", "https":
	default:
		return ""
	}
	return scheme + "://" + u.Host
}
