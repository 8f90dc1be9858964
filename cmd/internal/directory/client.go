// Package directory is the REST client for the conversation directory: the
// conversation list, single conversations and message history.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"chatsync/cmd/security/token"
	v1 "chatsync/contracts/chat/v1"
)

const defaultTimeout = 15 * time.Second

type Options struct {
	BaseURL string
	Timeout time.Duration
	// Tokens supplies the bearer token. On 401 it is cleared when it
	// implements token.Clearer.
	Tokens token.Source
	Logger *slog.Logger
	// HTTPClient overrides the underlying transport, mostly for tests.
	HTTPClient *http.Client
}

type Client struct {
	http   *resty.Client
	tokens token.Source
	log    *slog.Logger
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, ErrNoBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rc := resty.New()
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	}
	rc.SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", v1.ContentTypeJSON)

	return &Client{http: rc, tokens: opts.Tokens, log: opts.Logger}, nil
}

// ListConversations returns one page of conversations.
func (c *Client) ListConversations(ctx context.Context, p ListParams) (Page[Conversation], error) {
	var env envelope[wirePage[wireConversation]]
	if err := c.get(ctx, "/api/conversations", p.query(), &env); err != nil {
		return Page[Conversation]{}, err
	}
	return mapPage(env.Data, wireConversation.decode), nil
}

// GetConversation returns one conversation, ErrNotFound when it does not exist.
func (c *Client) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	var env envelope[wireConversation]
	if err := c.get(ctx, "/api/conversations/"+strconv.FormatInt(id, 10), nil, &env); err != nil {
		return Conversation{}, err
	}
	return env.Data.decode(), nil
}

// ListMessages returns one page of the message history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, p ListParams) (Page[v1.Message], error) {
	var env envelope[wirePage[wireMessage]]
	path := "/api/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if err := c.get(ctx, path, p.query(), &env); err != nil {
		return Page[v1.Message]{}, err
	}
	return mapPage(env.Data, wireMessage.decode), nil
}

// result is implemented by every envelope instantiation.
type result interface {
	failure() (bool, string)
}

func (e *envelope[T]) failure() (bool, string) { return !e.Success, e.Message }

func (c *Client) get(ctx context.Context, path string, query map[string]string, out result) error {
	tok, err := c.token()
	if err != nil {
		return err
	}

	start := time.Now()
	var eb errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetQueryParams(query).
		SetResult(out).
		SetError(&eb).
		Get(path)
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	// A body that fails to decode on an error status still maps by status.
	if err != nil && (status == 0 || resp.IsSuccess()) {
		c.log.Warn("directory.request.fail", "path", path, "err", err)
		return fmt.Errorf("directory: get %s: %w", path, err)
	}

	c.log.Debug("directory.request", "path", path, "status", status, "dur_ms", time.Since(start).Milliseconds())

	switch {
	case status == http.StatusUnauthorized:
		c.clearToken()
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case !resp.IsSuccess():
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		return &APIError{Status: status, Message: msg}
	}

	if failed, msg := out.failure(); failed {
		return &APIError{Status: status, Message: msg}
	}
	return nil
}

func (c *Client) token() (string, error) {
	if c.tokens == nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, token.ErrMissing)
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return tok, nil
}

func (c *Client) clearToken() {
	if cl, ok := c.tokens.(token.Clearer); ok {
		cl.Clear()
		c.log.Warn("directory.token.cleared")
	}
}

func (p ListParams) query() map[string]string {
	q := make(map[string]string, 3)
	if p.Page > 0 {
		q["page"] = strconv.Itoa(p.Page)
	}
	if p.Size > 0 {
		q["size"] = strconv.Itoa(p.Size)
	}
	if p.Sort != "" {
		q["sort"] = string(p.Sort)
	}
	return q
}

// IsAuthError reports whether err means the token must be replaced.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
