package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"chatsync/cmd/internal/archive"
	"chatsync/cmd/internal/directory"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// flags holds the root options and what Before derived from them.
type flags struct {
	configPath string
	endpoint   string
	token      string
	tokenFile  string
	logLevel   string
	logFormat  string
	debug      bool
	sockJS     bool

	cfg Config
	log *slog.Logger
}

// Run executes the chatsync CLI and stops on SIGINT or SIGTERM.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Command().Run(ctx, args)
}

// Command builds the root command.
func Command() *cli.Command {
	f := &flags{}

	root := &cli.Command{
		Name:      "chatsync",
		Usage:     "Follow and post to admin chat conversations",
		UsageText: "chatsync [global options] command [command options]",
		Version:   fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to YAML config file",
				Sources:     cli.EnvVars(EnvPrefix + "CONFIG"),
				Value:       "chatsync.yaml",
				Destination: &f.configPath,
			},
			&cli.StringFlag{Name: "endpoint", Usage: "chat websocket endpoint", Destination: &f.endpoint},
			&cli.BoolFlag{Name: "sockjs", Usage: "endpoint is a SockJS endpoint", Destination: &f.sockJS},
			&cli.StringFlag{Name: "token", Usage: "bearer token", Destination: &f.token},
			&cli.StringFlag{Name: "token-file", Usage: "file holding the bearer token, reloaded on change", Destination: &f.tokenFile},
			&cli.StringFlag{Name: "log-level", Usage: "log level (debug, info, warn, error)", Destination: &f.logLevel},
			&cli.StringFlag{Name: "log-format", Usage: "log format (json, pretty)", Destination: &f.logFormat},
			&cli.BoolFlag{Name: "debug", Usage: "log connection traces at info", Destination: &f.debug},
		},
		Before: f.before,
	}

	root.Commands = []*cli.Command{
		watchCommand(f),
		sendCommand(f),
		conversationsCommand(f),
		historyCommand(f),
	}
	return root
}

func (f *flags) before(ctx context.Context, c *cli.Command) (context.Context, error) {
	if c.Args().Len() == 0 || c.Args().First() == "help" {
		return ctx, nil
	}

	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		return ctx, err
	}

	if c.IsSet("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if c.IsSet("sockjs") {
		cfg.SockJS = f.sockJS
	}
	if c.IsSet("token") {
		cfg.Token = f.token
	}
	if c.IsSet("token-file") {
		cfg.TokenFile = f.tokenFile
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if c.IsSet("debug") {
		cfg.Debug = f.debug
	}

	if err := cfg.Validate(); err != nil {
		return ctx, fmt.Errorf("config: %w", err)
	}

	f.cfg = cfg
	f.log = NewLogger(cfg.LogLevel, cfg.LogFormat, c.Root().ErrWriter)
	return ctx, nil
}

func (f *flags) newApp(ctx context.Context, c *cli.Command) (*App, error) {
	return New(ctx, f.cfg, f.log, Deps{Out: c.Root().Writer})
}

func watchCommand(f *flags) *cli.Command {
	var conversationID int64
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream messages as JSON lines",
		Description: `Connects and prints every delivered message as one JSON object per line.

Without --conversation the cross-conversation feed is followed. Messages are
archived and, when nats_url is set, relayed.`,
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "conversation", Aliases: []string{"i"}, Usage: "conversation id to follow", Destination: &conversationID},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := f.newApp(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.Watch(ctx, WatchOptions{ConversationID: conversationID})
		},
	}
}

func sendCommand(f *flags) *cli.Command {
	var (
		conversationID int64
		imageURL       string
	)
	return &cli.Command{
		Name:      "send",
		Usage:     "Send one message",
		UsageText: "chatsync send --conversation ID [--image URL] [text...]",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "conversation", Aliases: []string{"i"}, Usage: "conversation id", Required: true, Destination: &conversationID},
			&cli.StringFlag{Name: "image", Usage: "send an IMAGE message with this URL", Destination: &imageURL},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" && imageURL == "" {
				return errors.New("message text or --image is required")
			}

			a, err := f.newApp(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.Send(ctx, SendOptions{ConversationID: conversationID, Text: text, ImageURL: imageURL})
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			_, _ = fmt.Fprintln(c.Root().Writer, res.ClientMsgID)
			return nil
		},
	}
}

func listFlags(p *directory.ListParams, sort *string) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "page", Usage: "zero based page number", Destination: &p.Page},
		&cli.IntFlag{Name: "size", Usage: "page size", Value: 20, Destination: &p.Size},
		&cli.StringFlag{Name: "sort", Usage: "ASC or DESC", Destination: sort},
	}
}

func sortOrder(s string) (directory.SortOrder, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case string(directory.SortAsc):
		return directory.SortAsc, nil
	case string(directory.SortDesc):
		return directory.SortDesc, nil
	default:
		return "", fmt.Errorf("sort %q: want ASC or DESC", s)
	}
}

func conversationsCommand(f *flags) *cli.Command {
	var (
		p    directory.ListParams
		sort string
	)
	return &cli.Command{
		Name:    "conversations",
		Aliases: []string{"ls"},
		Usage:   "List conversations",
		Flags:   listFlags(&p, &sort),
		Action: func(ctx context.Context, c *cli.Command) error {
			order, err := sortOrder(sort)
			if err != nil {
				return err
			}
			p.Sort = order

			a, err := f.newApp(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			page, err := a.Conversations(ctx, p)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}

			w := tabwriter.NewWriter(c.Root().Writer, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tUSER\tEMAIL\tTITLE\tUPDATED")
			for _, conv := range page.Content {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
					conv.ID,
					conv.UserID,
					conv.Email,
					conv.Title,
					conv.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.Root().Writer, "page %d/%d, %d total\n", page.Number+1, page.TotalPages, page.TotalElements)
			return nil
		},
	}
}

func historyCommand(f *flags) *cli.Command {
	var (
		p              directory.ListParams
		sort           string
		conversationID int64
		local          bool
		afterSeq       int64
		limit          int
	)
	fl := []cli.Flag{
		&cli.Int64Flag{Name: "conversation", Aliases: []string{"i"}, Usage: "conversation id", Required: true, Destination: &conversationID},
		&cli.BoolFlag{Name: "local", Usage: "read the local archive instead of the server", Destination: &local},
		&cli.Int64Flag{Name: "after", Usage: "local: only entries after this sequence number", Destination: &afterSeq},
		&cli.IntFlag{Name: "limit", Usage: "local: max entries", Destination: &limit},
	}
	return &cli.Command{
		Name:  "history",
		Usage: "Print a conversation's messages as JSON lines",
		Flags: append(fl, listFlags(&p, &sort)...),
		Action: func(ctx context.Context, c *cli.Command) error {
			// The in-memory archive dies with the process that filled it.
			if local && f.cfg.DatabaseURL == "" {
				return ErrNoDurableArchive
			}

			a, err := f.newApp(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			enc := json.NewEncoder(c.Root().Writer)

			if local {
				q := archive.HistoryQuery{ConversationID: conversationID, Limit: limit}
				if c.IsSet("after") {
					q.AfterSeq = &afterSeq
				}
				msgs, _, err := a.LocalHistory(ctx, q)
				if err != nil {
					return fmt.Errorf("local history: %w", err)
				}
				for _, m := range msgs {
					if err := enc.Encode(m); err != nil {
						return err
					}
				}
				return nil
			}

			order, err := sortOrder(sort)
			if err != nil {
				return err
			}
			p.Sort = order
			page, err := a.RemoteHistory(ctx, conversationID, p)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			for _, m := range page.Content {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
