package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "chatsync/contracts/chat/v1"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// The pool belongs to the caller; Close does not close it.
//
// Appends take a per-conversation transactional advisory lock, so seq values
// are strictly monotonic under concurrency and duplicates never consume one.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

type PostgresOption func(*PostgresStore) error

// WithSchema sets the schema holding the archive tables (default "chatsync").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "chatsync"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	cursors := pgIdent(s.schema, "archive_cursors")
	messages := pgIdent(s.schema, "archived_messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  conversation_id BIGINT PRIMARY KEY,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id BIGINT NOT NULL,
  seq             BIGINT NOT NULL,
  dedupe_key      TEXT NOT NULL,
  message_id      BIGINT NOT NULL,
  sender_id       BIGINT NOT NULL,
  sender_email    TEXT NOT NULL DEFAULT '',
  from_self       BOOLEAN NOT NULL DEFAULT false,
  type            TEXT NOT NULL CHECK (type IN ('TEXT', 'IMAGE')),
  text            TEXT NOT NULL,
  image_url       TEXT,
  client_msg_id   TEXT NOT NULL DEFAULT '',
  received_at     TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (conversation_id, seq),
  CONSTRAINT uq_archived_messages_key UNIQUE (conversation_id, dedupe_key)
);
`, pgx.Identifier{s.schema}.Sanitize(), cursors, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, ErrNilStore
	}
	if err := e.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	e.Type = e.Type.OrDefault()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "archive_cursors")
	messages := pgIdent(s.schema, "archived_messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('chatsync.archive:' || $1::text, 0))`, e.ConversationID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readEntryByKey(ctx, tx, messages, e.ConversationID, e.Key)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Entry: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		e.ConversationID,
	); err != nil {
		return AppendResult{}, err
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		e.ConversationID,
	).Scan(&e.Seq); err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, seq, dedupe_key, message_id, sender_id, sender_email,
		     from_self, type, text, image_url, client_msg_id, received_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ConversationID, e.Seq, e.Key, e.MessageID, e.SenderID, e.SenderEmail,
		e.FromSelf, string(e.Type), e.Text, e.ImageURL, e.ClientMsgID, e.ReceivedAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Entry: e}, nil
}

func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if s == nil || s.pool == nil {
		return HistoryPage{}, ErrNilStore
	}
	if q.ConversationID <= 0 {
		return HistoryPage{}, ErrInvalidEntry
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := clampLimit(q.Limit)
	fetch := limit + 1
	after := int64(0)
	if q.AfterSeq != nil {
		after = *q.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		   FROM `+pgIdent(s.schema, "archived_messages")+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		q.ConversationID, after, fetch,
	)
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	out := make([]Entry, 0, fetch)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	if len(out) == 0 {
		out = nil
	}
	return HistoryPage{Entries: out, HasMore: hasMore}, nil
}

const entryColumns = `conversation_id, seq, dedupe_key, message_id, sender_id, sender_email,
       from_self, type, text, image_url, client_msg_id, received_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e  Entry
		tp string
	)
	err := row.Scan(
		&e.ConversationID, &e.Seq, &e.Key, &e.MessageID, &e.SenderID, &e.SenderEmail,
		&e.FromSelf, &tp, &e.Text, &e.ImageURL, &e.ClientMsgID, &e.ReceivedAt,
	)
	e.Type = v1.MessageType(tp)
	return e, err
}

func readEntryByKey(ctx context.Context, tx pgx.Tx, table string, conversationID int64, key string) (Entry, error) {
	return scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+`
		   FROM `+table+`
		  WHERE conversation_id = $1 AND dedupe_key = $2`,
		conversationID, key,
	))
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
