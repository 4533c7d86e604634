// Package conversation is the conversation-level CRUD layer orthogonal
// to turn structure: creating, listing, renaming, archiving/deleting, and
// toggling privacy on conversations (spec §2 "Conversation management").
// Grounded on internal/session/sqlite_store.go's ListSessions/session CRUD
// shape, adapted from a flat session table to the conversations table the
// turn store's turns/views hang off of.
package conversation

import (
	"context"
	"database/sql"
	"time"

	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// Conversation is a row in the conversations table.
type Conversation struct {
	ID         ids.ConversationID
	UserID     ids.UserID
	Title      string
	IsPrivate  bool
	IsArchived bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store persists conversation metadata against a shared database handle.
type Store struct {
	db *sql.DB
}

// New wraps db for conversation storage.
func New(db *sql.DB) *Store { return &Store{db: db} }

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Create inserts a new, untitled conversation owned by userID.
func (s *Store) Create(ctx context.Context, userID ids.UserID) (*Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:        ids.NewConversationID(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, is_private, is_archived, created_at, updated_at)
		VALUES (?, ?, NULL, 0, 0, ?, ?)`,
		string(c.ID), nullStr(string(c.UserID)), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, storeerr.IO("conversation.Create", err)
	}

	L_debug("conversation: created", "id", c.ID, "user", userID)
	return &c, nil
}

func scanConversation(row interface{ Scan(dest ...interface{}) error }) (*Conversation, error) {
	var (
		c                  Conversation
		userID, title      sql.NullString
		createdAt, updated string
	)
	if err := row.Scan(&c.ID, &userID, &title, &c.IsPrivate, &c.IsArchived, &createdAt, &updated); err != nil {
		return nil, err
	}
	c.UserID = ids.UserID(userID.String)
	c.Title = title.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		c.UpdatedAt = t
	}
	return &c, nil
}

const columns = `id, user_id, title, is_private, is_archived, created_at, updated_at`

// Get retrieves a conversation by id.
func (s *Store) Get(ctx context.Context, id ids.ConversationID) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM conversations WHERE id = ?`, string(id))
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("conversation.Get", err)
	}
	if err != nil {
		return nil, storeerr.IO("conversation.Get", err)
	}
	return c, nil
}

// List returns userID's non-archived conversations, most recently
// updated first.
func (s *Store) List(ctx context.Context, userID ids.UserID) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM conversations
		WHERE user_id = ? AND is_archived = 0
		ORDER BY updated_at DESC`, string(userID))
	if err != nil {
		return nil, storeerr.IO("conversation.List", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storeerr.IO("conversation.List", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Rename sets a conversation's title.
func (s *Store) Rename(ctx context.Context, id ids.ConversationID, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		nullStr(title), time.Now().UTC().Format(time.RFC3339Nano), string(id))
	if err != nil {
		return storeerr.IO("conversation.Rename", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeerr.NotFound("conversation.Rename", nil)
	}
	return nil
}

// SetPrivate toggles a conversation's privacy flag.
func (s *Store) SetPrivate(ctx context.Context, id ids.ConversationID, private bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET is_private = ?, updated_at = ? WHERE id = ?`,
		private, time.Now().UTC().Format(time.RFC3339Nano), string(id))
	if err != nil {
		return storeerr.IO("conversation.SetPrivate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeerr.NotFound("conversation.SetPrivate", nil)
	}
	return nil
}

// Archive soft-hides a conversation from List without touching turns,
// spans, messages, or views.
func (s *Store) Archive(ctx context.Context, id ids.ConversationID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET is_archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), string(id))
	if err != nil {
		return storeerr.IO("conversation.Archive", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeerr.NotFound("conversation.Archive", nil)
	}
	return nil
}

// Touch bumps updated_at, called by the session after each commit so
// List's ordering reflects conversation activity.
func (s *Store) Touch(ctx context.Context, id ids.ConversationID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), string(id))
	if err != nil {
		return storeerr.IO("conversation.Touch", err)
	}
	return nil
}

// Delete permanently removes a conversation. Turns, spans, messages, and
// views cascade via foreign key (views additionally via their own entity
// row); content blocks referenced by those messages are left intact
// (spec §3.6).
func (s *Store) Delete(ctx context.Context, id ids.ConversationID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, string(id))
	if err != nil {
		return storeerr.IO("conversation.Delete", err)
	}
	L_debug("conversation: deleted", "id", id)
	return nil
}
