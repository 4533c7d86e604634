package turn

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
	"github.com/noema/ucm/internal/wire"
)

// Store persists turns, spans, messages, and views against a shared
// database handle. Writers on the same conversation serialize through a
// per-conversation mutex, generalizing the mutex-guarded in-memory state
// idiom of internal/session/session.go to a per-key lock so unrelated
// conversations never contend.
type Store struct {
	db       *sql.DB
	entities *entity.Store

	locksMu sync.Mutex
	locks   map[ids.ConversationID]*sync.Mutex
}

// New wraps db (and the entity store backing view entities) for turn
// storage.
func New(db *sql.DB, entities *entity.Store) *Store {
	return &Store{db: db, entities: entities, locks: make(map[ids.ConversationID]*sync.Mutex)}
}

func (s *Store) lockFor(id ids.ConversationID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

const timeLayout = time.RFC3339Nano

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// dbtx is satisfied by both *sql.DB and *sql.Tx. The core writers below
// take a dbtx so they can run standalone or as part of a caller-owned
// transaction threaded through a Tx (see tx.go).
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// AddTurn appends a turn at the next sequence number for conversationID.
// Concurrent appends on the same conversation serialize on a
// per-conversation lock (§5).
func (s *Store) AddTurn(ctx context.Context, conversationID ids.ConversationID, role Role) (*Turn, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return addTurn(ctx, s.db, conversationID, role)
}

func addTurn(ctx context.Context, q dbtx, conversationID ids.ConversationID, role Role) (*Turn, error) {
	var maxSeq sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM turns WHERE conversation_id = ?`, string(conversationID)).Scan(&maxSeq)
	if err != nil {
		return nil, storeerr.IO("turn.AddTurn", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	t := Turn{
		ID:             ids.NewTurnID(),
		ConversationID: conversationID,
		Role:           role,
		SequenceNumber: seq,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, sequence_number, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(t.ID), string(t.ConversationID), string(t.Role), t.SequenceNumber, t.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, storeerr.ConstraintViolation("turn.AddTurn", err)
	}

	L_debug("turn: added", "id", t.ID, "conversation", conversationID, "seq", seq)
	return &t, nil
}

// AddSpan creates a new, initially incomplete span at turnID.
func (s *Store) AddSpan(ctx context.Context, turnID ids.TurnID, modelID string) (*Span, error) {
	return addSpan(ctx, s.db, turnID, modelID)
}

func addSpan(ctx context.Context, q dbtx, turnID ids.TurnID, modelID string) (*Span, error) {
	sp := Span{
		ID:        ids.NewSpanID(),
		TurnID:    turnID,
		ModelID:   modelID,
		CreatedAt: time.Now().UTC(),
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO spans (id, turn_id, model_id, is_complete, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(sp.ID), string(sp.TurnID), nullStr(sp.ModelID), sp.IsComplete, sp.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, storeerr.IO("turn.AddSpan", err)
	}

	L_debug("turn: span added", "id", sp.ID, "turn", turnID)
	return &sp, nil
}

// CompleteSpan transitions a span from incomplete to complete, signaling
// that the engine has finished streaming its messages.
func (s *Store) CompleteSpan(ctx context.Context, spanID ids.SpanID) error {
	return completeSpan(ctx, s.db, spanID)
}

func completeSpan(ctx context.Context, q dbtx, spanID ids.SpanID) error {
	_, err := q.ExecContext(ctx, `UPDATE spans SET is_complete = 1 WHERE id = ?`, string(spanID))
	if err != nil {
		return storeerr.IO("turn.CompleteSpan", err)
	}
	return nil
}

// AddMessage persists a message and its ordered content items at the next
// sequence number within spanID. Text items must already reference an
// existing content block; asset/document items carry their referent
// identifier. Callers materialize text to content blocks (and run the
// storage coordinator over inline items) before calling this.
func (s *Store) AddMessage(ctx context.Context, spanID ids.SpanID, role Role, content wire.Items) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeerr.IO("turn.AddMessage", err)
	}
	defer tx.Rollback()

	m, err := addMessage(ctx, tx, spanID, role, content)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeerr.IO("turn.AddMessage", err)
	}
	return m, nil
}

func addMessage(ctx context.Context, q dbtx, spanID ids.SpanID, role Role, content wire.Items) (*Message, error) {
	for _, item := range content {
		if err := item.Validate(); err != nil {
			return nil, storeerr.Validation("turn.AddMessage", err)
		}
	}

	var maxSeq sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM messages WHERE span_id = ?`, string(spanID)).Scan(&maxSeq); err != nil {
		return nil, storeerr.IO("turn.AddMessage", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	m := Message{
		ID:             ids.NewMessageID(),
		SpanID:         spanID,
		SequenceNumber: seq,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}
	if len(content) == 1 && content[0].Type == wire.ItemTextRef {
		m.ContentID = content[0].ContentID
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, span_id, sequence_number, role, content_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(m.SpanID), m.SequenceNumber, string(m.Role), nullStr(string(m.ContentID)), m.CreatedAt.Format(timeLayout),
	); err != nil {
		return nil, storeerr.IO("turn.AddMessage", err)
	}

	itemJSON, err := wire.Encode(content)
	if err != nil {
		return nil, storeerr.Serialization("turn.AddMessage", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO message_content (message_id, item_index, item_json) VALUES (?, 0, ?)`,
		string(m.ID), string(itemJSON),
	); err != nil {
		return nil, storeerr.IO("turn.AddMessage", err)
	}

	L_debug("turn: message added", "id", m.ID, "span", spanID, "seq", seq)
	return &m, nil
}

// PruneIncompleteSpans removes spans of turnID that never completed (the
// engine crashed mid-stream) and that no view selection references. A
// span still selected by some view survives even if incomplete, since
// deleting it out from under a selection would orphan that view.
func (s *Store) PruneIncompleteSpans(ctx context.Context, turnID ids.TurnID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.IO("turn.PruneIncompleteSpans", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM spans
		WHERE turn_id = ?
		  AND is_complete = 0
		  AND id NOT IN (SELECT span_id FROM view_selections WHERE turn_id = ?)`,
		string(turnID), string(turnID),
	)
	if err != nil {
		return storeerr.IO("turn.PruneIncompleteSpans", err)
	}
	if err := tx.Commit(); err != nil {
		return storeerr.IO("turn.PruneIncompleteSpans", err)
	}

	n, _ := res.RowsAffected()
	L_debug("turn: pruned incomplete spans", "turn", turnID, "removed", n)
	return nil
}

func scanTurn(row interface{ Scan(dest ...interface{}) error }) (*Turn, error) {
	var t Turn
	var createdAt string
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Role, &t.SequenceNumber, &createdAt); err != nil {
		return nil, err
	}
	if ts, err := time.Parse(timeLayout, createdAt); err == nil {
		t.CreatedAt = ts
	}
	return &t, nil
}

// GetTurn retrieves a turn by id.
func (s *Store) GetTurn(ctx context.Context, id ids.TurnID) (*Turn, error) {
	return getTurn(ctx, s.db, id)
}

func getTurn(ctx context.Context, q dbtx, id ids.TurnID) (*Turn, error) {
	row := q.QueryRowContext(ctx, `SELECT id, conversation_id, role, sequence_number, created_at FROM turns WHERE id = ?`, string(id))
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("turn.GetTurn", err)
	}
	if err != nil {
		return nil, storeerr.IO("turn.GetTurn", err)
	}
	return t, nil
}

// GetTurns returns every turn of a conversation, ascending by sequence
// number.
func (s *Store) GetTurns(ctx context.Context, conversationID ids.ConversationID) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, sequence_number, created_at
		FROM turns WHERE conversation_id = ? ORDER BY sequence_number ASC`, string(conversationID))
	if err != nil {
		return nil, storeerr.IO("turn.GetTurns", err)
	}
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, storeerr.IO("turn.GetTurns", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSpan(row interface{ Scan(dest ...interface{}) error }) (*Span, error) {
	var (
		sp        Span
		modelID   sql.NullString
		createdAt string
	)
	if err := row.Scan(&sp.ID, &sp.TurnID, &modelID, &sp.IsComplete, &createdAt); err != nil {
		return nil, err
	}
	sp.ModelID = modelID.String
	if ts, err := time.Parse(timeLayout, createdAt); err == nil {
		sp.CreatedAt = ts
	}
	return &sp, nil
}

// GetSpan retrieves a span by id.
func (s *Store) GetSpan(ctx context.Context, id ids.SpanID) (*Span, error) {
	return getSpan(ctx, s.db, id)
}

func getSpan(ctx context.Context, q dbtx, id ids.SpanID) (*Span, error) {
	row := q.QueryRowContext(ctx, `SELECT id, turn_id, model_id, is_complete, created_at FROM spans WHERE id = ?`, string(id))
	sp, err := scanSpan(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("turn.GetSpan", err)
	}
	if err != nil {
		return nil, storeerr.IO("turn.GetSpan", err)
	}
	return sp, nil
}

// GetSpans returns every span of turnID in deterministic tie-break order:
// ascending created_at, then ascending id (§4.5.6).
func (s *Store) GetSpans(ctx context.Context, turnID ids.TurnID) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, model_id, is_complete, created_at
		FROM spans WHERE turn_id = ? ORDER BY created_at ASC, id ASC`, string(turnID))
	if err != nil {
		return nil, storeerr.IO("turn.GetSpans", err)
	}
	defer rows.Close()

	var out []*Span
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, storeerr.IO("turn.GetSpans", err)
		}
		out = append(out, sp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, rows.Err()
}

func scanMessage(row interface{ Scan(dest ...interface{}) error }) (*Message, error) {
	var (
		m         Message
		contentID sql.NullString
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.SpanID, &m.SequenceNumber, &m.Role, &contentID, &createdAt); err != nil {
		return nil, err
	}
	m.ContentID = ids.ContentBlockID(contentID.String)
	if ts, err := time.Parse(timeLayout, createdAt); err == nil {
		m.CreatedAt = ts
	}
	return &m, nil
}

// GetMessages returns every message of spanID ordered by sequence number.
func (s *Store) GetMessages(ctx context.Context, spanID ids.SpanID) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, span_id, sequence_number, role, content_id, created_at
		FROM messages WHERE span_id = ? ORDER BY sequence_number ASC`, string(spanID))
	if err != nil {
		return nil, storeerr.IO("turn.GetMessages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeerr.IO("turn.GetMessages", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessagesWithContent returns every message of spanID along with its
// parsed content items.
func (s *Store) GetMessagesWithContent(ctx context.Context, spanID ids.SpanID) ([]MessageWithContent, error) {
	msgs, err := s.GetMessages(ctx, spanID)
	if err != nil {
		return nil, err
	}

	out := make([]MessageWithContent, 0, len(msgs))
	for _, m := range msgs {
		items, err := s.getMessageContent(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MessageWithContent{Message: *m, Content: items})
	}
	return out, nil
}

func (s *Store) getMessageContent(ctx context.Context, messageID ids.MessageID) (wire.Items, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_json FROM message_content WHERE message_id = ? ORDER BY item_index ASC`, string(messageID))
	if err != nil {
		return nil, storeerr.IO("turn.getMessageContent", err)
	}
	defer rows.Close()

	var all wire.Items
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeerr.IO("turn.getMessageContent", err)
		}
		items, err := wire.Decode([]byte(raw))
		if err != nil {
			return nil, storeerr.Serialization("turn.getMessageContent", err)
		}
		all = append(all, items...)
	}
	return all, rows.Err()
}
