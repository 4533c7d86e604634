package turn

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// CreateView creates a view entity and its view row. At most one main
// view per conversation is enforced by a partial unique index
// (idx_views_one_main); a second attempt surfaces as a constraint
// violation.
func (s *Store) CreateView(ctx context.Context, conversationID ids.ConversationID, name string, isMain bool) (*View, error) {
	ent, err := s.entities.Create(ctx, entity.Entity{EntityType: entity.TypeView, Name: name})
	if err != nil {
		return nil, err
	}
	return createView(ctx, s.db, ent.ID, conversationID, isMain)
}

func createView(ctx context.Context, q dbtx, entID ids.EntityID, conversationID ids.ConversationID, isMain bool) (*View, error) {
	v := View{
		ID:             ids.ViewID(entID),
		ConversationID: conversationID,
		IsMain:         isMain,
		State:          ViewActive,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO views (id, conversation_id, is_main, forked_from_view_id, forked_at_turn_id, state, created_at)
		VALUES (?, ?, ?, NULL, NULL, ?, ?)`,
		string(v.ID), string(v.ConversationID), v.IsMain, string(v.State), v.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, storeerr.ConstraintViolation("turn.CreateView", err)
	}

	L_debug("turn: view created", "id", v.ID, "conversation", conversationID, "main", isMain)
	return &v, nil
}

func scanView(row interface{ Scan(dest ...interface{}) error }) (*View, error) {
	var (
		v                              View
		forkedFromView, forkedAtTurn   sql.NullString
		state, createdAt               string
	)
	if err := row.Scan(&v.ID, &v.ConversationID, &v.IsMain, &forkedFromView, &forkedAtTurn, &state, &createdAt); err != nil {
		return nil, err
	}
	v.ForkedFromViewID = ids.ViewID(forkedFromView.String)
	v.ForkedAtTurnID = ids.TurnID(forkedAtTurn.String)
	v.State = ViewState(state)
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		v.CreatedAt = t
	}
	return &v, nil
}

const viewColumns = `id, conversation_id, is_main, forked_from_view_id, forked_at_turn_id, state, created_at`

// GetMainView returns the conversation's single main view.
func (s *Store) GetMainView(ctx context.Context, conversationID ids.ConversationID) (*View, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+viewColumns+` FROM views WHERE conversation_id = ? AND is_main = 1`, string(conversationID))
	v, err := scanView(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("turn.GetMainView", err)
	}
	if err != nil {
		return nil, storeerr.IO("turn.GetMainView", err)
	}
	return v, nil
}

// GetViews returns every non-deleted view of a conversation.
func (s *Store) GetViews(ctx context.Context, conversationID ids.ConversationID) ([]*View, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+viewColumns+` FROM views WHERE conversation_id = ? AND state != 'deleted' ORDER BY created_at ASC`, string(conversationID))
	if err != nil {
		return nil, storeerr.IO("turn.GetViews", err)
	}
	defer rows.Close()

	var out []*View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, storeerr.IO("turn.GetViews", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetView retrieves a view by id.
func (s *Store) GetView(ctx context.Context, id ids.ViewID) (*View, error) {
	return getView(ctx, s.db, id)
}

func getView(ctx context.Context, q dbtx, id ids.ViewID) (*View, error) {
	row := q.QueryRowContext(ctx, `SELECT `+viewColumns+` FROM views WHERE id = ?`, string(id))
	v, err := scanView(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("turn.GetView", err)
	}
	if err != nil {
		return nil, storeerr.IO("turn.GetView", err)
	}
	return v, nil
}

// ArchiveView soft-hides a view from default listings without touching
// turn/span/message state.
func (s *Store) ArchiveView(ctx context.Context, id ids.ViewID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE views SET state = 'archived' WHERE id = ?`, string(id))
	if err != nil {
		return storeerr.IO("turn.ArchiveView", err)
	}
	return nil
}

// DeleteView cascades only to the view's own selection rows; turns,
// spans, and messages are untouched since other views (forks) may still
// reference them.
func (s *Store) DeleteView(ctx context.Context, id ids.ViewID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.IO("turn.DeleteView", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM view_selections WHERE view_id = ?`, string(id)); err != nil {
		return storeerr.IO("turn.DeleteView", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE views SET state = 'deleted' WHERE id = ?`, string(id)); err != nil {
		return storeerr.IO("turn.DeleteView", err)
	}
	if err := tx.Commit(); err != nil {
		return storeerr.IO("turn.DeleteView", err)
	}

	L_debug("turn: view deleted", "id", id)
	return nil
}

// SelectSpan upserts the span selected for turnID in viewID. It fails if
// spanID does not belong to turnID, or if turnID's conversation differs
// from viewID's conversation.
func (s *Store) SelectSpan(ctx context.Context, viewID ids.ViewID, turnID ids.TurnID, spanID ids.SpanID) error {
	return selectSpan(ctx, s.db, viewID, turnID, spanID)
}

// selectSpan validates and writes entirely through q, so that when q is a
// transaction it also sees rows the same transaction inserted earlier
// (e.g. a view created moments before in the same fork).
func selectSpan(ctx context.Context, q dbtx, viewID ids.ViewID, turnID ids.TurnID, spanID ids.SpanID) error {
	view, err := getView(ctx, q, viewID)
	if err != nil {
		return err
	}
	t, err := getTurn(ctx, q, turnID)
	if err != nil {
		return err
	}
	if t.ConversationID != view.ConversationID {
		return storeerr.Validation("turn.SelectSpan", nil)
	}
	sp, err := getSpan(ctx, q, spanID)
	if err != nil {
		return err
	}
	if sp.TurnID != turnID {
		return storeerr.Validation("turn.SelectSpan", nil)
	}

	var nextOrdering int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordering), -1) + 1 FROM view_selections WHERE view_id = ?`, string(viewID)).Scan(&nextOrdering); err != nil {
		return storeerr.IO("turn.SelectSpan", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO view_selections (view_id, turn_id, span_id, ordering)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (view_id, turn_id) DO UPDATE SET span_id = excluded.span_id`,
		string(viewID), string(turnID), string(spanID), nextOrdering,
	)
	if err != nil {
		return storeerr.IO("turn.SelectSpan", err)
	}

	L_debug("turn: span selected", "view", viewID, "turn", turnID, "span", spanID)
	return nil
}

// GetSelectedSpan returns the span explicitly selected for turnID in
// viewID, or nil if no explicit selection exists.
func (s *Store) GetSelectedSpan(ctx context.Context, viewID ids.ViewID, turnID ids.TurnID) (*ids.SpanID, error) {
	var spanID string
	err := s.db.QueryRowContext(ctx, `SELECT span_id FROM view_selections WHERE view_id = ? AND turn_id = ?`, string(viewID), string(turnID)).Scan(&spanID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeerr.IO("turn.GetSelectedSpan", err)
	}
	id := ids.SpanID(spanID)
	return &id, nil
}

// resolveSpan returns the explicitly selected span for a turn, or applies
// the implicit default (earliest-created span) when no selection exists.
func (s *Store) resolveSpan(ctx context.Context, viewID ids.ViewID, turnID ids.TurnID) (*Span, error) {
	selected, err := s.GetSelectedSpan(ctx, viewID, turnID)
	if err != nil {
		return nil, err
	}
	if selected != nil {
		return s.GetSpan(ctx, *selected)
	}

	spans, err := s.GetSpans(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, storeerr.NotFound("turn.resolveSpan", nil)
	}
	return spans[0], nil
}

// SetRuntimeState upserts an opaque JSON value for (viewID, key). Unlike
// the session facade's in-memory resolved cache, this is durable across
// process restarts — the session uses it to remember per-view
// materialization preferences (e.g. the last formatter chosen).
func (s *Store) SetRuntimeState(ctx context.Context, viewID ids.ViewID, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO view_runtime_state (view_id, key, value_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (view_id, key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		string(viewID), key, string(value), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return storeerr.IO("turn.SetRuntimeState", err)
	}
	return nil
}

// GetRuntimeState retrieves the value stored under (viewID, key), or a
// NotFound error if no preference has been set yet.
func (s *Store) GetRuntimeState(ctx context.Context, viewID ids.ViewID, key string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM view_runtime_state WHERE view_id = ? AND key = ?`, string(viewID), key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("turn.GetRuntimeState", err)
	}
	if err != nil {
		return nil, storeerr.IO("turn.GetRuntimeState", err)
	}
	return json.RawMessage(raw), nil
}

// GetViewPath materializes the ordered [(Turn, Span, [Message])] sequence
// for viewID, applying the implicit earliest-span default for turns that
// no view has selected (§4.5.2, §8.3). Turns selected only by other views
// are left out.
func (s *Store) GetViewPath(ctx context.Context, viewID ids.ViewID) ([]PathEntry, error) {
	view, err := s.GetView(ctx, viewID)
	if err != nil {
		return nil, err
	}
	return s.getViewPathUpTo(ctx, viewID, view.ConversationID, nil)
}

// GetViewContextAt returns the path entries for turns strictly before
// upToTurnID's sequence number, the prior context an engine would see
// when inserting a new turn at upToTurnID.
func (s *Store) GetViewContextAt(ctx context.Context, viewID ids.ViewID, upToTurnID ids.TurnID) ([]PathEntry, error) {
	view, err := s.GetView(ctx, viewID)
	if err != nil {
		return nil, err
	}
	upTo, err := s.GetTurn(ctx, upToTurnID)
	if err != nil {
		return nil, err
	}
	return s.getViewPathUpTo(ctx, viewID, view.ConversationID, &upTo.SequenceNumber)
}

func (s *Store) getViewPathUpTo(ctx context.Context, viewID ids.ViewID, conversationID ids.ConversationID, beforeSeq *int) ([]PathEntry, error) {
	turns, err := s.GetTurns(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var out []PathEntry
	for _, t := range turns {
		if beforeSeq != nil && t.SequenceNumber >= *beforeSeq {
			break
		}
		// A turn this view has not selected but another view has belongs
		// to that view's branch (e.g. a turn committed in a fork), so it is
		// left out of this path.
		if sel, err := s.GetSelectedSpan(ctx, viewID, t.ID); err != nil {
			return nil, err
		} else if sel == nil {
			var others int
			if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM view_selections WHERE turn_id = ? AND view_id != ?`, string(t.ID), string(viewID)).Scan(&others); err != nil {
				return nil, storeerr.IO("turn.GetViewPath", err)
			}
			if others > 0 {
				continue
			}
		}
		sp, err := s.resolveSpan(ctx, viewID, t.ID)
		if err != nil {
			return nil, err
		}
		msgs, err := s.GetMessagesWithContent(ctx, sp.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, PathEntry{Turn: *t, Span: *sp, Messages: msgs})
	}
	return out, nil
}
