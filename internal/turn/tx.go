package turn

import (
	"context"
	"database/sql"

	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	"github.com/noema/ucm/internal/storeerr"
	"github.com/noema/ucm/internal/wire"
)

// Tx threads a single database transaction through a sequence of
// otherwise-independent turn-store writes, so fork, edit_turn, and a
// session's commit sequence are atomic: either every row lands or none
// does (§4.5.7, §5).
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// BeginTx opens a transaction for a multi-row write sequence. Callers
// must Commit or Rollback it.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeerr.IO("turn.BeginTx", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

// Commit commits the underlying transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return storeerr.IO("turn.Tx.Commit", err)
	}
	return nil
}

// Rollback aborts the underlying transaction. Calling it after a
// successful Commit is a harmless no-op, matching database/sql.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// AddTurn is Store.AddTurn run inside the transaction.
func (t *Tx) AddTurn(ctx context.Context, conversationID ids.ConversationID, role Role) (*Turn, error) {
	lock := t.s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return addTurn(ctx, t.tx, conversationID, role)
}

// AddSpan is Store.AddSpan run inside the transaction.
func (t *Tx) AddSpan(ctx context.Context, turnID ids.TurnID, modelID string) (*Span, error) {
	return addSpan(ctx, t.tx, turnID, modelID)
}

// AddMessage is Store.AddMessage run inside the transaction.
func (t *Tx) AddMessage(ctx context.Context, spanID ids.SpanID, role Role, content wire.Items) (*Message, error) {
	return addMessage(ctx, t.tx, spanID, role, content)
}

// CompleteSpan is Store.CompleteSpan run inside the transaction.
func (t *Tx) CompleteSpan(ctx context.Context, spanID ids.SpanID) error {
	return completeSpan(ctx, t.tx, spanID)
}

// SelectSpan is Store.SelectSpan run inside the transaction.
func (t *Tx) SelectSpan(ctx context.Context, viewID ids.ViewID, turnID ids.TurnID, spanID ids.SpanID) error {
	return selectSpan(ctx, t.tx, viewID, turnID, spanID)
}

// CreateView is Store.CreateView run inside the transaction; the backing
// entity is created against the same transaction via entity.Store.CreateTx.
func (t *Tx) CreateView(ctx context.Context, conversationID ids.ConversationID, name string, isMain bool) (*View, error) {
	ent, err := t.s.entities.CreateTx(ctx, t.tx, entity.Entity{EntityType: entity.TypeView, Name: name})
	if err != nil {
		return nil, err
	}
	return createView(ctx, t.tx, ent.ID, conversationID, isMain)
}

// AddRelation is entity.Store.AddRelation run inside the transaction.
func (t *Tx) AddRelation(ctx context.Context, from, to ids.EntityID, relation entity.Relation, metadata interface{}) error {
	return t.s.entities.AddRelationTx(ctx, t.tx, from, to, relation, metadata)
}
