package turn

import (
	"context"

	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
)

// ForkView creates a new view under fromView's conversation, copies every
// selection of fromView for turns strictly before atTurnID's sequence
// number, and records a forked_from relation carrying the fork point
// (§4.5.3).
func (s *Store) ForkView(ctx context.Context, fromViewID ids.ViewID, atTurnID ids.TurnID, name string) (*View, error) {
	selections, err := s.selectionsBefore(ctx, fromViewID, atTurnID)
	if err != nil {
		return nil, err
	}
	return s.forkViewWithSelections(ctx, fromViewID, atTurnID, name, selections)
}

// ForkViewWithSelections is ForkView but the caller supplies the exact
// selections to copy, enabling "edit turn N, keep turn N+1" splicing.
func (s *Store) ForkViewWithSelections(ctx context.Context, fromViewID ids.ViewID, atTurnID ids.TurnID, name string, explicit map[ids.TurnID]ids.SpanID) (*View, error) {
	return s.forkViewWithSelections(ctx, fromViewID, atTurnID, name, explicit)
}

func (s *Store) selectionsBefore(ctx context.Context, fromViewID ids.ViewID, atTurnID ids.TurnID) (map[ids.TurnID]ids.SpanID, error) {
	from, err := s.GetView(ctx, fromViewID)
	if err != nil {
		return nil, err
	}
	at, err := s.GetTurn(ctx, atTurnID)
	if err != nil {
		return nil, err
	}
	turns, err := s.GetTurns(ctx, from.ConversationID)
	if err != nil {
		return nil, err
	}

	out := make(map[ids.TurnID]ids.SpanID)
	for _, t := range turns {
		if t.SequenceNumber >= at.SequenceNumber {
			continue
		}
		sp, err := s.resolveSpan(ctx, fromViewID, t.ID)
		if err != nil {
			return nil, err
		}
		out[t.ID] = sp.ID
	}
	return out, nil
}

func (s *Store) forkViewWithSelections(ctx context.Context, fromViewID ids.ViewID, atTurnID ids.TurnID, name string, selections map[ids.TurnID]ids.SpanID) (*View, error) {
	from, err := s.GetView(ctx, fromViewID)
	if err != nil {
		return nil, err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newView, err := s.forkViewWithSelectionsTx(ctx, tx, from.ConversationID, fromViewID, atTurnID, name, selections)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	L_info("turn: view forked", "from", fromViewID, "at_turn", atTurnID, "new", newView.ID)
	return newView, nil
}

// forkViewWithSelectionsTx is the atomic core of forkViewWithSelections:
// creating the view, copying every selection, and recording the
// forked_from relation all land in tx together, or none do.
func (s *Store) forkViewWithSelectionsTx(ctx context.Context, tx *Tx, conversationID ids.ConversationID, fromViewID ids.ViewID, atTurnID ids.TurnID, name string, selections map[ids.TurnID]ids.SpanID) (*View, error) {
	newView, err := tx.CreateView(ctx, conversationID, name, false)
	if err != nil {
		return nil, err
	}

	for turnID, spanID := range selections {
		if err := tx.SelectSpan(ctx, newView.ID, turnID, spanID); err != nil {
			return nil, err
		}
	}

	if err := tx.AddRelation(ctx, ids.EntityID(newView.ID), ids.EntityID(fromViewID), entity.RelationForkedFrom, ForkedFromMeta{AtTurnID: atTurnID}); err != nil {
		return nil, err
	}

	newView.ForkedFromViewID = fromViewID
	newView.ForkedAtTurnID = atTurnID
	return newView, nil
}

// EditTurn creates a new span at turnID populated with messages. When
// createFork is false the new span is selected in-place in viewID;
// otherwise viewID is forked at turnID and the new span is selected in
// the fork. Either way this is the one primitive behind regenerate,
// edit-user-message, and regenerate-with-different-model (§4.5.3).
func (s *Store) EditTurn(ctx context.Context, viewID ids.ViewID, turnID ids.TurnID, messages []EditMessage, modelID string, createFork bool, forkName string) (*Span, *View, error) {
	t, err := s.GetTurn(ctx, turnID)
	if err != nil {
		return nil, nil, err
	}

	// Selections for a fork must be read before the transaction opens:
	// they describe state prior to this edit, and forkViewWithSelectionsTx
	// only ever needs data that already existed.
	var preForkSelections map[ids.TurnID]ids.SpanID
	if createFork {
		preForkSelections, err = s.selectionsBefore(ctx, viewID, turnID)
		if err != nil {
			return nil, nil, err
		}
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	newSpan, err := tx.AddSpan(ctx, t.ID, modelID)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range messages {
		if _, err := tx.AddMessage(ctx, newSpan.ID, m.Role, m.Content); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.CompleteSpan(ctx, newSpan.ID); err != nil {
		return nil, nil, err
	}

	if !createFork {
		if err := tx.SelectSpan(ctx, viewID, turnID, newSpan.ID); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, err
		}
		L_info("turn: edited in place", "view", viewID, "turn", turnID, "span", newSpan.ID)
		return newSpan, nil, nil
	}

	forkedView, err := s.forkViewWithSelectionsTx(ctx, tx, t.ConversationID, viewID, turnID, forkName, preForkSelections)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.SelectSpan(ctx, forkedView.ID, turnID, newSpan.ID); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	L_info("turn: edited via fork", "from_view", viewID, "turn", turnID, "span", newSpan.ID, "new_view", forkedView.ID)
	return newSpan, forkedView, nil
}
