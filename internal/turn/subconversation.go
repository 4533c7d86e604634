package turn

import (
	"context"
	"time"

	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// SpawnSubconversation creates a new conversation with its own main view,
// seeds it with one turn per inheritedContext entry, and records a
// spawned_from relation from the child view to the parent view carrying
// the originating span (§4.5.4).
//
// The caller is responsible for any cross-view coordination with
// concurrent writes to parentSpanID's conversation; this call takes no
// lock on the parent.
func (s *Store) SpawnSubconversation(ctx context.Context, parentSpanID ids.SpanID, parentViewID ids.ViewID, inheritedContext []EditMessage) (*View, error) {
	parentSpan, err := s.GetSpan(ctx, parentSpanID)
	if err != nil {
		return nil, err
	}

	conversationID := ids.NewConversationID()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, is_private, created_at, updated_at)
		VALUES (?, NULL, 0, ?, ?)`,
		string(conversationID), now.Format(timeLayout), now.Format(timeLayout),
	); err != nil {
		return nil, storeerr.IO("turn.SpawnSubconversation", err)
	}

	mainView, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		return nil, err
	}

	for _, seed := range inheritedContext {
		t, err := s.AddTurn(ctx, conversationID, seed.Role)
		if err != nil {
			return nil, err
		}
		sp, err := s.AddSpan(ctx, t.ID, parentSpan.ModelID)
		if err != nil {
			return nil, err
		}
		if len(seed.Content) > 0 {
			if _, err := s.AddMessage(ctx, sp.ID, seed.Role, seed.Content); err != nil {
				return nil, err
			}
		}
		if err := s.CompleteSpan(ctx, sp.ID); err != nil {
			return nil, err
		}
		if err := s.SelectSpan(ctx, mainView.ID, t.ID, sp.ID); err != nil {
			return nil, err
		}
	}

	if err := s.entities.AddRelation(ctx, ids.EntityID(mainView.ID), ids.EntityID(parentViewID), entity.RelationSpawnedFrom, SpawnedFromMeta{ParentSpanID: parentSpanID}); err != nil {
		return nil, err
	}

	L_info("turn: subconversation spawned", "parent_span", parentSpanID, "parent_view", parentViewID, "child_conversation", conversationID, "child_view", mainView.ID)
	return mainView, nil
}
