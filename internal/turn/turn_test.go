package turn

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/noema/ucm/internal/contentblock"
	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	"github.com/noema/ucm/internal/storage"
	"github.com/noema/ucm/internal/wire"
)

func setupTestStore(t *testing.T) (*Store, *contentblock.Store, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "turn_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		os.Remove(dbPath)
		t.Fatalf("failed to open database: %v", err)
	}
	if err := storage.InitSchema(db); err != nil {
		db.Close()
		os.Remove(dbPath)
		t.Fatalf("failed to init schema: %v", err)
	}

	entities := entity.New(db)
	cb := contentblock.New(db)
	return New(db, entities), cb, func() {
		db.Close()
		os.Remove(dbPath)
	}
}

func mustCreateConversation(t *testing.T, s *Store, ctx context.Context) ids.ConversationID {
	t.Helper()
	conversationID := ids.NewConversationID()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, is_private, created_at, updated_at)
		VALUES (?, NULL, 0, datetime('now'), datetime('now'))`, string(conversationID)); err != nil {
		t.Fatalf("create conversation failed: %v", err)
	}
	return conversationID
}

func textItem(t *testing.T, cb *contentblock.Store, ctx context.Context, text string) wire.Item {
	t.Helper()
	res, err := cb.Store(ctx, text, contentblock.Plain, contentblock.Origin{Kind: contentblock.OriginUser}, false)
	if err != nil {
		t.Fatalf("content block store failed: %v", err)
	}
	return wire.TextRef(res.ID)
}

// S1 — Regenerate response (§8.4).
func TestScenarioRegenerateResponse(t *testing.T) {
	s, cb, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	mainView, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}

	t0, err := s.AddTurn(ctx, conversationID, RoleUser)
	if err != nil {
		t.Fatalf("add t0 failed: %v", err)
	}
	s0, err := s.AddSpan(ctx, t0.ID, "")
	if err != nil {
		t.Fatalf("add s0 failed: %v", err)
	}
	if _, err := s.AddMessage(ctx, s0.ID, RoleUser, wire.Items{textItem(t, cb, ctx, "hi")}); err != nil {
		t.Fatalf("add m0 failed: %v", err)
	}
	if err := s.CompleteSpan(ctx, s0.ID); err != nil {
		t.Fatalf("complete s0 failed: %v", err)
	}
	if err := s.SelectSpan(ctx, mainView.ID, t0.ID, s0.ID); err != nil {
		t.Fatalf("select s0 failed: %v", err)
	}

	t1, err := s.AddTurn(ctx, conversationID, RoleAssistant)
	if err != nil {
		t.Fatalf("add t1 failed: %v", err)
	}
	s1, err := s.AddSpan(ctx, t1.ID, "claude")
	if err != nil {
		t.Fatalf("add s1 failed: %v", err)
	}
	if _, err := s.AddMessage(ctx, s1.ID, RoleAssistant, wire.Items{textItem(t, cb, ctx, "hello")}); err != nil {
		t.Fatalf("add m1 failed: %v", err)
	}
	if err := s.CompleteSpan(ctx, s1.ID); err != nil {
		t.Fatalf("complete s1 failed: %v", err)
	}
	if err := s.SelectSpan(ctx, mainView.ID, t1.ID, s1.ID); err != nil {
		t.Fatalf("select s1 failed: %v", err)
	}

	newSpan, newView, err := s.EditTurn(ctx, mainView.ID, t1.ID,
		[]EditMessage{{Role: RoleAssistant, Content: wire.Items{textItem(t, cb, ctx, "hi there")}}},
		"claude", false, "")
	if err != nil {
		t.Fatalf("edit turn failed: %v", err)
	}
	if newView != nil {
		t.Fatalf("expected in-place edit to produce no new view")
	}

	path, err := s.GetViewPath(ctx, mainView.ID)
	if err != nil {
		t.Fatalf("get view path failed: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("expected 2 path entries, got %d", len(path))
	}
	if got, err := textOf(ctx, cb, path[1].Messages[0].Content); err != nil || got != "hi there" {
		t.Fatalf("expected path[1] message to be %q, got %q (err=%v)", "hi there", got, err)
	}

	spans, err := s.GetSpans(ctx, t1.ID)
	if err != nil {
		t.Fatalf("get spans failed: %v", err)
	}
	if len(spans) != 2 || spans[0].ID != s1.ID || spans[1].ID != newSpan.ID {
		t.Fatalf("expected spans [s1, s2], got %+v", spans)
	}

	if err := s.SelectSpan(ctx, mainView.ID, t1.ID, s1.ID); err != nil {
		t.Fatalf("revert select failed: %v", err)
	}
	path, err = s.GetViewPath(ctx, mainView.ID)
	if err != nil {
		t.Fatalf("get view path failed: %v", err)
	}
	if got, err := textOf(ctx, cb, path[1].Messages[0].Content); err != nil || got != "hello" {
		t.Fatalf("expected reverted path[1] message to be %q, got %q (err=%v)", "hello", got, err)
	}
}

// S2 — Fork at turn 2 (§8.4); also exercises the fork_prefix round-trip
// law (§8.2).
func TestScenarioForkAtTurn(t *testing.T) {
	s, cb, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	mainView, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}

	var turns []*Turn
	roles := []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant, RoleUser}
	for i, role := range roles {
		turn, err := s.AddTurn(ctx, conversationID, role)
		if err != nil {
			t.Fatalf("add turn %d failed: %v", i, err)
		}
		sp, err := s.AddSpan(ctx, turn.ID, "")
		if err != nil {
			t.Fatalf("add span %d failed: %v", i, err)
		}
		if _, err := s.AddMessage(ctx, sp.ID, role, wire.Items{textItem(t, cb, ctx, "m")}); err != nil {
			t.Fatalf("add message %d failed: %v", i, err)
		}
		if err := s.CompleteSpan(ctx, sp.ID); err != nil {
			t.Fatalf("complete span %d failed: %v", i, err)
		}
		if err := s.SelectSpan(ctx, mainView.ID, turn.ID, sp.ID); err != nil {
			t.Fatalf("select span %d failed: %v", i, err)
		}
		turns = append(turns, turn)
	}

	forkView, err := s.ForkView(ctx, mainView.ID, turns[2].ID, "fork")
	if err != nil {
		t.Fatalf("fork view failed: %v", err)
	}

	forkPath, err := s.GetViewPath(ctx, forkView.ID)
	if err != nil {
		t.Fatalf("get fork path failed: %v", err)
	}
	if len(forkPath) != 2 {
		t.Fatalf("expected fork path to contain T0,T1 only, got %d entries", len(forkPath))
	}

	mainPath, err := s.GetViewPath(ctx, mainView.ID)
	if err != nil {
		t.Fatalf("get main path failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if forkPath[i].Span.ID != mainPath[i].Span.ID {
			t.Fatalf("fork_prefix violated at index %d: fork span %v != main span %v", i, forkPath[i].Span.ID, mainPath[i].Span.ID)
		}
	}

	diverge, err := s.AddTurn(ctx, conversationID, RoleUser)
	if err != nil {
		t.Fatalf("add diverging turn failed: %v", err)
	}
	divergeSpan, err := s.AddSpan(ctx, diverge.ID, "")
	if err != nil {
		t.Fatalf("add diverging span failed: %v", err)
	}
	if err := s.CompleteSpan(ctx, divergeSpan.ID); err != nil {
		t.Fatalf("complete diverging span failed: %v", err)
	}
	if err := s.SelectSpan(ctx, forkView.ID, diverge.ID, divergeSpan.ID); err != nil {
		t.Fatalf("select diverging span failed: %v", err)
	}

	mainPath, err = s.GetViewPath(ctx, mainView.ID)
	if err != nil {
		t.Fatalf("get main path after divergence failed: %v", err)
	}
	if len(mainPath) != 5 {
		t.Fatalf("expected main view untouched at 5 turns, got %d", len(mainPath))
	}

	rel, err := s.entities.GetRelationsFrom(ctx, ids.EntityID(forkView.ID), nil)
	if err != nil {
		t.Fatalf("get relations failed: %v", err)
	}
	if len(rel) != 1 || rel[0].Relation != entity.RelationForkedFrom {
		t.Fatalf("expected one forked_from relation, got %+v", rel)
	}
}

// S3 — Parallel responses (§8.4).
func TestScenarioParallelResponses(t *testing.T) {
	s, cb, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	mainView, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}

	t0, err := s.AddTurn(ctx, conversationID, RoleUser)
	if err != nil {
		t.Fatalf("add t0 failed: %v", err)
	}
	s0, err := s.AddSpan(ctx, t0.ID, "")
	if err != nil {
		t.Fatalf("add s0 failed: %v", err)
	}
	if _, err := s.AddMessage(ctx, s0.ID, RoleUser, wire.Items{textItem(t, cb, ctx, "go")}); err != nil {
		t.Fatalf("add m0 failed: %v", err)
	}
	if err := s.CompleteSpan(ctx, s0.ID); err != nil {
		t.Fatalf("complete s0 failed: %v", err)
	}
	if err := s.SelectSpan(ctx, mainView.ID, t0.ID, s0.ID); err != nil {
		t.Fatalf("select s0 failed: %v", err)
	}

	t1, err := s.AddTurn(ctx, conversationID, RoleAssistant)
	if err != nil {
		t.Fatalf("add t1 failed: %v", err)
	}
	spanA, err := s.AddSpan(ctx, t1.ID, "claude")
	if err != nil {
		t.Fatalf("add spanA failed: %v", err)
	}
	if _, err := s.AddMessage(ctx, spanA.ID, RoleAssistant, wire.Items{textItem(t, cb, ctx, "A")}); err != nil {
		t.Fatalf("add messageA failed: %v", err)
	}
	if err := s.CompleteSpan(ctx, spanA.ID); err != nil {
		t.Fatalf("complete spanA failed: %v", err)
	}

	spanB, err := s.AddSpan(ctx, t1.ID, "gpt-x")
	if err != nil {
		t.Fatalf("add spanB failed: %v", err)
	}
	if _, err := s.AddMessage(ctx, spanB.ID, RoleAssistant, wire.Items{textItem(t, cb, ctx, "B")}); err != nil {
		t.Fatalf("add messageB failed: %v", err)
	}
	if err := s.CompleteSpan(ctx, spanB.ID); err != nil {
		t.Fatalf("complete spanB failed: %v", err)
	}

	spans, err := s.GetSpans(ctx, t1.ID)
	if err != nil {
		t.Fatalf("get spans failed: %v", err)
	}
	if len(spans) != 2 || spans[0].ID != spanA.ID || spans[1].ID != spanB.ID {
		t.Fatalf("expected spans in creation order [A, B], got %+v", spans)
	}

	path, err := s.GetViewPath(ctx, mainView.ID)
	if err != nil {
		t.Fatalf("get view path failed: %v", err)
	}
	if got, err := textOf(ctx, cb, path[1].Messages[0].Content); err != nil || got != "A" {
		t.Fatalf("expected default selection to surface A, got %q (err=%v)", got, err)
	}

	if err := s.SelectSpan(ctx, mainView.ID, t1.ID, spanB.ID); err != nil {
		t.Fatalf("select spanB failed: %v", err)
	}
	path, err = s.GetViewPath(ctx, mainView.ID)
	if err != nil {
		t.Fatalf("get view path after select failed: %v", err)
	}
	if got, err := textOf(ctx, cb, path[1].Messages[0].Content); err != nil || got != "B" {
		t.Fatalf("expected selection to surface B, got %q (err=%v)", got, err)
	}
}

// select_is_observable round-trip law (§8.2).
func TestSelectIsObservable(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	view, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}
	turn, err := s.AddTurn(ctx, conversationID, RoleUser)
	if err != nil {
		t.Fatalf("add turn failed: %v", err)
	}
	span, err := s.AddSpan(ctx, turn.ID, "")
	if err != nil {
		t.Fatalf("add span failed: %v", err)
	}

	if err := s.SelectSpan(ctx, view.ID, turn.ID, span.ID); err != nil {
		t.Fatalf("select span failed: %v", err)
	}
	got, err := s.GetSelectedSpan(ctx, view.ID, turn.ID)
	if err != nil {
		t.Fatalf("get selected span failed: %v", err)
	}
	if got == nil || *got != span.ID {
		t.Fatalf("expected selected span %v, got %v", span.ID, got)
	}
}

// get_view_path on an empty selection set falls back to the earliest
// created span per turn (§8.3).
func TestImplicitSelectionDefault(t *testing.T) {
	s, cb, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	view, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}
	turn, err := s.AddTurn(ctx, conversationID, RoleUser)
	if err != nil {
		t.Fatalf("add turn failed: %v", err)
	}
	first, err := s.AddSpan(ctx, turn.ID, "")
	if err != nil {
		t.Fatalf("add first span failed: %v", err)
	}
	if _, err := s.AddMessage(ctx, first.ID, RoleUser, wire.Items{textItem(t, cb, ctx, "first")}); err != nil {
		t.Fatalf("add first message failed: %v", err)
	}
	if _, err := s.AddSpan(ctx, turn.ID, ""); err != nil {
		t.Fatalf("add second span failed: %v", err)
	}

	path, err := s.GetViewPath(ctx, view.ID)
	if err != nil {
		t.Fatalf("get view path failed: %v", err)
	}
	if len(path) != 1 || path[0].Span.ID != first.ID {
		t.Fatalf("expected implicit default to pick earliest span, got %+v", path)
	}
}

// Adding a turn at a sequence number that already exists fails with a
// constraint violation (§8.3).
func TestAddTurnSequenceConflict(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	if _, err := s.AddTurn(ctx, conversationID, RoleUser); err != nil {
		t.Fatalf("first add turn failed: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, sequence_number, created_at)
		VALUES (?, ?, ?, 0, datetime('now'))`, string(ids.NewTurnID()), string(conversationID), string(RoleUser)); err == nil {
		t.Fatalf("expected duplicate sequence_number insert to fail")
	}
}

// Selecting a span whose turn differs from the selection's turn fails
// with a validation error (§8.3).
func TestSelectSpanWrongTurnFails(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	view, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}
	t0, err := s.AddTurn(ctx, conversationID, RoleUser)
	if err != nil {
		t.Fatalf("add t0 failed: %v", err)
	}
	t1, err := s.AddTurn(ctx, conversationID, RoleAssistant)
	if err != nil {
		t.Fatalf("add t1 failed: %v", err)
	}
	spanAtT1, err := s.AddSpan(ctx, t1.ID, "")
	if err != nil {
		t.Fatalf("add span failed: %v", err)
	}

	if err := s.SelectSpan(ctx, view.ID, t0.ID, spanAtT1.ID); err == nil {
		t.Fatalf("expected select_span to fail for mismatched turn")
	}
}

// PruneIncompleteSpans removes an incomplete span with no referring
// selection but leaves a completed span, and an incomplete span some view
// still selects, alone.
func TestPruneIncompleteSpans(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	view, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}
	turn, err := s.AddTurn(ctx, conversationID, RoleAssistant)
	if err != nil {
		t.Fatalf("add turn failed: %v", err)
	}

	complete, err := s.AddSpan(ctx, turn.ID, "claude")
	if err != nil {
		t.Fatalf("add complete span failed: %v", err)
	}
	if err := s.CompleteSpan(ctx, complete.ID); err != nil {
		t.Fatalf("complete span failed: %v", err)
	}

	dangling, err := s.AddSpan(ctx, turn.ID, "claude")
	if err != nil {
		t.Fatalf("add dangling span failed: %v", err)
	}

	selected, err := s.AddSpan(ctx, turn.ID, "claude")
	if err != nil {
		t.Fatalf("add selected-but-incomplete span failed: %v", err)
	}
	if err := s.SelectSpan(ctx, view.ID, turn.ID, selected.ID); err != nil {
		t.Fatalf("select incomplete span failed: %v", err)
	}

	if err := s.PruneIncompleteSpans(ctx, turn.ID); err != nil {
		t.Fatalf("prune incomplete spans failed: %v", err)
	}

	spans, err := s.GetSpans(ctx, turn.ID)
	if err != nil {
		t.Fatalf("get spans failed: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans to survive pruning, got %d: %+v", len(spans), spans)
	}
	for _, sp := range spans {
		if sp.ID == dangling.ID {
			t.Fatalf("expected dangling incomplete span to be pruned")
		}
	}

	if _, err := s.GetSpan(ctx, complete.ID); err != nil {
		t.Fatalf("expected completed span to survive, got %v", err)
	}
	if _, err := s.GetSpan(ctx, selected.ID); err != nil {
		t.Fatalf("expected selected incomplete span to survive, got %v", err)
	}
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	conversationID := mustCreateConversation(t, s, ctx)
	view, err := s.CreateView(ctx, conversationID, "main", true)
	if err != nil {
		t.Fatalf("create view failed: %v", err)
	}

	if _, err := s.GetRuntimeState(ctx, view.ID, "formatter_preference"); err == nil {
		t.Fatalf("expected not-found before any value is set")
	}

	if err := s.SetRuntimeState(ctx, view.ID, "formatter_preference", []byte(`"markdown"`)); err != nil {
		t.Fatalf("set runtime state failed: %v", err)
	}
	got, err := s.GetRuntimeState(ctx, view.ID, "formatter_preference")
	if err != nil {
		t.Fatalf("get runtime state failed: %v", err)
	}
	if string(got) != `"markdown"` {
		t.Fatalf("expected %q, got %q", `"markdown"`, got)
	}

	if err := s.SetRuntimeState(ctx, view.ID, "formatter_preference", []byte(`"typst"`)); err != nil {
		t.Fatalf("overwrite runtime state failed: %v", err)
	}
	got, err = s.GetRuntimeState(ctx, view.ID, "formatter_preference")
	if err != nil {
		t.Fatalf("get runtime state after overwrite failed: %v", err)
	}
	if string(got) != `"typst"` {
		t.Fatalf("expected overwritten value %q, got %q", `"typst"`, got)
	}
}

func textOf(ctx context.Context, cb *contentblock.Store, items wire.Items) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	return cb.GetText(ctx, items[0].ContentID)
}
