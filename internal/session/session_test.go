package session

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/noema/ucm/internal/blobstore"
	"github.com/noema/ucm/internal/asset"
	"github.com/noema/ucm/internal/contentblock"
	"github.com/noema/ucm/internal/conversation"
	"github.com/noema/ucm/internal/coordinator"
	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	"github.com/noema/ucm/internal/storage"
	"github.com/noema/ucm/internal/turn"
	"github.com/noema/ucm/internal/wire"
)

func setupDeps(t *testing.T) (*Deps, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "session_test_*.db")
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

	blobDir, err := os.MkdirTemp("", "session_blobs_*")
	if err != nil {
		db.Close()
		os.Remove(dbPath)
		t.Fatalf("failed to create blob dir: %v", err)
	}
	blobs, err := blobstore.New(blobDir)
	if err != nil {
		t.Fatalf("failed to open blob store: %v", err)
	}
	assets := asset.New(db)
	entities := entity.New(db)

	deps := &Deps{
		Turns:         turn.New(db, entities),
		ContentBlocks: contentblock.New(db),
		Conversations: conversation.New(db),
		Coordinator:   coordinator.New(blobs, assets),
	}

	return deps, func() {
		db.Close()
		os.Remove(dbPath)
		os.RemoveAll(blobDir)
	}
}

func TestCreateAndCommit(t *testing.T) {
	deps, cleanup := setupDeps(t)
	defer cleanup()
	ctx := context.Background()

	s, err := Create(ctx, deps, ids.UserID("user-1"))
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	err = s.Commit(ctx, []ChatMessage{
		{Role: turn.RoleUser, Content: wire.Items{wire.Text("hello", false)}},
		{Role: turn.RoleAssistant, Content: wire.Items{wire.Text("hi there", false)}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	msgs, err := s.MessagesForDisplay(ctx)
	if err != nil {
		t.Fatalf("messages for display failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 resolved messages, got %d", len(msgs))
	}
	if msgs[0].Items[0].ResolvedText != "hello" {
		t.Fatalf("expected first message text 'hello', got %q", msgs[0].Items[0].ResolvedText)
	}
	if msgs[1].Role != turn.RoleAssistant {
		t.Fatalf("expected second message role assistant, got %s", msgs[1].Role)
	}
}

func TestCommitGroupsConsecutiveRoles(t *testing.T) {
	deps, cleanup := setupDeps(t)
	defer cleanup()
	ctx := context.Background()

	s, err := Create(ctx, deps, ids.UserID("user-1"))
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	err = s.Commit(ctx, []ChatMessage{
		{Role: turn.RoleUser, Content: wire.Items{wire.Text("a", false)}},
		{Role: turn.RoleUser, Content: wire.Items{wire.Text("b", false)}},
		{Role: turn.RoleAssistant, Content: wire.Items{wire.Text("c", false)}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	path, err := deps.Turns.GetViewPath(ctx, s.ViewID())
	if err != nil {
		t.Fatalf("get view path failed: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("expected 2 turns (user, assistant), got %d", len(path))
	}
	if len(path[0].Messages) != 2 {
		t.Fatalf("expected first turn to have 2 messages sharing a span, got %d", len(path[0].Messages))
	}
}

func TestMessagesForLLMElidesPrivateContent(t *testing.T) {
	deps, cleanup := setupDeps(t)
	defer cleanup()
	ctx := context.Background()

	s, err := Create(ctx, deps, ids.UserID("user-1"))
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	err = s.Commit(ctx, []ChatMessage{
		{Role: turn.RoleUser, Content: wire.Items{wire.Text("secret", true)}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	out, err := s.MessagesForLLM(ctx, nil, LLMOptions{IsLocal: false})
	if err != nil {
		t.Fatalf("messages for llm failed: %v", err)
	}
	if len(out) != 1 || len(out[0].Content) != 0 {
		t.Fatalf("expected private content to be elided for a non-local target, got %+v", out)
	}

	strictOut, err := s.MessagesForLLM(ctx, nil, LLMOptions{IsLocal: false, Strict: true})
	if err == nil {
		t.Fatalf("expected strict mode to error on a private-content leak, got %+v", strictOut)
	}

	local, err := s.MessagesForLLM(ctx, nil, LLMOptions{IsLocal: true})
	if err != nil {
		t.Fatalf("messages for llm (local) failed: %v", err)
	}
	if len(local) != 1 || len(local[0].Content) != 1 {
		t.Fatalf("expected private content to be included for a local target, got %+v", local)
	}
}

func TestForkCreatesIndependentView(t *testing.T) {
	deps, cleanup := setupDeps(t)
	defer cleanup()
	ctx := context.Background()

	s, err := Create(ctx, deps, ids.UserID("user-1"))
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if err := s.Commit(ctx, []ChatMessage{
		{Role: turn.RoleUser, Content: wire.Items{wire.Text("hi", false)}},
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	path, err := deps.Turns.GetViewPath(ctx, s.ViewID())
	if err != nil {
		t.Fatalf("get view path failed: %v", err)
	}
	forkedViewID, err := s.Fork(ctx, path[0].Turn.ID)
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	if forkedViewID == s.ViewID() {
		t.Fatalf("expected a distinct view id from fork")
	}

	forked, err := Open(ctx, deps, s.ConversationID(), forkedViewID)
	if err != nil {
		t.Fatalf("open forked session failed: %v", err)
	}
	if err := forked.Commit(ctx, []ChatMessage{
		{Role: turn.RoleAssistant, Content: wire.Items{wire.Text("forked reply", false)}},
	}); err != nil {
		t.Fatalf("commit on forked session failed: %v", err)
	}

	orig, err := s.MessagesForDisplay(ctx)
	if err != nil {
		t.Fatalf("messages for display (original) failed: %v", err)
	}
	if len(orig) != 1 {
		t.Fatalf("expected original session to remain untouched by the fork, got %d messages", len(orig))
	}
}
