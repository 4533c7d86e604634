package document

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
)

func setupTestStore(t *testing.T) (*Store, *contentblock.Store, *entity.Store, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "document_test_*.db")
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

	cb := contentblock.New(db)
	ents := entity.New(db)
	return New(db, cb, ents), cb, ents, func() {
		db.Close()
		os.Remove(dbPath)
	}
}

func mustStoreText(t *testing.T, cb *contentblock.Store, ctx context.Context, text string) ids.ContentBlockID {
	t.Helper()
	res, err := cb.Store(ctx, text, contentblock.Plain, contentblock.Origin{Kind: contentblock.OriginUser}, false)
	if err != nil {
		t.Fatalf("content block store failed: %v", err)
	}
	return res.ID
}

func TestCreateDocumentAndTab(t *testing.T) {
	s, cb, ents, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	userID := ids.UserID("user-1")
	e, err := ents.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: userID})
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}

	d, err := s.Create(ctx, e.ID, "My Doc", SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}

	contentID := mustStoreText(t, cb, ctx, "hello world")
	tab, rev, err := s.AddTabFromContent(ctx, d.ID, "", "main", contentID, ids.UserID(""))
	if err != nil {
		t.Fatalf("add tab failed: %v", err)
	}
	if tab.CurrentRevisionID != rev.ID {
		t.Fatalf("expected tab head to point at new revision")
	}
	if rev.RevisionNumber != 0 {
		t.Fatalf("expected first revision number 0, got %d", rev.RevisionNumber)
	}

	got, err := s.GetTab(ctx, tab.ID)
	if err != nil {
		t.Fatalf("get tab failed: %v", err)
	}
	if got.DocumentID != d.ID {
		t.Fatalf("expected tab to belong to document %s, got %s", d.ID, got.DocumentID)
	}
}

func TestCommitAdvancesHead(t *testing.T) {
	s, cb, ents, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	e, err := ents.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: ids.UserID("user-1")})
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}
	d, err := s.Create(ctx, e.ID, "Doc", SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	contentID := mustStoreText(t, cb, ctx, "v0")
	tab, rev0, err := s.AddTabFromContent(ctx, d.ID, "", "main", contentID, "")
	if err != nil {
		t.Fatalf("add tab failed: %v", err)
	}

	content1 := mustStoreText(t, cb, ctx, "v1")
	rev1, err := s.Commit(ctx, tab.ID, content1, "")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if rev1.ParentRevisionID != rev0.ID {
		t.Fatalf("expected parent %s, got %s", rev0.ID, rev1.ParentRevisionID)
	}
	if rev1.RevisionNumber != 1 {
		t.Fatalf("expected revision number 1, got %d", rev1.RevisionNumber)
	}

	got, err := s.GetTab(ctx, tab.ID)
	if err != nil {
		t.Fatalf("get tab failed: %v", err)
	}
	if got.CurrentRevisionID != rev1.ID {
		t.Fatalf("expected head to advance to %s, got %s", rev1.ID, got.CurrentRevisionID)
	}
}

func TestBranchDoesNotAdvanceHead(t *testing.T) {
	s, cb, ents, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	e, err := ents.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: ids.UserID("user-1")})
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}
	d, err := s.Create(ctx, e.ID, "Doc", SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	content0 := mustStoreText(t, cb, ctx, "v0")
	tab, rev0, err := s.AddTabFromContent(ctx, d.ID, "", "main", content0, "")
	if err != nil {
		t.Fatalf("add tab failed: %v", err)
	}

	contentB := mustStoreText(t, cb, ctx, "branch")
	branchRev, err := s.Branch(ctx, tab.ID, rev0.ID, contentB, "")
	if err != nil {
		t.Fatalf("branch failed: %v", err)
	}

	got, err := s.GetTab(ctx, tab.ID)
	if err != nil {
		t.Fatalf("get tab failed: %v", err)
	}
	if got.CurrentRevisionID != rev0.ID {
		t.Fatalf("expected head to stay at %s after branch, got %s", rev0.ID, got.CurrentRevisionID)
	}

	if err := s.Checkout(ctx, tab.ID, branchRev.ID); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	got, err = s.GetTab(ctx, tab.ID)
	if err != nil {
		t.Fatalf("get tab failed: %v", err)
	}
	if got.CurrentRevisionID != branchRev.ID {
		t.Fatalf("expected head at branch revision after checkout, got %s", got.CurrentRevisionID)
	}
}

func TestListByUser(t *testing.T) {
	s, _, ents, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	userID := ids.UserID("user-1")
	e, err := ents.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: userID})
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}
	other, err := ents.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: ids.UserID("user-2")})
	if err != nil {
		t.Fatalf("create other entity failed: %v", err)
	}

	mine, err := s.Create(ctx, e.ID, "Mine", SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	if _, err := s.Create(ctx, other.ID, "Theirs", SourceUserCreated, ""); err != nil {
		t.Fatalf("create other document failed: %v", err)
	}

	list, err := s.ListByUser(ctx, userID)
	if err != nil {
		t.Fatalf("list by user failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("expected only %s in list, got %v", mine.ID, list)
	}
}

func TestPromoteFromMessage(t *testing.T) {
	s, cb, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	userID := ids.UserID("user-1")
	contentID := mustStoreText(t, cb, ctx, "promoted body")
	messageID := ids.NewMessageID()

	doc, tab, rev, err := s.PromoteFromMessage(ctx, userID, "Title", messageID, contentID)
	if err != nil {
		t.Fatalf("promote from message failed: %v", err)
	}
	if doc.Source != SourcePromoted {
		t.Fatalf("expected source %q, got %q", SourcePromoted, doc.Source)
	}
	if doc.SourceID != string(messageID) {
		t.Fatalf("expected source id %s, got %s", messageID, doc.SourceID)
	}
	if rev.ContentID != contentID {
		t.Fatalf("expected head revision to reuse content %s, got %s", contentID, rev.ContentID)
	}
	if tab.CurrentRevisionID != rev.ID {
		t.Fatalf("expected tab head to point at promoted revision")
	}

	got, err := s.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if got.CurrentTabID != tab.ID {
		t.Fatalf("expected document's current tab to be the promoted tab, got %s", got.CurrentTabID)
	}

	found, err := s.FindBySource(ctx, SourcePromoted, string(messageID))
	if err != nil {
		t.Fatalf("find by source failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != doc.ID {
		t.Fatalf("expected to find promoted document by source, got %v", found)
	}
}

func TestAddTabMaterializesContent(t *testing.T) {
	s, _, ents, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	e, err := ents.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: ids.UserID("user-1")})
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}
	d, err := s.Create(ctx, e.ID, "Doc", SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}

	tab, rev, err := s.AddTab(ctx, d.ID, "", "main", "inline text", ids.UserID("user-1"))
	if err != nil {
		t.Fatalf("add tab failed: %v", err)
	}
	if tab.CurrentRevisionID != rev.ID {
		t.Fatalf("expected tab head to point at new revision")
	}
	if rev.ContentID == "" {
		t.Fatalf("expected add tab to materialize a content block")
	}
}

func TestBranchFromWrongTabRejected(t *testing.T) {
	s, cb, ents, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	e, err := ents.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: ids.UserID("user-1")})
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}
	d, err := s.Create(ctx, e.ID, "Doc", SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	content0 := mustStoreText(t, cb, ctx, "v0")
	tabA, revA, err := s.AddTabFromContent(ctx, d.ID, "", "a", content0, "")
	if err != nil {
		t.Fatalf("add tab a failed: %v", err)
	}
	content1 := mustStoreText(t, cb, ctx, "v1")
	tabB, _, err := s.AddTabFromContent(ctx, d.ID, "", "b", content1, "")
	if err != nil {
		t.Fatalf("add tab b failed: %v", err)
	}

	contentC := mustStoreText(t, cb, ctx, "c")
	if _, err := s.Branch(ctx, tabB.ID, revA.ID, contentC, ""); err == nil {
		t.Fatalf("expected error branching tab %s off revision from tab %s", tabB.ID, tabA.ID)
	}
}
