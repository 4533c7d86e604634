package entity

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/noema/ucm/internal/storage"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "entity_test_*.db")
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

	return db, func() {
		db.Close()
		os.Remove(dbPath)
	}
}

func TestCreateAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := New(db)
	ctx := context.Background()

	created, err := store.Create(ctx, Entity{EntityType: TypeView, Name: "main"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "main" || got.EntityType != TypeView {
		t.Fatalf("unexpected entity: %+v", got)
	}
}

func TestSlugUniqueness(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := New(db)
	ctx := context.Background()

	if _, err := store.Create(ctx, Entity{EntityType: TypeDocument, Slug: "my-doc"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := store.Create(ctx, Entity{EntityType: TypeDocument, Slug: "my-doc"}); err == nil {
		t.Fatalf("expected slug collision to fail")
	}
}

func TestAddRelationAndQuery(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := New(db)
	ctx := context.Background()

	v1, err := store.Create(ctx, Entity{EntityType: TypeView})
	if err != nil {
		t.Fatalf("create v1 failed: %v", err)
	}
	v2, err := store.Create(ctx, Entity{EntityType: TypeView})
	if err != nil {
		t.Fatalf("create v2 failed: %v", err)
	}

	if err := store.AddRelation(ctx, v2.ID, v1.ID, RelationForkedFrom, map[string]string{"at_turn_id": "t0"}); err != nil {
		t.Fatalf("add relation failed: %v", err)
	}

	from, err := store.GetRelationsFrom(ctx, v2.ID, nil)
	if err != nil {
		t.Fatalf("get relations from failed: %v", err)
	}
	if len(from) != 1 || from[0].ToID != v1.ID {
		t.Fatalf("unexpected relations from: %+v", from)
	}

	to, err := store.GetRelationsTo(ctx, v1.ID, nil)
	if err != nil {
		t.Fatalf("get relations to failed: %v", err)
	}
	if len(to) != 1 || to[0].FromID != v2.ID {
		t.Fatalf("unexpected relations to: %+v", to)
	}
}

func TestDeleteCascadesRelationsNotTargets(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := New(db)
	ctx := context.Background()

	v1, err := store.Create(ctx, Entity{EntityType: TypeView})
	if err != nil {
		t.Fatalf("create v1 failed: %v", err)
	}
	v2, err := store.Create(ctx, Entity{EntityType: TypeView})
	if err != nil {
		t.Fatalf("create v2 failed: %v", err)
	}
	if err := store.AddRelation(ctx, v2.ID, v1.ID, RelationForkedFrom, nil); err != nil {
		t.Fatalf("add relation failed: %v", err)
	}

	if err := store.Delete(ctx, v2.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := store.Get(ctx, v1.ID); err != nil {
		t.Fatalf("expected ancestor entity to survive deletion of its descendant: %v", err)
	}

	remaining, err := store.GetRelationsTo(ctx, v1.ID, nil)
	if err != nil {
		t.Fatalf("get relations to failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected relation to be cascaded away, got %+v", remaining)
	}
}
