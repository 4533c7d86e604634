package asset

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/noema/ucm/internal/ids"
	"github.com/noema/ucm/internal/storage"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "asset_test_*.db")
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

func TestDetectMIME(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if mt := DetectMIME(png); mt != "image/png" {
		t.Fatalf("expected image/png, got %s", mt)
	}
}

func TestStoreThenGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := New(db)
	ctx := context.Background()

	id := ids.AssetID("deadbeef")
	res, err := store.Store(ctx, Meta{ID: id, MimeType: "image/png", SizeBytes: 4, Filename: "pic.png"})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if !res.IsNew {
		t.Fatalf("expected first store to report IsNew")
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.MimeType != "image/png" || got.Filename != "pic.png" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
}

func TestStoreIsIdempotentForSameDigest(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := New(db)
	ctx := context.Background()
	id := ids.AssetID("samedigest")

	if _, err := store.Store(ctx, Meta{ID: id, MimeType: "image/png", SizeBytes: 4}); err != nil {
		t.Fatalf("first store failed: %v", err)
	}
	res, err := store.Store(ctx, Meta{ID: id, MimeType: "image/png", SizeBytes: 4})
	if err != nil {
		t.Fatalf("second store failed: %v", err)
	}
	if res.IsNew {
		t.Fatalf("expected second store of same digest to report IsNew=false")
	}
}

func TestDeleteReportsRemoval(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := New(db)
	ctx := context.Background()
	id := ids.AssetID("todelete")

	if _, err := store.Store(ctx, Meta{ID: id, MimeType: "image/png", SizeBytes: 4}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	removed, err := store.Delete(ctx, id)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !removed {
		t.Fatalf("expected delete to report removal")
	}

	removedAgain, err := store.Delete(ctx, id)
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if removedAgain {
		t.Fatalf("expected second delete to report no removal")
	}
}
