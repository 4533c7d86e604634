// Package asset stores binary metadata keyed to the digest of the bytes
// a blob store holds for it. The mirrors internal/contentblock's CRUD
// shape; MIME detection falls back to gabriel-vasile/mimetype when a
// caller doesn't supply a type, the same sniffing call goclaw's
// internal/media.DetectMIME wraps.
package asset

import (
	"context"
	"database/sql"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// Meta describes an asset's metadata. ID equals the digest of its bytes,
// computed by the caller from the blob store (§4.3).
type Meta struct {
	ID        ids.AssetID
	MimeType  string
	Filename  string
	SizeBytes int64
	IsPrivate bool
	CreatedAt time.Time
}

// StoreResult is returned by Store.
type StoreResult struct {
	ID    ids.AssetID
	IsNew bool
}

// DetectMIME sniffs a MIME type from magic bytes, used when a committer
// omits one (§4.9 step 1c).
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// Store persists asset metadata against a shared database handle.
type Store struct {
	db *sql.DB
}

// New wraps db for asset storage.
func New(db *sql.DB) *Store { return &Store{db: db} }

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Store inserts asset metadata, or reports IsNew=false if an asset with
// this id (digest) is already recorded — distinct digests never collide,
// but the same bytes committed twice should not duplicate metadata rows.
func (s *Store) Store(ctx context.Context, meta Meta) (*StoreResult, error) {
	exists, err := s.Exists(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return &StoreResult{ID: meta.ID, IsNew: false}, nil
	}

	now := meta.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (id, mime_type, filename, size_bytes, is_private, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(meta.ID), meta.MimeType, nullStr(meta.Filename), meta.SizeBytes, meta.IsPrivate, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, storeerr.IO("asset.Store", err)
	}

	L_debug("asset: stored", "id", meta.ID, "mime", meta.MimeType, "size", meta.SizeBytes)
	return &StoreResult{ID: meta.ID, IsNew: true}, nil
}

// Get retrieves asset metadata by id.
func (s *Store) Get(ctx context.Context, id ids.AssetID) (*Meta, error) {
	var (
		m        Meta
		filename sql.NullString
		created  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mime_type, filename, size_bytes, is_private, created_at
		FROM assets WHERE id = ?`, string(id),
	).Scan(&m.ID, &m.MimeType, &filename, &m.SizeBytes, &m.IsPrivate, &created)

	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("asset.Get", err)
	}
	if err != nil {
		return nil, storeerr.IO("asset.Get", err)
	}
	m.Filename = filename.String
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		m.CreatedAt = t
	}
	return &m, nil
}

// Exists reports whether id names stored asset metadata.
func (s *Store) Exists(ctx context.Context, id ids.AssetID) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM assets WHERE id = ?`, string(id)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeerr.IO("asset.Exists", err)
	}
	return true, nil
}

// Delete removes asset metadata, reporting whether a row was removed. It
// does not touch the underlying blob.
func (s *Store) Delete(ctx context.Context, id ids.AssetID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, string(id))
	if err != nil {
		return false, storeerr.IO("asset.Delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeerr.IO("asset.Delete", err)
	}
	return n > 0, nil
}
