// Package contentblock stores immutable text units. Content blocks are
// never deduplicated by hash: identical text from different origins
// produces distinct rows, and the hash column exists purely for integrity
// verification. Grounded on internal/session/sqlite_store.go's message-row
// CRUD shape (explicit struct fields, sql.NullString for optionals,
// QueryRowContext/Scan).
package contentblock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// ContentType names the dialect of a content block's text.
type ContentType string

const (
	Plain    ContentType = "plain"
	Markdown ContentType = "markdown"
	Typst    ContentType = "typst"
)

// OriginKind names who or what produced a content block.
type OriginKind string

const (
	OriginUser      OriginKind = "user"
	OriginAssistant OriginKind = "assistant"
	OriginSystem    OriginKind = "system"
	OriginImport    OriginKind = "import"
)

// Origin describes provenance of a content block.
type Origin struct {
	Kind     OriginKind
	UserID   ids.UserID
	ModelID  string
	SourceID string
	ParentID ids.ContentBlockID
}

// Block is a stored content block.
type Block struct {
	ID          ids.ContentBlockID
	Hash        string
	ContentType ContentType
	Text        string
	Origin      Origin
	IsPrivate   bool
	CreatedAt   time.Time
}

// StoreResult is returned by Store.
type StoreResult struct {
	ID    ids.ContentBlockID
	Hash  string
	IsNew bool
}

// Digest computes the integrity hash used for content block text.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Store persists content blocks against a shared database handle.
type Store struct {
	db *sql.DB
}

// New wraps db for content block storage.
func New(db *sql.DB) *Store { return &Store{db: db} }

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Store inserts a new content block, computing its digest. is_new is
// always true here: hash collision lookup is available via FindByHash but
// dedup is never performed automatically.
func (s *Store) Store(ctx context.Context, text string, contentType ContentType, origin Origin, isPrivate bool) (*StoreResult, error) {
	id := ids.NewContentBlockID()
	hash := Digest(text)
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_blocks
			(id, hash, content_type, text, origin_kind, origin_user_id, origin_model_id, origin_source_id, origin_parent_id, is_private, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), hash, string(contentType), text,
		string(origin.Kind), nullStr(string(origin.UserID)), nullStr(origin.ModelID),
		nullStr(origin.SourceID), nullStr(string(origin.ParentID)),
		isPrivate, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, storeerr.IO("contentblock.Store", err)
	}

	L_debug("contentblock: stored", "id", id, "hash", hash, "private", isPrivate)
	return &StoreResult{ID: id, Hash: hash, IsNew: true}, nil
}

func scanBlock(row interface {
	Scan(dest ...interface{}) error
}) (*Block, error) {
	var (
		b                                               Block
		contentType, originKind                         string
		originUserID, originModelID, originSrc, originPar sql.NullString
		createdAt                                       string
		isPrivate                                       bool
	)
	if err := row.Scan(
		&b.ID, &b.Hash, &contentType, &b.Text,
		&originKind, &originUserID, &originModelID, &originSrc, &originPar,
		&isPrivate, &createdAt,
	); err != nil {
		return nil, err
	}

	b.ContentType = ContentType(contentType)
	b.Origin = Origin{
		Kind:     OriginKind(originKind),
		UserID:   ids.UserID(originUserID.String),
		ModelID:  originModelID.String,
		SourceID: originSrc.String,
		ParentID: ids.ContentBlockID(originPar.String),
	}
	b.IsPrivate = isPrivate
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		b.CreatedAt = t
	}
	return &b, nil
}

// Get retrieves a content block by id, or storeerr.ErrNotFound.
func (s *Store) Get(ctx context.Context, id ids.ContentBlockID) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, content_type, text, origin_kind, origin_user_id, origin_model_id, origin_source_id, origin_parent_id, is_private, created_at
		FROM content_blocks WHERE id = ?`, string(id))

	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("contentblock.Get", err)
	}
	if err != nil {
		return nil, storeerr.IO("contentblock.Get", err)
	}
	return b, nil
}

// GetText retrieves only the text of a content block.
func (s *Store) GetText(ctx context.Context, id ids.ContentBlockID) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM content_blocks WHERE id = ?`, string(id)).Scan(&text)
	if err == sql.ErrNoRows {
		return "", storeerr.NotFound("contentblock.GetText", err)
	}
	if err != nil {
		return "", storeerr.IO("contentblock.GetText", err)
	}
	return text, nil
}

// Exists reports whether id names a stored content block.
func (s *Store) Exists(ctx context.Context, id ids.ContentBlockID) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM content_blocks WHERE id = ?`, string(id)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeerr.IO("contentblock.Exists", err)
	}
	return true, nil
}

// FindByHash returns every content block whose hash matches, which may be
// more than one since blocks are not deduplicated.
func (s *Store) FindByHash(ctx context.Context, hash string) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, content_type, text, origin_kind, origin_user_id, origin_model_id, origin_source_id, origin_parent_id, is_private, created_at
		FROM content_blocks WHERE hash = ?`, hash)
	if err != nil {
		return nil, storeerr.IO("contentblock.FindByHash", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, storeerr.IO("contentblock.FindByHash", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
