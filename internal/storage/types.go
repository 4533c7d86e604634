package storage

import (
	"database/sql"
	"fmt"

	"github.com/noema/ucm/internal/asset"
	"github.com/noema/ucm/internal/blobstore"
	"github.com/noema/ucm/internal/contentblock"
	"github.com/noema/ucm/internal/conversation"
	"github.com/noema/ucm/internal/coordinator"
	"github.com/noema/ucm/internal/document"
	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/reference"
	"github.com/noema/ucm/internal/temporal"
	"github.com/noema/ucm/internal/turn"
)

// Types is the full set of stores a UCM deployment wires together, the
// generalized equivalent of the teacher's Gateway struct (internal/gateway/gateway.go)
// composing its session manager, registries, and managers into one value
// every command and request handler is handed.
type Types struct {
	DB *sql.DB

	Blobs         *blobstore.Store
	ContentBlocks *contentblock.Store
	Assets        *asset.Store
	Entities      *entity.Store
	Turns         *turn.Store
	Conversations *conversation.Store
	Documents     *document.Store
	References    *reference.Store
	Temporal      *temporal.Index
	Coordinator   *coordinator.Coordinator
}

// OpenTypes wires every store over a single SQLite connection (opened via
// Open) and a blob store rooted at blobDir.
func OpenTypes(cfg Config, blobDir string) (*Types, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return WireTypes(db, blobDir)
}

// WireTypes builds a Types bundle over an already-open database, used by
// tests that need direct access to db alongside the wired stores.
func WireTypes(db *sql.DB, blobDir string) (*Types, error) {
	blobs, err := blobstore.New(blobDir)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	assets := asset.New(db)
	entities := entity.New(db)
	contentBlocks := contentblock.New(db)
	t := &Types{
		DB:            db,
		Blobs:         blobs,
		ContentBlocks: contentBlocks,
		Assets:        assets,
		Entities:      entities,
		Turns:         turn.New(db, entities),
		Conversations: conversation.New(db),
		Documents:     document.New(db, contentBlocks, entities),
		References:    reference.New(db),
		Temporal:      temporal.New(db),
	}
	t.Coordinator = coordinator.New(blobs, assets)
	return t, nil
}

// Close releases the database handle. The blob store has no handle to
// release; it is just a directory.
func (t *Types) Close() error {
	return t.DB.Close()
}
