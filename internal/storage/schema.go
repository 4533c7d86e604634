// Package storage composes the single SQLite schema shared by every UCM
// store and opens the database connection the stores are handed. The
// migration shape is adapted from internal/memorygraph/schema.go's
// declarative Migration{Version,Up} slice, chosen over
// internal/session/sqlite_store.go's per-function migrateVN style because
// it scales better across the seventeen tables (plus schema_version) this
// schema owns.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/noema/ucm/internal/logging"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Up      string
}

const schemaVersion = 1

var migrations = []Migration{
	{
		Version: 1,
		Up: `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    user_id TEXT,
    name TEXT,
    slug TEXT,
    is_private INTEGER NOT NULL DEFAULT 0,
    is_archived INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type_user ON entities(entity_type, user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_slug ON entities(slug) WHERE slug IS NOT NULL;

CREATE TABLE IF NOT EXISTS entity_relations (
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    relation TEXT NOT NULL,
    metadata TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (from_id, to_id, relation),
    FOREIGN KEY (from_id) REFERENCES entities(id) ON DELETE CASCADE,
    FOREIGN KEY (to_id) REFERENCES entities(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_relations_to ON entity_relations(to_id, relation);

CREATE TABLE IF NOT EXISTS content_blocks (
    id TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    content_type TEXT NOT NULL,
    text TEXT NOT NULL,
    origin_kind TEXT NOT NULL,
    origin_user_id TEXT,
    origin_model_id TEXT,
    origin_source_id TEXT,
    origin_parent_id TEXT,
    is_private INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_content_blocks_hash ON content_blocks(hash);
CREATE INDEX IF NOT EXISTS idx_content_blocks_origin_kind ON content_blocks(origin_kind);
CREATE INDEX IF NOT EXISTS idx_content_blocks_private ON content_blocks(is_private);
CREATE INDEX IF NOT EXISTS idx_content_blocks_created ON content_blocks(created_at);

CREATE TABLE IF NOT EXISTS assets (
    id TEXT PRIMARY KEY,
    mime_type TEXT NOT NULL,
    filename TEXT,
    size_bytes INTEGER NOT NULL,
    is_private INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT,
    title TEXT,
    is_private INTEGER NOT NULL DEFAULT 0,
    is_archived INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

CREATE TABLE IF NOT EXISTS turns (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_conv_seq ON turns(conversation_id, sequence_number);

CREATE TABLE IF NOT EXISTS spans (
    id TEXT PRIMARY KEY,
    turn_id TEXT NOT NULL,
    model_id TEXT,
    is_complete INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_spans_turn ON spans(turn_id);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    span_id TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    role TEXT NOT NULL,
    content_id TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (span_id) REFERENCES spans(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_span_seq ON messages(span_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

CREATE TABLE IF NOT EXISTS message_content (
    message_id TEXT NOT NULL,
    item_index INTEGER NOT NULL,
    item_json TEXT NOT NULL,
    PRIMARY KEY (message_id, item_index),
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS views (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    is_main INTEGER NOT NULL DEFAULT 0,
    forked_from_view_id TEXT,
    forked_at_turn_id TEXT,
    state TEXT NOT NULL DEFAULT 'active',
    created_at TEXT NOT NULL,
    FOREIGN KEY (id) REFERENCES entities(id) ON DELETE CASCADE,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_views_conversation ON views(conversation_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_views_one_main ON views(conversation_id) WHERE is_main = 1;

CREATE TABLE IF NOT EXISTS view_selections (
    view_id TEXT NOT NULL,
    turn_id TEXT NOT NULL,
    span_id TEXT NOT NULL,
    ordering INTEGER NOT NULL,
    PRIMARY KEY (view_id, turn_id),
    FOREIGN KEY (view_id) REFERENCES views(id) ON DELETE CASCADE,
    FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE,
    FOREIGN KEY (span_id) REFERENCES spans(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS view_runtime_state (
    view_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value_json TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (view_id, key),
    FOREIGN KEY (view_id) REFERENCES views(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    entity_id TEXT,
    title TEXT NOT NULL,
    source TEXT NOT NULL,
    source_id TEXT,
    current_tab_id TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_tabs (
    id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    parent_tab_id TEXT,
    tab_index INTEGER NOT NULL,
    title TEXT NOT NULL,
    current_revision_id TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tabs_document ON document_tabs(document_id);

CREATE TABLE IF NOT EXISTS revisions (
    id TEXT PRIMARY KEY,
    tab_id TEXT NOT NULL,
    parent_revision_id TEXT,
    revision_number INTEGER NOT NULL,
    content_id TEXT NOT NULL,
    created_by TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (tab_id) REFERENCES document_tabs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_revisions_tab ON revisions(tab_id);
CREATE INDEX IF NOT EXISTS idx_revisions_created ON revisions(created_at);

CREATE TABLE IF NOT EXISTS refs (
    id TEXT PRIMARY KEY,
    from_type TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_type TEXT NOT NULL,
    to_id TEXT NOT NULL,
    relation TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refs_from ON refs(from_type, from_id);
CREATE INDEX IF NOT EXISTS idx_refs_to ON refs(to_type, to_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_refs_unique ON refs(from_type, from_id, to_type, to_id, relation);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// InitSchema applies any pending migrations to db.
func InitSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&current)
	if err != nil {
		current = 0
	}

	for _, m := range migrations {
		if m.Version > current {
			L_info("storage: applying migration", "version", m.Version)
			if _, err := db.Exec(m.Up); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.Version, err)
			}
			current = m.Version
		}
	}

	L_info("storage: schema initialized", "version", current)
	return nil
}

// Config configures the relational store.
type Config struct {
	// Path is the SQLite database file path, e.g. <data_dir>/database/noema.db
	Path        string
	WALMode     bool
	BusyTimeout int
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// applies PRAGMAs, and runs pending migrations.
func Open(cfg Config) (*sql.DB, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.WALMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			L_warn("storage: failed to enable WAL mode", "error", err)
		}
	}

	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeout)); err != nil {
		L_warn("storage: failed to set busy_timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		L_warn("storage: failed to enable foreign keys", "error", err)
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	L_info("storage: database opened", "path", cfg.Path)
	return db, nil
}

// DefaultConfig returns a Config rooted at dataDir, matching the
// persistence layout <data_dir>/database/noema.db.
func DefaultConfig(dataDir string) Config {
	return Config{
		Path:        filepath.Join(dataDir, "database", "noema.db"),
		WALMode:     true,
		BusyTimeout: 5000,
	}
}
