// Package entity is the identity layer: entities of type view/document/
// asset plus typed relations between them. Grounded on
// internal/memorygraph/store.go's associations table (directed edges with
// relation type and cascading delete), generalized to the five-relation
// vocabulary the spec names and given upsert semantics on the relation
// primary key.
package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// Type names the kind of entity a row represents.
type Type string

const (
	TypeView     Type = "view"
	TypeDocument Type = "document"
	TypeAsset    Type = "asset"
)

// Relation names one of the recognized entity-relation kinds.
type Relation string

const (
	RelationForkedFrom  Relation = "forked_from"
	RelationSpawnedFrom Relation = "spawned_from"
	RelationDerivedFrom Relation = "derived_from"
	RelationReferences  Relation = "references"
	RelationGroupedWith Relation = "grouped_with"
)

// Entity is a row in the identity layer.
type Entity struct {
	ID         ids.EntityID
	EntityType Type
	UserID     ids.UserID
	Name       string
	Slug       string
	IsPrivate  bool
	IsArchived bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RelationRow is one directed, typed edge between two entities.
type RelationRow struct {
	FromID    ids.EntityID
	ToID      ids.EntityID
	Relation  Relation
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// Store persists entities and their relations against a shared database
// handle.
type Store struct {
	db *sql.DB
}

// New wraps db for entity storage.
func New(db *sql.DB) *Store { return &Store{db: db} }

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting the core writers
// below run either standalone or as part of a caller-owned transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Create inserts a new entity, minting a fresh id.
func (s *Store) Create(ctx context.Context, e Entity) (*Entity, error) {
	return create(ctx, s.db, e)
}

// CreateTx is Create run against a caller-owned transaction, so entity
// creation can participate in a larger atomic write (e.g. turn.Store's
// fork/edit operations).
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, e Entity) (*Entity, error) {
	return create(ctx, tx, e)
}

func create(ctx context.Context, q dbtx, e Entity) (*Entity, error) {
	if e.ID == "" {
		e.ID = ids.NewEntityID()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	_, err := q.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, user_id, name, slug, is_private, is_archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.EntityType), nullStr(string(e.UserID)), nullStr(e.Name), nullStr(e.Slug),
		e.IsPrivate, e.IsArchived, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storeerr.ConstraintViolation("entity.Create", err)
		}
		return nil, storeerr.IO("entity.Create", err)
	}

	L_debug("entity: created", "id", e.ID, "type", e.EntityType)
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func scanEntity(row interface{ Scan(dest ...interface{}) error }) (*Entity, error) {
	var (
		e                  Entity
		entityType         string
		userID, name, slug sql.NullString
		createdAt, updated string
	)
	if err := row.Scan(&e.ID, &entityType, &userID, &name, &slug, &e.IsPrivate, &e.IsArchived, &createdAt, &updated); err != nil {
		return nil, err
	}
	e.EntityType = Type(entityType)
	e.UserID = ids.UserID(userID.String)
	e.Name = name.String
	e.Slug = slug.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}

// Get retrieves an entity by id.
func (s *Store) Get(ctx context.Context, id ids.EntityID) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, user_id, name, slug, is_private, is_archived, created_at, updated_at
		FROM entities WHERE id = ?`, string(id))
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("entity.Get", err)
	}
	if err != nil {
		return nil, storeerr.IO("entity.Get", err)
	}
	return e, nil
}

// GetBySlug retrieves an entity by its unique slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, user_id, name, slug, is_private, is_archived, created_at, updated_at
		FROM entities WHERE slug = ?`, slug)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("entity.GetBySlug", err)
	}
	if err != nil {
		return nil, storeerr.IO("entity.GetBySlug", err)
	}
	return e, nil
}

// Archive marks an entity archived (soft-hide from default listings).
func (s *Store) Archive(ctx context.Context, id ids.EntityID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entities SET is_archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), string(id))
	if err != nil {
		return storeerr.IO("entity.Archive", err)
	}
	return nil
}

// Delete removes an entity. Relations naming it cascade via foreign key;
// related entities are left untouched (forks survive deletion of their
// ancestor view).
func (s *Store) Delete(ctx context.Context, id ids.EntityID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, string(id))
	if err != nil {
		return storeerr.IO("entity.Delete", err)
	}
	L_debug("entity: deleted", "id", id)
	return nil
}

// AddRelation upserts a (from, to, relation) edge, replacing metadata if
// the triple already exists.
func (s *Store) AddRelation(ctx context.Context, from, to ids.EntityID, relation Relation, metadata interface{}) error {
	return addRelation(ctx, s.db, from, to, relation, metadata)
}

// AddRelationTx is AddRelation run against a caller-owned transaction.
func (s *Store) AddRelationTx(ctx context.Context, tx *sql.Tx, from, to ids.EntityID, relation Relation, metadata interface{}) error {
	return addRelation(ctx, tx, from, to, relation, metadata)
}

func addRelation(ctx context.Context, q dbtx, from, to ids.EntityID, relation Relation, metadata interface{}) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return storeerr.Serialization("entity.AddRelation", err)
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO entity_relations (from_id, to_id, relation, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (from_id, to_id, relation) DO UPDATE SET metadata = excluded.metadata`,
		string(from), string(to), string(relation), nullStr(string(metaJSON)), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storeerr.IO("entity.AddRelation", err)
	}
	return nil
}

func scanRelation(rows *sql.Rows) (*RelationRow, error) {
	var (
		r         RelationRow
		relation  string
		metadata  sql.NullString
		createdAt string
	)
	if err := rows.Scan(&r.FromID, &r.ToID, &relation, &metadata, &createdAt); err != nil {
		return nil, err
	}
	r.Relation = Relation(relation)
	if metadata.Valid {
		r.Metadata = json.RawMessage(metadata.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

// GetRelationsFrom returns relations originating at id, optionally
// filtered to a single relation kind.
func (s *Store) GetRelationsFrom(ctx context.Context, id ids.EntityID, relation *Relation) ([]*RelationRow, error) {
	query := `SELECT from_id, to_id, relation, metadata, created_at FROM entity_relations WHERE from_id = ?`
	args := []interface{}{string(id)}
	if relation != nil {
		query += ` AND relation = ?`
		args = append(args, string(*relation))
	}
	return s.queryRelations(ctx, query, args...)
}

// GetRelationsTo returns relations targeting id, optionally filtered to a
// single relation kind.
func (s *Store) GetRelationsTo(ctx context.Context, id ids.EntityID, relation *Relation) ([]*RelationRow, error) {
	query := `SELECT from_id, to_id, relation, metadata, created_at FROM entity_relations WHERE to_id = ?`
	args := []interface{}{string(id)}
	if relation != nil {
		query += ` AND relation = ?`
		args = append(args, string(*relation))
	}
	return s.queryRelations(ctx, query, args...)
}

func (s *Store) queryRelations(ctx context.Context, query string, args ...interface{}) ([]*RelationRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeerr.IO("entity.queryRelations", err)
	}
	defer rows.Close()

	var out []*RelationRow
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, storeerr.IO("entity.queryRelations", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
