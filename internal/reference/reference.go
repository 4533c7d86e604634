// Package reference is the generic any-to-any cross-reference store with
// backlinks (spec §4.7): a reference names a (from_type, from_id, to_type,
// to_id, relation) tuple connecting arbitrary structural identifiers —
// messages, documents, views, content blocks — not just entities.
// Grounded on internal/memorygraph/store.go's associations table,
// generalized from memory-only endpoints to any kind string.
package reference

import (
	"context"
	"database/sql"
	"time"

	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// Ref names one endpoint of a reference: a kind tag plus the opaque
// identifier string for that kind (e.g. "message", msgID).
type Ref struct {
	Type string
	ID   string
}

// Reference is a row in the refs table.
type Reference struct {
	ID        ids.ReferenceID
	From      Ref
	To        Ref
	Relation  string
	CreatedAt time.Time
}

// Store persists references against a shared database handle.
type Store struct {
	db *sql.DB
}

// New wraps db for reference storage.
func New(db *sql.DB) *Store { return &Store{db: db} }

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Create inserts a reference from -> to, or returns the existing
// reference id if the (from, to, relation) triple is already recorded.
func (s *Store) Create(ctx context.Context, from, to Ref, relation string) (ids.ReferenceID, error) {
	existing, err := s.find(ctx, from, to, relation)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	id := ids.NewReferenceID()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refs (id, from_type, from_id, to_type, to_id, relation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(id), from.Type, from.ID, to.Type, to.ID, nullStr(relation), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", storeerr.ConstraintViolation("reference.Create", err)
	}

	L_debug("reference: created", "id", id, "from", from, "to", to, "relation", relation)
	return id, nil
}

func scanReference(row interface{ Scan(dest ...interface{}) error }) (*Reference, error) {
	var (
		r                                           Reference
		fromType, fromID, toType, toID, createdAt   string
		relation                                    sql.NullString
	)
	if err := row.Scan(&r.ID, &fromType, &fromID, &toType, &toID, &relation, &createdAt); err != nil {
		return nil, err
	}
	r.From = Ref{Type: fromType, ID: fromID}
	r.To = Ref{Type: toType, ID: toID}
	r.Relation = relation.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

const refColumns = `id, from_type, from_id, to_type, to_id, relation, created_at`

func (s *Store) find(ctx context.Context, from, to Ref, relation string) (*Reference, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+refColumns+` FROM refs
		WHERE from_type = ? AND from_id = ? AND to_type = ? AND to_id = ? AND relation IS ?`,
		from.Type, from.ID, to.Type, to.ID, nullStr(relation),
	)
	r, err := scanReference(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeerr.IO("reference.find", err)
	}
	return r, nil
}

// GetOutgoing returns every reference originating at from.
func (s *Store) GetOutgoing(ctx context.Context, from Ref) ([]*Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refColumns+` FROM refs WHERE from_type = ? AND from_id = ? ORDER BY created_at ASC`,
		from.Type, from.ID)
	if err != nil {
		return nil, storeerr.IO("reference.GetOutgoing", err)
	}
	return s.collect(rows)
}

// GetBacklinks returns every reference targeting to.
func (s *Store) GetBacklinks(ctx context.Context, to Ref) ([]*Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refColumns+` FROM refs WHERE to_type = ? AND to_id = ? ORDER BY created_at ASC`,
		to.Type, to.ID)
	if err != nil {
		return nil, storeerr.IO("reference.GetBacklinks", err)
	}
	return s.collect(rows)
}

func (s *Store) collect(rows *sql.Rows) ([]*Reference, error) {
	defer rows.Close()
	var out []*Reference
	for rows.Next() {
		r, err := scanReference(rows)
		if err != nil {
			return nil, storeerr.IO("reference.collect", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a single reference by id.
func (s *Store) Delete(ctx context.Context, id ids.ReferenceID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refs WHERE id = ?`, string(id))
	if err != nil {
		return storeerr.IO("reference.Delete", err)
	}
	return nil
}

// DeleteAllFor removes every reference with ref as either endpoint —
// called when a structural entity (view, message, document) is deleted,
// since refs has no foreign key to the many tables its endpoints may name
// (§4.7 "deletion of a source/target cascades").
func (s *Store) DeleteAllFor(ctx context.Context, ref Ref) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM refs WHERE (from_type = ? AND from_id = ?) OR (to_type = ? AND to_id = ?)`,
		ref.Type, ref.ID, ref.Type, ref.ID,
	)
	if err != nil {
		return storeerr.IO("reference.DeleteAllFor", err)
	}
	L_debug("reference: cascaded delete", "ref", ref)
	return nil
}
