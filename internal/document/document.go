// Package document is the document/tab/revision layer: documents own an
// ordered forest of tabs, each tab owns a revision DAG rooted at an
// initial revision (spec §3.5, §4.6). Grounded on
// internal/memorygraph/store.go's parent-pointer traversal idiom — no
// recursive ownership, every walk is a query over parent_revision_id /
// parent_tab_id, never a cascading delete through the DAG.
package document

import (
	"context"
	"database/sql"
	"time"

	"github.com/noema/ucm/internal/contentblock"
	"github.com/noema/ucm/internal/entity"
	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// Source names how a document came to exist.
type Source string

const (
	SourceUserCreated Source = "user_created"
	SourceAIGenerated Source = "ai_generated"
	SourceImported    Source = "imported"
	SourcePromoted    Source = "promoted"
)

// Document is a row in the documents table.
type Document struct {
	ID            ids.DocumentID
	EntityID      ids.EntityID
	Title         string
	Source        Source
	SourceID      string
	CurrentTabID  ids.TabID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Tab is one node of a document's tab forest.
type Tab struct {
	ID                ids.TabID
	DocumentID        ids.DocumentID
	ParentTabID       ids.TabID
	TabIndex          int
	Title             string
	CurrentRevisionID ids.RevisionID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Revision is one node in a tab's revision DAG.
type Revision struct {
	ID               ids.RevisionID
	TabID            ids.TabID
	ParentRevisionID ids.RevisionID
	RevisionNumber   int
	ContentID        ids.ContentBlockID
	CreatedBy        ids.UserID
	CreatedAt        time.Time
}

// Store persists documents, tabs, and revisions against a shared
// database handle. It depends on contentblock.Store to materialize raw
// text supplied to AddTab/PromoteFromMessage, and on entity.Store to mint
// the addressable identity backing each document.
type Store struct {
	db            *sql.DB
	contentBlocks *contentblock.Store
	entities      *entity.Store
}

// New wraps db, plus the content block and entity stores documents are
// built from, for document storage.
func New(db *sql.DB, contentBlocks *contentblock.Store, entities *entity.Store) *Store {
	return &Store{db: db, contentBlocks: contentBlocks, entities: entities}
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Create inserts a new, tab-less document.
func (s *Store) Create(ctx context.Context, entityID ids.EntityID, title string, source Source, sourceID string) (*Document, error) {
	now := time.Now().UTC()
	d := Document{
		ID:        ids.NewDocumentID(),
		EntityID:  entityID,
		Title:     title,
		Source:    source,
		SourceID:  sourceID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, entity_id, title, source, source_id, current_tab_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
		string(d.ID), nullStr(string(d.EntityID)), d.Title, string(d.Source), nullStr(d.SourceID),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, storeerr.IO("document.Create", err)
	}

	L_debug("document: created", "id", d.ID, "title", title, "source", source)
	return &d, nil
}

func scanDocument(row interface{ Scan(dest ...interface{}) error }) (*Document, error) {
	var (
		d                            Document
		entityID, sourceID, curTab   sql.NullString
		source, createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &entityID, &d.Title, &source, &sourceID, &curTab, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.EntityID = ids.EntityID(entityID.String)
	d.Source = Source(source)
	d.SourceID = sourceID.String
	d.CurrentTabID = ids.TabID(curTab.String)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		d.UpdatedAt = t
	}
	return &d, nil
}

const docColumns = `id, entity_id, title, source, source_id, current_tab_id, created_at, updated_at`

// Get retrieves a document by id.
func (s *Store) Get(ctx context.Context, id ids.DocumentID) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE id = ?`, string(id))
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("document.Get", err)
	}
	if err != nil {
		return nil, storeerr.IO("document.Get", err)
	}
	return d, nil
}

// FindBySource returns every document created from sourceID (e.g. the
// message id a document was promoted from).
func (s *Store) FindBySource(ctx context.Context, source Source, sourceID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+docColumns+` FROM documents WHERE source = ? AND source_id = ?`, string(source), sourceID)
	if err != nil {
		return nil, storeerr.IO("document.FindBySource", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storeerr.IO("document.FindBySource", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListByUser returns documents whose backing entity belongs to userID.
func (s *Store) ListByUser(ctx context.Context, userID ids.UserID) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.entity_id, d.title, d.source, d.source_id, d.current_tab_id, d.created_at, d.updated_at
		FROM documents d
		JOIN entities e ON e.id = d.entity_id
		WHERE e.user_id = ?
		ORDER BY d.updated_at DESC`, string(userID))
	if err != nil {
		return nil, storeerr.IO("document.ListByUser", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storeerr.IO("document.ListByUser", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes a document; its tabs and revisions cascade via foreign
// key. Content blocks referenced by those revisions are left intact.
func (s *Store) Delete(ctx context.Context, id ids.DocumentID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, string(id))
	if err != nil {
		return storeerr.IO("document.Delete", err)
	}
	L_debug("document: deleted", "id", id)
	return nil
}

// AddTabFromContent creates a tab under documentID (optionally nested
// under parentTabID) whose initial revision reuses an existing content
// block rather than storing new text.
func (s *Store) AddTabFromContent(ctx context.Context, documentID ids.DocumentID, parentTabID ids.TabID, title string, contentID ids.ContentBlockID, createdBy ids.UserID) (*Tab, *Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, storeerr.IO("document.AddTabFromContent", err)
	}
	defer tx.Rollback()

	var nextIndex int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(tab_index), -1) + 1 FROM document_tabs WHERE document_id = ?`, string(documentID)).Scan(&nextIndex); err != nil {
		return nil, nil, storeerr.IO("document.AddTabFromContent", err)
	}

	now := time.Now().UTC()
	tab := Tab{
		ID:          ids.NewTabID(),
		DocumentID:  documentID,
		ParentTabID: parentTabID,
		TabIndex:    nextIndex,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_tabs (id, document_id, parent_tab_id, tab_index, title, current_revision_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
		string(tab.ID), string(tab.DocumentID), nullStr(string(tab.ParentTabID)), tab.TabIndex, tab.Title,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, nil, storeerr.IO("document.AddTabFromContent", err)
	}

	rev := Revision{
		ID:             ids.NewRevisionID(),
		TabID:          tab.ID,
		RevisionNumber: 0,
		ContentID:      contentID,
		CreatedBy:      createdBy,
		CreatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (id, tab_id, parent_revision_id, revision_number, content_id, created_by, created_at)
		VALUES (?, ?, NULL, ?, ?, ?, ?)`,
		string(rev.ID), string(rev.TabID), rev.RevisionNumber, string(rev.ContentID), nullStr(string(rev.CreatedBy)), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, nil, storeerr.IO("document.AddTabFromContent", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE document_tabs SET current_revision_id = ? WHERE id = ?`, string(rev.ID), string(tab.ID)); err != nil {
		return nil, nil, storeerr.IO("document.AddTabFromContent", err)
	}
	tab.CurrentRevisionID = rev.ID

	if nextIndex == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET current_tab_id = ?, updated_at = ? WHERE id = ?`,
			string(tab.ID), now.Format(time.RFC3339Nano), string(documentID)); err != nil {
			return nil, nil, storeerr.IO("document.AddTabFromContent", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, storeerr.IO("document.AddTabFromContent", err)
	}

	L_debug("document: tab added", "document", documentID, "tab", tab.ID, "revision", rev.ID)
	return &tab, &rev, nil
}

// AddTab creates a tab under documentID whose initial revision stores
// content as a new content block, then delegates to AddTabFromContent.
// Use AddTabFromContent directly when the content already has a block
// (e.g. promoting a message).
func (s *Store) AddTab(ctx context.Context, documentID ids.DocumentID, parentTabID ids.TabID, title, content string, createdBy ids.UserID) (*Tab, *Revision, error) {
	res, err := s.contentBlocks.Store(ctx, content, contentblock.Markdown, contentblock.Origin{
		Kind:   contentblock.OriginUser,
		UserID: createdBy,
	}, false)
	if err != nil {
		return nil, nil, err
	}
	return s.AddTabFromContent(ctx, documentID, parentTabID, title, res.ID, createdBy)
}

// PromoteFromMessage creates a document whose single tab's head revision
// reuses contentID directly — no text is copied, the document and the
// originating message share the same content block (§4.6, §8.4 S5).
func (s *Store) PromoteFromMessage(ctx context.Context, userID ids.UserID, title string, messageID ids.MessageID, contentID ids.ContentBlockID) (*Document, *Tab, *Revision, error) {
	ent, err := s.entities.Create(ctx, entity.Entity{EntityType: entity.TypeDocument, UserID: userID, Name: title})
	if err != nil {
		return nil, nil, nil, err
	}

	doc, err := s.Create(ctx, ent.ID, title, SourcePromoted, string(messageID))
	if err != nil {
		return nil, nil, nil, err
	}

	tab, rev, err := s.AddTabFromContent(ctx, doc.ID, "", title, contentID, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	doc.CurrentTabID = tab.ID

	L_info("document: promoted from message", "document", doc.ID, "message", messageID, "content", contentID)
	return doc, tab, rev, nil
}

func scanTab(row interface{ Scan(dest ...interface{}) error }) (*Tab, error) {
	var (
		t                          Tab
		parentTab, currentRevision sql.NullString
		createdAt, updatedAt       string
	)
	if err := row.Scan(&t.ID, &t.DocumentID, &parentTab, &t.TabIndex, &t.Title, &currentRevision, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.ParentTabID = ids.TabID(parentTab.String)
	t.CurrentRevisionID = ids.RevisionID(currentRevision.String)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

const tabColumns = `id, document_id, parent_tab_id, tab_index, title, current_revision_id, created_at, updated_at`

// GetTab retrieves a tab by id.
func (s *Store) GetTab(ctx context.Context, id ids.TabID) (*Tab, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tabColumns+` FROM document_tabs WHERE id = ?`, string(id))
	t, err := scanTab(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("document.GetTab", err)
	}
	if err != nil {
		return nil, storeerr.IO("document.GetTab", err)
	}
	return t, nil
}

// GetTabs returns every tab of documentID, ordered by tab_index — the
// ordered forest the caller reconstructs from ParentTabID links.
func (s *Store) GetTabs(ctx context.Context, documentID ids.DocumentID) ([]*Tab, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tabColumns+` FROM document_tabs WHERE document_id = ? ORDER BY tab_index ASC`, string(documentID))
	if err != nil {
		return nil, storeerr.IO("document.GetTabs", err)
	}
	defer rows.Close()

	var out []*Tab
	for rows.Next() {
		t, err := scanTab(rows)
		if err != nil {
			return nil, storeerr.IO("document.GetTabs", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MoveTab reparents tabID under newParent (possibly empty, meaning root)
// at newIndex, shifting nothing else — callers that care about dense
// indices renumber siblings themselves.
func (s *Store) MoveTab(ctx context.Context, tabID ids.TabID, newParent ids.TabID, newIndex int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_tabs SET parent_tab_id = ?, tab_index = ?, updated_at = ? WHERE id = ?`,
		nullStr(string(newParent)), newIndex, time.Now().UTC().Format(time.RFC3339Nano), string(tabID),
	)
	if err != nil {
		return storeerr.IO("document.MoveTab", err)
	}
	return nil
}

func scanRevision(row interface{ Scan(dest ...interface{}) error }) (*Revision, error) {
	var (
		r                       Revision
		parentRevision, created sql.NullString
		createdAt               string
	)
	if err := row.Scan(&r.ID, &r.TabID, &parentRevision, &r.RevisionNumber, &r.ContentID, &created, &createdAt); err != nil {
		return nil, err
	}
	r.ParentRevisionID = ids.RevisionID(parentRevision.String)
	r.CreatedBy = ids.UserID(created.String)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

const revColumns = `id, tab_id, parent_revision_id, revision_number, content_id, created_by, created_at`

// GetRevision retrieves a revision by id.
func (s *Store) GetRevision(ctx context.Context, id ids.RevisionID) (*Revision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+revColumns+` FROM revisions WHERE id = ?`, string(id))
	r, err := scanRevision(row)
	if err == sql.ErrNoRows {
		return nil, storeerr.NotFound("document.GetRevision", err)
	}
	if err != nil {
		return nil, storeerr.IO("document.GetRevision", err)
	}
	return r, nil
}

// commitRevision is the shared implementation behind Commit and Branch:
// it inserts a new revision under tabID with the given parent and content,
// and — only when advanceHead is true — moves the tab's current_revision_id
// to it.
func (s *Store) commitRevision(ctx context.Context, tabID ids.TabID, parentRevisionID ids.RevisionID, contentID ids.ContentBlockID, createdBy ids.UserID, advanceHead bool) (*Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeerr.IO("document.commitRevision", err)
	}
	defer tx.Rollback()

	var maxRev sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(revision_number) FROM revisions WHERE tab_id = ?`, string(tabID)).Scan(&maxRev); err != nil {
		return nil, storeerr.IO("document.commitRevision", err)
	}
	number := 0
	if maxRev.Valid {
		number = int(maxRev.Int64) + 1
	}

	now := time.Now().UTC()
	r := Revision{
		ID:               ids.NewRevisionID(),
		TabID:            tabID,
		ParentRevisionID: parentRevisionID,
		RevisionNumber:   number,
		ContentID:        contentID,
		CreatedBy:        createdBy,
		CreatedAt:        now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (id, tab_id, parent_revision_id, revision_number, content_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.TabID), nullStr(string(r.ParentRevisionID)), r.RevisionNumber, string(r.ContentID),
		nullStr(string(r.CreatedBy)), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, storeerr.IO("document.commitRevision", err)
	}

	if advanceHead {
		if _, err := tx.ExecContext(ctx, `UPDATE document_tabs SET current_revision_id = ?, updated_at = ? WHERE id = ?`,
			string(r.ID), now.Format(time.RFC3339Nano), string(tabID)); err != nil {
			return nil, storeerr.IO("document.commitRevision", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeerr.IO("document.commitRevision", err)
	}

	L_debug("document: revision committed", "tab", tabID, "revision", r.ID, "number", number, "advance_head", advanceHead)
	return &r, nil
}

// Commit creates a revision whose parent is the tab's current head, and
// advances current_revision_id to it (§4.6 linear edit path).
func (s *Store) Commit(ctx context.Context, tabID ids.TabID, contentID ids.ContentBlockID, createdBy ids.UserID) (*Revision, error) {
	tab, err := s.GetTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return s.commitRevision(ctx, tabID, tab.CurrentRevisionID, contentID, createdBy, true)
}

// Branch creates a revision off fromRevisionID (which need not be the
// current head) without moving current_revision_id — the revision DAG
// grows a second head until an explicit Checkout.
func (s *Store) Branch(ctx context.Context, tabID ids.TabID, fromRevisionID ids.RevisionID, contentID ids.ContentBlockID, createdBy ids.UserID) (*Revision, error) {
	from, err := s.GetRevision(ctx, fromRevisionID)
	if err != nil {
		return nil, err
	}
	if from.TabID != tabID {
		return nil, storeerr.Validation("document.Branch", nil)
	}
	return s.commitRevision(ctx, tabID, fromRevisionID, contentID, createdBy, false)
}

// Checkout moves a tab's pointer to an existing revision of that tab.
func (s *Store) Checkout(ctx context.Context, tabID ids.TabID, revisionID ids.RevisionID) error {
	rev, err := s.GetRevision(ctx, revisionID)
	if err != nil {
		return err
	}
	if rev.TabID != tabID {
		return storeerr.Validation("document.Checkout", nil)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE document_tabs SET current_revision_id = ?, updated_at = ? WHERE id = ?`,
		string(revisionID), time.Now().UTC().Format(time.RFC3339Nano), string(tabID))
	if err != nil {
		return storeerr.IO("document.Checkout", err)
	}
	return nil
}

// GetContent is a convenience that resolves a revision to its content
// block's text via getText.
func (s *Store) GetContent(ctx context.Context, id ids.RevisionID, getText func(context.Context, ids.ContentBlockID) (string, error)) (string, error) {
	r, err := s.GetRevision(ctx, id)
	if err != nil {
		return "", err
	}
	return getText(ctx, r.ContentID)
}
