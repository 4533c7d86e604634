// Package ids defines the opaque, semantically-typed identifiers used
// throughout the Unified Content Model. Every identifier kind gets its own
// Go type so that, for example, a SpanID can never be passed where a
// TurnID is expected — the compiler enforces what the data model requires.
package ids

import "github.com/google/uuid"

// ContentBlockID identifies an immutable text unit.
type ContentBlockID string

// AssetID identifies binary metadata; it equals the digest of its bytes.
type AssetID string

// TurnID identifies a position in a conversation's turn sequence.
type TurnID string

// SpanID identifies one alternative response at a turn.
type SpanID string

// MessageID identifies a unit of content within a span.
type MessageID string

// ViewID identifies a selectable path through a conversation; it doubles
// as the id of the view's backing entity.
type ViewID string

// DocumentID identifies a document.
type DocumentID string

// TabID identifies a tab within a document's tab forest.
type TabID string

// RevisionID identifies one node in a tab's revision DAG.
type RevisionID string

// EntityID identifies a row in the identity layer (view, document, or
// asset entity).
type EntityID string

// UserID identifies an opaque user; the core never interprets it beyond
// scoping ownership.
type UserID string

// ConversationID identifies the root container owning turns and views.
type ConversationID string

// ReferenceID identifies a row in the generic cross-reference store.
type ReferenceID string

func newID() string { return uuid.NewString() }

// NewContentBlockID mints a fresh content block identifier.
func NewContentBlockID() ContentBlockID { return ContentBlockID(newID()) }

// NewTurnID mints a fresh turn identifier.
func NewTurnID() TurnID { return TurnID(newID()) }

// NewSpanID mints a fresh span identifier.
func NewSpanID() SpanID { return SpanID(newID()) }

// NewMessageID mints a fresh message identifier.
func NewMessageID() MessageID { return MessageID(newID()) }

// NewViewID mints a fresh view identifier.
func NewViewID() ViewID { return ViewID(newID()) }

// NewDocumentID mints a fresh document identifier.
func NewDocumentID() DocumentID { return DocumentID(newID()) }

// NewTabID mints a fresh tab identifier.
func NewTabID() TabID { return TabID(newID()) }

// NewRevisionID mints a fresh revision identifier.
func NewRevisionID() RevisionID { return RevisionID(newID()) }

// NewEntityID mints a fresh entity identifier.
func NewEntityID() EntityID { return EntityID(newID()) }

// NewConversationID mints a fresh conversation identifier.
func NewConversationID() ConversationID { return ConversationID(newID()) }

// NewReferenceID mints a fresh reference identifier.
func NewReferenceID() ReferenceID { return ReferenceID(newID()) }
