// Package turn is the conversation structure core: turns, spans,
// messages, views, and the fork/splice/regenerate/subconversation
// operations built on them. It carries the majority of the system's
// behavioral complexity. Grounded on internal/session/sqlite_store.go's
// migration-era CRUD shape and transaction idiom (db.Begin + deferred
// rollback + explicit commit, as in internal/metrics/persist.go) and on
// internal/memorygraph/store.go's DAG-by-query traversal style; fork,
// splice, edit_turn, and spawn have no teacher analogue and are built
// fresh in that same idiom.
package turn

import (
	"time"

	"github.com/noema/ucm/internal/ids"
	"github.com/noema/ucm/internal/wire"
)

// Role names who produced a turn or message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Turn is one position in a conversation's turn sequence.
type Turn struct {
	ID             ids.TurnID
	ConversationID ids.ConversationID
	Role           Role
	SequenceNumber int
	CreatedAt      time.Time
}

// Span is one complete alternative response at a turn.
type Span struct {
	ID         ids.SpanID
	TurnID     ids.TurnID
	ModelID    string
	IsComplete bool
	CreatedAt  time.Time
}

// Message is one unit of content within a span.
type Message struct {
	ID             ids.MessageID
	SpanID         ids.SpanID
	SequenceNumber int
	Role           Role
	ContentID      ids.ContentBlockID
	CreatedAt      time.Time
}

// MessageWithContent pairs a message row with its parsed content items.
type MessageWithContent struct {
	Message
	Content wire.Items
}

// ViewState names the lifecycle state of a view.
type ViewState string

const (
	ViewActive   ViewState = "active"
	ViewArchived ViewState = "archived"
	ViewDeleted  ViewState = "deleted"
)

// View is the addressable identity of a conversation path.
type View struct {
	ID               ids.ViewID
	ConversationID   ids.ConversationID
	IsMain           bool
	ForkedFromViewID ids.ViewID
	ForkedAtTurnID   ids.TurnID
	State            ViewState
	CreatedAt        time.Time
}

// Selection is one (view, turn) -> span pointer.
type Selection struct {
	ViewID   ids.ViewID
	TurnID   ids.TurnID
	SpanID   ids.SpanID
	Ordering int
}

// PathEntry is one element of a materialized view path: a turn, its
// selected span, and that span's ordered messages.
type PathEntry struct {
	Turn     Turn
	Span     Span
	Messages []MessageWithContent
}

// EditMessage is one message to populate into the new span created by
// EditTurn.
type EditMessage struct {
	Role    Role
	Content wire.Items
}

// ForkedFromMeta is the relation metadata on a forked_from entity
// relation.
type ForkedFromMeta struct {
	AtTurnID ids.TurnID `json:"at_turn_id"`
}

// SpawnedFromMeta is the relation metadata on a spawned_from entity
// relation.
type SpawnedFromMeta struct {
	ParentSpanID ids.SpanID `json:"parent_span_id"`
}
