// Package session is the per-view runtime facade bridging a chat engine
// and the turn store (spec §4.10): it caches the resolved message path,
// buffers an in-flight response, and commits finished responses back
// through the turn store transactionally. Grounded on
// internal/session/session.go's mutex-guarded in-memory state
// (sync.RWMutex, Add*Message append helpers), generalized from a flat
// message list to the turn-store's turn/span/view model, and on
// internal/context/cache.go's lazy-rebuild-on-invalidate idiom for the
// resolved-message cache.
package session

import (
	"context"

	"github.com/noema/ucm/internal/ids"
	"github.com/noema/ucm/internal/turn"
	"github.com/noema/ucm/internal/wire"
)

// ChatMessage is one role-tagged content sequence, the unit the engine
// produces while streaming and the unit Commit persists.
type ChatMessage struct {
	Role    turn.Role
	Content wire.Items
}

// ModelResponse pairs a model identifier with the messages it produced,
// the input shape for CommitParallel (§4.10, §8.4 S3).
type ModelResponse struct {
	ModelID  string
	Messages []ChatMessage
}

// ResolvedItem is one message content item, carrying either the bare
// reference wire.Item encodes or — once resolved — the inlined text or
// base64 bytes a display/LLM consumer can use directly.
type ResolvedItem struct {
	wire.Item
	Resolved     bool
	ResolvedText string
}

// ResolvedMessage is one materialized path entry: a message, the turn and
// span it belongs to, and its content items in unresolved or resolved
// form.
type ResolvedMessage struct {
	MessageID ids.MessageID
	TurnID    ids.TurnID
	SpanID    ids.SpanID
	Role      turn.Role
	Items     []ResolvedItem
}

// LLMOptions shapes how MessagesForLLM materializes content for a
// particular model target.
type LLMOptions struct {
	// IsLocal is true when the target model runs on-device; private
	// content is only ever included for local targets.
	IsLocal bool
	// AcceptsBinary is true when the target model can consume inline
	// base64 asset bytes; otherwise asset-ref items are dropped.
	AcceptsBinary bool
	// Strict, when true, turns an attempted private-content leak into a
	// storeerr.ErrPrivateLeak instead of silently eliding it (§7).
	Strict bool
}

// Formatter expands a document-ref content item into the markdown (or
// other textual) block a model should see in its place. The default
// policy (§9 Open Question, resolved in DESIGN.md) expands to the
// referenced tab's current revision content.
type Formatter interface {
	FormatDocument(ctx context.Context, item wire.Item) (string, error)
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(ctx context.Context, item wire.Item) (string, error)

// FormatDocument implements Formatter.
func (f FormatterFunc) FormatDocument(ctx context.Context, item wire.Item) (string, error) {
	return f(ctx, item)
}
