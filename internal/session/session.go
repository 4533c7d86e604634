package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/noema/ucm/internal/contentblock"
	"github.com/noema/ucm/internal/conversation"
	"github.com/noema/ucm/internal/coordinator"
	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
	"github.com/noema/ucm/internal/turn"
	"github.com/noema/ucm/internal/wire"
)

// Deps bundles the stores a Session needs. Every Session sharing a
// process shares one Deps; Session itself holds only per-view state.
type Deps struct {
	Turns         *turn.Store
	ContentBlocks *contentblock.Store
	Conversations *conversation.Store
	Coordinator   *coordinator.Coordinator
}

// Session is a per-view runtime facade bridging a chat engine and the
// turn store. It is not safe to share across goroutines except through a
// lock the owner holds explicitly (§5).
type Session struct {
	deps *Deps

	viewID         ids.ViewID
	conversationID ids.ConversationID

	mu       sync.RWMutex
	cache    []ResolvedMessage
	loaded   bool
	pending  []ChatMessage
}

// Open returns a Session over viewID, or the conversation's main view if
// viewID is empty.
func Open(ctx context.Context, deps *Deps, conversationID ids.ConversationID, viewID ids.ViewID) (*Session, error) {
	var v *turn.View
	var err error
	if viewID == "" {
		v, err = deps.Turns.GetMainView(ctx, conversationID)
	} else {
		v, err = deps.Turns.GetView(ctx, viewID)
	}
	if err != nil {
		return nil, err
	}
	if v.ConversationID != conversationID {
		return nil, storeerr.Validation("session.Open", fmt.Errorf("view %s does not belong to conversation %s", v.ID, conversationID))
	}

	return &Session{deps: deps, viewID: v.ID, conversationID: conversationID}, nil
}

// Create starts a new conversation owned by userID, with a fresh main
// view, and returns a Session on it.
func Create(ctx context.Context, deps *Deps, userID ids.UserID) (*Session, error) {
	c, err := deps.Conversations.Create(ctx, userID)
	if err != nil {
		return nil, err
	}
	v, err := deps.Turns.CreateView(ctx, c.ID, "main", true)
	if err != nil {
		return nil, err
	}
	L_info("session: conversation created", "conversation", c.ID, "view", v.ID)
	return &Session{deps: deps, viewID: v.ID, conversationID: c.ID}, nil
}

// ViewID returns the view this session operates on.
func (s *Session) ViewID() ids.ViewID { return s.viewID }

// ConversationID returns the session's conversation.
func (s *Session) ConversationID() ids.ConversationID { return s.conversationID }

// invalidate drops the resolved cache; the next read rebuilds it lazily.
func (s *Session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.loaded = false
}

func (s *Session) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	path, err := s.deps.Turns.GetViewPath(ctx, s.viewID)
	if err != nil {
		return err
	}

	var rms []ResolvedMessage
	for _, entry := range path {
		for _, m := range entry.Messages {
			items := make([]ResolvedItem, len(m.Content))
			for i, it := range m.Content {
				items[i] = ResolvedItem{Item: it}
			}
			rms = append(rms, ResolvedMessage{
				MessageID: m.ID,
				TurnID:    entry.Turn.ID,
				SpanID:    entry.Span.ID,
				Role:      m.Role,
				Items:     items,
			})
		}
	}

	s.mu.Lock()
	s.cache = rms
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// MessagesForDisplay returns the cached sequence with text resolved
// eagerly; assets remain references for the UI to render from the blob
// store directly (§4.10).
func (s *Session) MessagesForDisplay(ctx context.Context) ([]ResolvedMessage, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for mi := range s.cache {
		for ii := range s.cache[mi].Items {
			item := &s.cache[mi].Items[ii]
			if item.Resolved || item.Type != wire.ItemTextRef || item.ContentID == "" {
				continue
			}
			text, err := s.deps.ContentBlocks.GetText(ctx, item.ContentID)
			if err != nil {
				return nil, err
			}
			item.ResolvedText = text
			item.Resolved = true
		}
	}

	out := make([]ResolvedMessage, len(s.cache))
	copy(out, s.cache)
	return out, nil
}

// MessagesForLLM returns a sequence suitable for a model target: text
// refs are inlined, asset refs are inlined as base64 when the target
// accepts binary (otherwise dropped), and document refs are expanded
// through formatter. Private content is excluded unless opts.IsLocal;
// when opts.Strict is set, an attempted leak returns
// storeerr.ErrPrivateLeak instead of being silently elided (§4.10, §7).
func (s *Session) MessagesForLLM(ctx context.Context, formatter Formatter, opts LLMOptions) ([]ChatMessage, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	cache := make([]ResolvedMessage, len(s.cache))
	copy(cache, s.cache)
	s.mu.RUnlock()

	out := make([]ChatMessage, 0, len(cache))
	for _, rm := range cache {
		content := make(wire.Items, 0, len(rm.Items))
		for _, ri := range rm.Items {
			item, include, err := s.resolveForLLM(ctx, ri.Item, formatter, opts)
			if err != nil {
				return nil, err
			}
			if include {
				content = append(content, item)
			}
		}
		out = append(out, ChatMessage{Role: rm.Role, Content: content})
	}
	return out, nil
}

func (s *Session) resolveForLLM(ctx context.Context, item wire.Item, formatter Formatter, opts LLMOptions) (wire.Item, bool, error) {
	switch item.Type {
	case wire.ItemTextRef:
		block, err := s.deps.ContentBlocks.Get(ctx, item.ContentID)
		if err != nil {
			return item, false, err
		}
		if block.IsPrivate && !opts.IsLocal {
			if opts.Strict {
				return item, false, storeerr.PrivateLeak("session.MessagesForLLM", fmt.Errorf("content block %s is private", item.ContentID))
			}
			return item, false, nil
		}
		return wire.Item{Type: wire.ItemTextRef, ContentID: item.ContentID, RawText: block.Text}, true, nil

	case wire.ItemAssetRef:
		if !opts.AcceptsBinary {
			return item, false, nil
		}
		inflated := s.deps.Coordinator.Inflate(ctx, wire.Items{item})
		if len(inflated) == 0 {
			return item, false, nil
		}
		return inflated[0], true, nil

	case wire.ItemDocumentRef:
		if formatter == nil {
			return item, true, nil
		}
		text, err := formatter.FormatDocument(ctx, item)
		if err != nil {
			return item, false, err
		}
		return wire.Item{Type: wire.ItemTextRef, RawText: text}, true, nil

	default:
		return item, true, nil
	}
}

func originKindFor(role turn.Role) contentblock.OriginKind {
	switch role {
	case turn.RoleUser:
		return contentblock.OriginUser
	case turn.RoleAssistant, turn.RoleTool:
		return contentblock.OriginAssistant
	case turn.RoleSystem:
		return contentblock.OriginSystem
	default:
		return contentblock.OriginImport
	}
}

// materialize turns every raw text/inline-binary item in content into a
// durable reference: text is stored as a content block, and inline binary
// is run through the storage coordinator.
func (s *Session) materialize(ctx context.Context, role turn.Role, modelID string, content wire.Items) (wire.Items, error) {
	staged := make(wire.Items, len(content))
	for i, item := range content {
		if item.IsRawText() {
			res, err := s.deps.ContentBlocks.Store(ctx, item.RawText, contentblock.Plain, contentblock.Origin{
				Kind:    originKindFor(role),
				ModelID: modelID,
			}, item.RawPrivate)
			if err != nil {
				return nil, err
			}
			staged[i] = wire.TextRef(res.ID)
			continue
		}
		staged[i] = item
	}
	return s.deps.Coordinator.Externalize(ctx, staged), nil
}

// Commit persists messages as a sequence of turns/spans/messages:
// consecutive same-role messages share a span; a role transition opens a
// new turn (§4.10). Content is materialized to content blocks/assets
// before the transaction opens (those stores own their own atomicity);
// the turn-store writes that follow — every add_turn, add_span,
// add_message, complete_span, and select_span this call makes — run
// inside one turn.Tx, so a failure partway through leaves no partial
// turn/span/message rows visible (§4.5.7, §5).
func (s *Session) Commit(ctx context.Context, messages []ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	materialized := make([]wire.Items, len(messages))
	for i, m := range messages {
		content, err := s.materialize(ctx, m.Role, "", m.Content)
		if err != nil {
			return err
		}
		materialized[i] = content
	}

	tx, err := s.deps.Turns.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	i := 0
	for i < len(messages) {
		role := messages[i].Role
		t, err := tx.AddTurn(ctx, s.conversationID, role)
		if err != nil {
			return err
		}
		sp, err := tx.AddSpan(ctx, t.ID, "")
		if err != nil {
			return err
		}

		for i < len(messages) && messages[i].Role == role {
			if _, err := tx.AddMessage(ctx, sp.ID, role, materialized[i]); err != nil {
				return err
			}
			i++
		}

		if err := tx.CompleteSpan(ctx, sp.ID); err != nil {
			return err
		}
		if err := tx.SelectSpan(ctx, s.viewID, t.ID, sp.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if err := s.deps.Conversations.Touch(ctx, s.conversationID); err != nil {
		L_warn("session: failed to touch conversation", "conversation", s.conversationID, "error", err)
	}

	s.invalidate()
	L_info("session: committed", "view", s.viewID, "messages", len(messages))
	return nil
}

// CommitParallel creates one turn and, for each response, one span of
// messages; the view's selection defaults to the first response (§4.10,
// §8.4 S3). Like Commit, the turn-store writes run inside one turn.Tx.
func (s *Session) CommitParallel(ctx context.Context, responses []ModelResponse) ([]ids.SpanID, error) {
	if len(responses) == 0 {
		return nil, nil
	}

	materialized := make([][]wire.Items, len(responses))
	for ri, resp := range responses {
		materialized[ri] = make([]wire.Items, len(resp.Messages))
		for mi, m := range resp.Messages {
			content, err := s.materialize(ctx, turn.RoleAssistant, resp.ModelID, m.Content)
			if err != nil {
				return nil, err
			}
			materialized[ri][mi] = content
		}
	}

	tx, err := s.deps.Turns.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := tx.AddTurn(ctx, s.conversationID, turn.RoleAssistant)
	if err != nil {
		return nil, err
	}

	spanIDs := make([]ids.SpanID, 0, len(responses))
	for ri, resp := range responses {
		sp, err := tx.AddSpan(ctx, t.ID, resp.ModelID)
		if err != nil {
			return nil, err
		}
		for _, content := range materialized[ri] {
			if _, err := tx.AddMessage(ctx, sp.ID, turn.RoleAssistant, content); err != nil {
				return nil, err
			}
		}
		if err := tx.CompleteSpan(ctx, sp.ID); err != nil {
			return nil, err
		}
		spanIDs = append(spanIDs, sp.ID)
	}

	if err := tx.SelectSpan(ctx, s.viewID, t.ID, spanIDs[0]); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := s.deps.Conversations.Touch(ctx, s.conversationID); err != nil {
		L_warn("session: failed to touch conversation", "conversation", s.conversationID, "error", err)
	}

	s.invalidate()
	L_info("session: parallel responses committed", "view", s.viewID, "turn", t.ID, "spans", len(spanIDs))
	return spanIDs, nil
}

// Fork forks this session's view at atTurn and returns the new view id.
// The session itself keeps operating on its original view.
func (s *Session) Fork(ctx context.Context, atTurn ids.TurnID) (ids.ViewID, error) {
	v, err := s.deps.Turns.ForkView(ctx, s.viewID, atTurn, "")
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

// SelectSpan changes this view's selection at turn, invalidating the
// cache.
func (s *Session) SelectSpan(ctx context.Context, turnID ids.TurnID, spanID ids.SpanID) error {
	if err := s.deps.Turns.SelectSpan(ctx, s.viewID, turnID, spanID); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// SpawnSubconversation spawns a child conversation seeded with
// inheritedContext, as in turn.Store.SpawnSubconversation (§4.5.4). The
// caller is responsible for any cross-view coordination with concurrent
// writes to this session's view (§9 Open Question).
func (s *Session) SpawnSubconversation(ctx context.Context, parentSpanID ids.SpanID, inheritedContext []ChatMessage) (ids.ViewID, error) {
	seeds := make([]turn.EditMessage, len(inheritedContext))
	for i, m := range inheritedContext {
		content, err := s.materialize(ctx, m.Role, "", m.Content)
		if err != nil {
			return "", err
		}
		seeds[i] = turn.EditMessage{Role: m.Role, Content: content}
	}

	child, err := s.deps.Turns.SpawnSubconversation(ctx, parentSpanID, s.viewID, seeds)
	if err != nil {
		return "", err
	}
	return child.ID, nil
}
