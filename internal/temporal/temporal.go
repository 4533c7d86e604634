// Package temporal answers time-range queries over content and renders
// activity summaries (spec §4.8). Grounded on goclaw's time-indexed
// queries (idx_messages_session / ORDER BY timestamp) and the
// token-budget truncation idiom of internal/session/llm_adapter.go's
// BuildMessagesForSummary, adapted here to render_activity_context's
// progressively-more-compact markdown.
package temporal

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/noema/ucm/internal/ids"
	"github.com/noema/ucm/internal/storeerr"
	"github.com/noema/ucm/internal/tokens"
)

// ContentKind names one of the timestamped content kinds a time-range
// query can include.
type ContentKind string

const (
	KindMessage  ContentKind = "message"
	KindRevision ContentKind = "revision"
)

// Entry is one timestamped hit from a time-range query.
type Entry struct {
	Kind           ContentKind
	ID             string
	ConversationID ids.ConversationID
	DocumentID     ids.DocumentID
	Snippet        string
	CreatedAt      time.Time
}

// ConversationActivity is one conversation's contribution to an
// ActivitySummary.
type ConversationActivity struct {
	ConversationID ids.ConversationID
	Title          string
	MessageCount   int
	LastActivityAt time.Time
}

// ActivitySummary aggregates counts over a time range for one user.
type ActivitySummary struct {
	Start, End      time.Time
	MessageCount    int
	RevisionCount   int
	TopConversations []ConversationActivity
}

// DetailLevel controls how much render_activity_context includes.
type DetailLevel int

const (
	DetailBrief DetailLevel = iota
	DetailNormal
	DetailFull
)

// Index answers temporal queries against the shared database handle.
type Index struct {
	db *sql.DB
}

// New wraps db for temporal querying.
func New(db *sql.DB) *Index { return &Index{db: db} }

const timeLayout = time.RFC3339Nano

// QueryByTimeRange unions messages and document revisions owned by
// userID within [start, end), filtered to contentTypes (empty means all),
// newest first, capped at limit.
func (idx *Index) QueryByTimeRange(ctx context.Context, userID ids.UserID, start, end time.Time, contentTypes []ContentKind, limit int) ([]Entry, error) {
	want := func(k ContentKind) bool {
		if len(contentTypes) == 0 {
			return true
		}
		for _, c := range contentTypes {
			if c == k {
				return true
			}
		}
		return false
	}

	var out []Entry

	if want(KindMessage) {
		rows, err := idx.db.QueryContext(ctx, `
			SELECT m.id, t.conversation_id, COALESCE(cb.text, ''), m.created_at
			FROM messages m
			JOIN spans sp ON sp.id = m.span_id
			JOIN turns t ON t.id = sp.turn_id
			JOIN conversations c ON c.id = t.conversation_id
			LEFT JOIN content_blocks cb ON cb.id = m.content_id
			WHERE c.user_id = ? AND m.created_at >= ? AND m.created_at < ?
			ORDER BY m.created_at DESC`,
			string(userID), start.Format(timeLayout), end.Format(timeLayout),
		)
		if err != nil {
			return nil, storeerr.IO("temporal.QueryByTimeRange", err)
		}
		for rows.Next() {
			var (
				id, conv, snippet, createdAt string
			)
			if err := rows.Scan(&id, &conv, &snippet, &createdAt); err != nil {
				rows.Close()
				return nil, storeerr.IO("temporal.QueryByTimeRange", err)
			}
			ts, _ := time.Parse(timeLayout, createdAt)
			out = append(out, Entry{Kind: KindMessage, ID: id, ConversationID: ids.ConversationID(conv), Snippet: truncate(snippet, 200), CreatedAt: ts})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, storeerr.IO("temporal.QueryByTimeRange", err)
		}
	}

	if want(KindRevision) {
		rows, err := idx.db.QueryContext(ctx, `
			SELECT r.id, dt.document_id, COALESCE(cb.text, ''), r.created_at
			FROM revisions r
			JOIN document_tabs dt ON dt.id = r.tab_id
			JOIN documents d ON d.id = dt.document_id
			JOIN entities e ON e.id = d.entity_id
			LEFT JOIN content_blocks cb ON cb.id = r.content_id
			WHERE e.user_id = ? AND r.created_at >= ? AND r.created_at < ?
			ORDER BY r.created_at DESC`,
			string(userID), start.Format(timeLayout), end.Format(timeLayout),
		)
		if err != nil {
			return nil, storeerr.IO("temporal.QueryByTimeRange", err)
		}
		for rows.Next() {
			var id, doc, snippet, createdAt string
			if err := rows.Scan(&id, &doc, &snippet, &createdAt); err != nil {
				rows.Close()
				return nil, storeerr.IO("temporal.QueryByTimeRange", err)
			}
			ts, _ := time.Parse(timeLayout, createdAt)
			out = append(out, Entry{Kind: KindRevision, ID: id, DocumentID: ids.DocumentID(doc), Snippet: truncate(snippet, 200), CreatedAt: ts})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, storeerr.IO("temporal.QueryByTimeRange", err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetActivitySummary counts messages and revisions in [start, end) for
// userID and ranks conversations by message count.
func (idx *Index) GetActivitySummary(ctx context.Context, userID ids.UserID, start, end time.Time) (*ActivitySummary, error) {
	summary := &ActivitySummary{Start: start, End: end}

	err := idx.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN spans sp ON sp.id = m.span_id
		JOIN turns t ON t.id = sp.turn_id
		JOIN conversations c ON c.id = t.conversation_id
		WHERE c.user_id = ? AND m.created_at >= ? AND m.created_at < ?`,
		string(userID), start.Format(timeLayout), end.Format(timeLayout),
	).Scan(&summary.MessageCount)
	if err != nil {
		return nil, storeerr.IO("temporal.GetActivitySummary", err)
	}

	err = idx.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM revisions r
		JOIN document_tabs dt ON dt.id = r.tab_id
		JOIN documents d ON d.id = dt.document_id
		JOIN entities e ON e.id = d.entity_id
		WHERE e.user_id = ? AND r.created_at >= ? AND r.created_at < ?`,
		string(userID), start.Format(timeLayout), end.Format(timeLayout),
	).Scan(&summary.RevisionCount)
	if err != nil {
		return nil, storeerr.IO("temporal.GetActivitySummary", err)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT c.id, COALESCE(c.title, ''), COUNT(m.id), MAX(m.created_at)
		FROM conversations c
		JOIN turns t ON t.conversation_id = c.id
		JOIN spans sp ON sp.turn_id = t.id
		JOIN messages m ON m.span_id = sp.id
		WHERE c.user_id = ? AND m.created_at >= ? AND m.created_at < ?
		GROUP BY c.id
		ORDER BY COUNT(m.id) DESC
		LIMIT 5`,
		string(userID), start.Format(timeLayout), end.Format(timeLayout),
	)
	if err != nil {
		return nil, storeerr.IO("temporal.GetActivitySummary", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID, title, lastAt string
			count                 int
		)
		if err := rows.Scan(&convID, &title, &count, &lastAt); err != nil {
			return nil, storeerr.IO("temporal.GetActivitySummary", err)
		}
		ts, _ := time.Parse(timeLayout, lastAt)
		summary.TopConversations = append(summary.TopConversations, ConversationActivity{
			ConversationID: ids.ConversationID(convID), Title: title, MessageCount: count, LastActivityAt: ts,
		})
	}
	return summary, rows.Err()
}

// RenderActivityContext renders summary as markdown, folding detail in or
// out as tokenBudget shrinks — the same progressively-more-compact idiom
// BuildMessagesForSummary applies to message history in the teacher.
func RenderActivityContext(summary *ActivitySummary, detail DetailLevel, tokenBudget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Activity %s – %s\n\n", summary.Start.Format("2006-01-02"), summary.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "%d messages, %d document revisions.\n", summary.MessageCount, summary.RevisionCount)

	est := tokens.Get()
	if tokenBudget > 0 && est.Count(b.String()) >= tokenBudget {
		return b.String()
	}

	if detail == DetailBrief || len(summary.TopConversations) == 0 {
		return b.String()
	}

	b.WriteString("\nTop conversations:\n")
	for _, c := range summary.TopConversations {
		line := fmt.Sprintf("- %s (%d messages, last %s)\n", conversationLabel(c), c.MessageCount, c.LastActivityAt.Format(time.RFC3339))
		if tokenBudget > 0 && est.Count(b.String())+est.Count(line) > tokenBudget {
			break
		}
		b.WriteString(line)
		if detail != DetailFull {
			continue
		}
	}
	return b.String()
}

func conversationLabel(c ConversationActivity) string {
	if c.Title != "" {
		return c.Title
	}
	return string(c.ConversationID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
