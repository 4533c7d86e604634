// Package wire defines the on-disk and over-the-wire shape of message
// content: a tagged sum type with exactly five variants, discriminated by
// a Type field the same way internal/types.ContentBlock discriminates
// text/image/audio in the teacher package this one generalizes.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/noema/ucm/internal/ids"
)

// ItemType names one of the five message-content variants.
type ItemType string

const (
	ItemTextRef     ItemType = "text-ref"
	ItemAssetRef    ItemType = "asset-ref"
	ItemDocumentRef ItemType = "document-ref"
	ItemToolCall    ItemType = "tool-call"
	ItemToolResult  ItemType = "tool-result"
)

// ResultPartType names one of the variants a ToolResult's content may
// carry.
type ResultPartType string

const (
	ResultText  ResultPartType = "text"
	ResultImage ResultPartType = "image"
	ResultAudio ResultPartType = "audio"
)

// ResultPart is one piece of a ToolResult's content array.
type ResultPart struct {
	Type ResultPartType `json:"type"`
	Text string         `json:"text,omitempty"`
	Data string         `json:"data,omitempty"`
	Mime string         `json:"mime,omitempty"`
}

// TextResultPart builds a text ResultPart.
func TextResultPart(text string) ResultPart { return ResultPart{Type: ResultText, Text: text} }

// ImageResultPart builds an image ResultPart carrying base64 data.
func ImageResultPart(data, mime string) ResultPart {
	return ResultPart{Type: ResultImage, Data: data, Mime: mime}
}

// AudioResultPart builds an audio ResultPart carrying base64 data.
func AudioResultPart(data, mime string) ResultPart {
	return ResultPart{Type: ResultAudio, Data: data, Mime: mime}
}

// Item is a single message content item. Exactly one variant's fields are
// populated, selected by Type. This mirrors the teacher's ContentBlock
// struct but carries references (content/asset/document ids) instead of
// inline bytes, and adds the tool-call/tool-result variants the spec
// requires.
type Item struct {
	Type ItemType `json:"type"`

	// TextRef
	ContentID ids.ContentBlockID `json:"content_id,omitempty"`

	// AssetRef
	AssetID  ids.AssetID `json:"asset_id,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Filename string      `json:"filename,omitempty"`

	// DocumentRef
	DocumentID ids.DocumentID `json:"document_id,omitempty"`
	TabID      ids.TabID      `json:"tab_id,omitempty"`
	Title      string         `json:"title,omitempty"`

	// ToolCall
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`

	// ToolResult
	ToolResultOf string       `json:"tool_result_of,omitempty"`
	ResultParts  []ResultPart `json:"result_parts,omitempty"`

	// Inline payload, present only before the storage coordinator
	// externalizes it (§4.9). Never durable: a committed message must
	// not retain InlineData once persisted.
	InlineData string `json:"-"`
	InlinePriv bool   `json:"-"`

	// RawText carries un-materialized text on a text-ref item submitted
	// to Session.Commit, before the session turns it into a content
	// block and fills in ContentID. Never durable, mirroring InlineData.
	RawText    string `json:"-"`
	RawPrivate bool   `json:"-"`
}

// TextRef builds a text-ref item.
func TextRef(id ids.ContentBlockID) Item {
	return Item{Type: ItemTextRef, ContentID: id}
}

// Text builds a not-yet-materialized text-ref item: Session.Commit stores
// the text as a content block and rewrites this into a durable TextRef
// before it reaches the turn store.
func Text(text string, private bool) Item {
	return Item{Type: ItemTextRef, RawText: text, RawPrivate: private}
}

// IsRawText reports whether this item still carries un-materialized text
// awaiting a content-block id.
func (i Item) IsRawText() bool { return i.Type == ItemTextRef && i.ContentID == "" && i.RawText != "" }

// AssetRef builds an asset-ref item.
func AssetRef(id ids.AssetID, mime, filename string) Item {
	return Item{Type: ItemAssetRef, AssetID: id, MimeType: mime, Filename: filename}
}

// DocumentRef builds a document-ref item.
func DocumentRef(docID ids.DocumentID, tabID ids.TabID, title string) Item {
	return Item{Type: ItemDocumentRef, DocumentID: docID, TabID: tabID, Title: title}
}

// ToolCall builds a tool-call item.
func ToolCall(id, name string, args json.RawMessage) Item {
	return Item{Type: ItemToolCall, ToolCallID: id, ToolName: name, ToolArgs: args}
}

// ToolResult builds a tool-result item.
func ToolResult(toolCallID string, parts []ResultPart) Item {
	return Item{Type: ItemToolResult, ToolResultOf: toolCallID, ResultParts: parts}
}

// InlineImage builds a not-yet-externalized inline image item. Only valid
// as input to a session commit; the storage coordinator rewrites it to an
// AssetRef before the message becomes durable (§4.9).
func InlineImage(data, mime, filename string, isPrivate bool) Item {
	return Item{Type: ItemAssetRef, InlineData: data, MimeType: mime, Filename: filename, InlinePriv: isPrivate}
}

// InlineAudio builds a not-yet-externalized inline audio item.
func InlineAudio(data, mime, filename string, isPrivate bool) Item {
	return Item{Type: ItemAssetRef, InlineData: data, MimeType: mime, Filename: filename, InlinePriv: isPrivate}
}

// IsInline reports whether this item still carries undecoded inline bytes
// awaiting externalization by the storage coordinator.
func (i Item) IsInline() bool { return i.Type == ItemAssetRef && i.InlineData != "" && i.AssetID == "" }

// Validate checks that exactly the fields appropriate to Type are
// meaningfully populated. It is a best-effort structural check, not a
// full schema validator.
func (i Item) Validate() error {
	switch i.Type {
	case ItemTextRef:
		if i.ContentID == "" && !i.IsRawText() {
			return fmt.Errorf("text-ref: missing content_id")
		}
	case ItemAssetRef:
		if i.AssetID == "" && !i.IsInline() {
			return fmt.Errorf("asset-ref: missing asset_id")
		}
	case ItemDocumentRef:
		if i.DocumentID == "" {
			return fmt.Errorf("document-ref: missing document_id")
		}
	case ItemToolCall:
		if i.ToolCallID == "" || i.ToolName == "" {
			return fmt.Errorf("tool-call: missing id or name")
		}
	case ItemToolResult:
		if i.ToolResultOf == "" {
			return fmt.Errorf("tool-result: missing tool_result_of")
		}
	default:
		return fmt.Errorf("unknown item type %q", i.Type)
	}
	return nil
}

// Items is a content item sequence, the unit persisted per message.
type Items []Item

// MarshalJSON and UnmarshalJSON are the default struct-tag encodings;
// Items round-trips through encoding/json with no custom logic needed
// since Item's fields are already omitempty-tagged per variant.

// Encode serializes Items for storage in the message_content table's JSON
// column.
func Encode(items Items) ([]byte, error) { return json.Marshal(items) }

// Decode parses Items from a message_content JSON column.
func Decode(data []byte) (Items, error) {
	var items Items
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
