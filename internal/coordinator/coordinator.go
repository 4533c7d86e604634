// Package coordinator externalizes inline binary payloads committed with
// a message into content-addressed blob storage before they become
// durable (spec §4.9). Grounded on internal/media/resolve.go and
// internal/media/store.go's file-path-vs-base64-data duality
// (types.ContentBlock.FilePath vs .Data), generalized into the spec's
// AssetRef-rewrite algorithm. Installed once and held behind an RWMutex
// so tests can rebind the concrete backends (§9 "shared mutable state").
package coordinator

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/noema/ucm/internal/asset"
	"github.com/noema/ucm/internal/blobstore"
	"github.com/noema/ucm/internal/ids"
	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/wire"
)

// Coordinator rewrites inline binary message content into asset
// references backed by a blob store, and can re-inflate references back
// into inline bytes for models that cannot consume references.
type Coordinator struct {
	mu      sync.RWMutex
	blobs   *blobstore.Store
	assets  *asset.Store
}

// New builds a Coordinator over blobs and assets.
func New(blobs *blobstore.Store, assets *asset.Store) *Coordinator {
	return &Coordinator{blobs: blobs, assets: assets}
}

// Rebind swaps the backing stores, used by tests to point at a fresh
// fixture without reconstructing every caller's Coordinator reference.
func (c *Coordinator) Rebind(blobs *blobstore.Store, assets *asset.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs, c.assets = blobs, assets
}

// Externalize walks content, decoding and storing any item still carrying
// inline bytes (wire.Item.IsInline), rewriting it in place to a durable
// asset-ref. Items the blob write fails for are left as-is (with a
// warning logged) rather than aborting the whole commit (§4.9 failure
// policy) — the caller decides whether to surface that upstream.
func (c *Coordinator) Externalize(ctx context.Context, content wire.Items) wire.Items {
	c.mu.RLock()
	blobs, assets := c.blobs, c.assets
	c.mu.RUnlock()

	out := make(wire.Items, len(content))
	for i, item := range content {
		if !item.IsInline() {
			out[i] = item
			continue
		}

		data, err := base64.StdEncoding.DecodeString(item.InlineData)
		if err != nil {
			L_warn("coordinator: inline payload is not valid base64, persisting as-is", "error", err)
			out[i] = item
			continue
		}

		digest, err := blobs.Put(data)
		if err != nil {
			L_warn("coordinator: blob write failed, persisting inline payload as-is", "error", err)
			out[i] = item
			continue
		}

		mime := item.MimeType
		if mime == "" {
			mime = asset.DetectMIME(data)
		}

		assetID := ids.AssetID(digest)
		if _, err := assets.Store(ctx, asset.Meta{
			ID:        assetID,
			MimeType:  mime,
			Filename:  item.Filename,
			SizeBytes: int64(len(data)),
			IsPrivate: item.InlinePriv,
		}); err != nil {
			L_warn("coordinator: asset metadata write failed, persisting inline payload as-is", "error", err)
			out[i] = item
			continue
		}

		out[i] = wire.AssetRef(assetID, mime, item.Filename)
		L_debug("coordinator: externalized inline payload", "asset_id", assetID, "mime", mime, "bytes", len(data))
	}
	return out
}

// Inflate is the inverse of Externalize: it re-expands asset-ref items
// into inline base64 payloads for a model that cannot consume references.
// Items whose blob cannot be read are dropped rather than failing the
// whole materialization.
func (c *Coordinator) Inflate(ctx context.Context, content wire.Items) wire.Items {
	c.mu.RLock()
	blobs := c.blobs
	c.mu.RUnlock()

	out := make(wire.Items, 0, len(content))
	for _, item := range content {
		if item.Type != wire.ItemAssetRef || item.AssetID == "" {
			out = append(out, item)
			continue
		}
		data, err := blobs.Get(string(item.AssetID))
		if err != nil {
			L_warn("coordinator: could not inflate asset ref, dropping", "asset_id", item.AssetID, "error", err)
			continue
		}
		inflated := item
		inflated.InlineData = base64.StdEncoding.EncodeToString(data)
		out = append(out, inflated)
	}
	return out
}
