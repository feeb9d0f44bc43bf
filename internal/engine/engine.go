package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mdvault/internal/publish"
	"mdvault/internal/remote"
	"mdvault/internal/render"
	"mdvault/internal/store"
)

// ErrVaultNotConfigured is returned when a vault has no remote root
// folder. No sync is attempted and no stale fallback applies.
var ErrVaultNotConfigured = errors.New("vault has no root folder configured")

// Document is one rendered note as served to callers.
type Document struct {
	StableID     string
	LegacyID     int64
	RemoteID     string
	Path         string
	Title        string
	HTML         string
	Markdown     string
	SearchText   string
	Tags         []string
	Meta         map[string]any
	Publish      publish.State
	ModifiedTime time.Time
}

// SearchEntry is the reduced projection handed to whatever indexes or
// lists documents. Visibility still has to be checked against the
// publish state; nothing here is pre-filtered.
type SearchEntry struct {
	StableID   string
	Title      string
	Path       string
	Tags       []string
	SearchText string
	Publish    publish.State
}

// SyncStats counts what a sync pass did.
type SyncStats struct {
	Listed      int
	Fetched     int
	Rendered    int
	Relinked    int
	Reused      int
	Deleted     int
	Failed      int
	Duration    time.Duration
	NewlyPublic []string
}

// VaultData is the in-memory snapshot of one vault after a sync pass.
// Documents is keyed by stable ID; Aliases maps every known alias
// (stable IDs and legacy numeric aliases, including soft-deleted
// documents) to the canonical stable ID.
type VaultData struct {
	VaultID       string
	Slug          string
	Documents     map[string]Document
	Aliases       map[string]string
	Tree          *Folder
	SearchEntries []SearchEntry
	LinkSig       string
	SyncedAt      time.Time
	Stale         bool
	SyncError     string
	Stats         SyncStats
}

// Document resolves an alias to its document. The second return is
// false when the alias is unknown or the document is soft-deleted.
func (d *VaultData) Document(alias string) (Document, bool) {
	id, ok := d.Aliases[alias]
	if !ok {
		return Document{}, false
	}
	doc, ok := d.Documents[id]
	return doc, ok
}

// SortedDocuments returns the documents ordered by path, independent
// of the order workers finished in.
func (d *VaultData) SortedDocuments() []Document {
	out := documentList(d.Documents)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Engine coordinates sync passes and serves vault snapshots from a
// TTL cache. Concurrent callers for the same vault are collapsed onto
// a single pass by a per-vault lock.
type Engine struct {
	store       *store.Store
	client      remote.Client
	renderer    *render.Renderer
	concurrency int
	ttl         time.Duration
	syncTimeout time.Duration
	locks       *vaultLocker
	log         *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]*VaultData
}

// Options configures an Engine. Zero fields fall back to defaults;
// a zero SyncTimeout disables the per-pass deadline.
type Options struct {
	Concurrency int
	CacheTTL    time.Duration
	SyncTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(st *store.Store, client remote.Client, renderer *render.Renderer, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 6
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       st,
		client:      client,
		renderer:    renderer,
		concurrency: opts.Concurrency,
		ttl:         opts.CacheTTL,
		syncTimeout: opts.SyncTimeout,
		locks:       newVaultLocker(),
		log:         opts.Logger,
		now:         opts.Now,
		cache:       make(map[string]*VaultData),
	}
}

// GetVaultData returns the vault snapshot, syncing first when the
// cached copy is older than the TTL or force is set. A forced pass
// also skips the per-document reuse branch: every listed document is
// fetched and rendered again, so renderer or sanitizer changes reach
// cached content. When a sync pass fails and an earlier snapshot
// exists, that snapshot is returned with Stale set and the failure
// recorded in SyncError. Only the first caller runs the pass; callers
// arriving during it block and then reuse its result.
func (e *Engine) GetVaultData(ctx context.Context, vaultID string, force bool) (*VaultData, error) {
	if d := e.cached(vaultID); d != nil && !force && !e.expired(d) {
		return d, nil
	}

	unlock := e.locks.Lock(vaultID)
	defer unlock()

	// Another caller may have completed a pass while we waited.
	if d := e.cached(vaultID); d != nil && !force && !e.expired(d) {
		return d, nil
	}

	vault, err := e.store.VaultByID(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if vault.RootFolderID == "" {
		return nil, fmt.Errorf("vault %s: %w", vault.Slug, ErrVaultNotConfigured)
	}

	sctx := ctx
	if e.syncTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, e.syncTimeout)
		defer cancel()
	}
	data, err := e.syncVault(sctx, vault, force)
	if err != nil {
		e.log.Error("sync failed", "vault", vault.Slug, "error", err)
		if err := e.store.SetVaultSyncResult(ctx, vault.ID, vault.LinkSig, "error", e.now()); err != nil {
			e.log.Error("record sync failure", "vault", vault.Slug, "error", err)
		}
		return e.degraded(ctx, vault, err)
	}

	e.setCached(vaultID, data)
	return data, nil
}

// Invalidate drops the cached snapshot so the next call syncs.
func (e *Engine) Invalidate(vaultID string) {
	e.mu.Lock()
	delete(e.cache, vaultID)
	e.mu.Unlock()
}

// Search runs a full-text query against the vault's indexed documents.
func (e *Engine) Search(ctx context.Context, vaultID, query string, limit int) ([]store.SearchHit, error) {
	return e.store.Search(ctx, vaultID, query, limit)
}

func (e *Engine) cached(vaultID string) *VaultData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache[vaultID]
}

func (e *Engine) setCached(vaultID string, d *VaultData) {
	e.mu.Lock()
	e.cache[vaultID] = d
	e.mu.Unlock()
}

func (e *Engine) expired(d *VaultData) bool {
	return e.now().Sub(d.SyncedAt) > e.ttl
}

// degraded serves the previous snapshot when a sync pass fails. The
// in-memory copy is preferred; after a restart the persisted state is
// reloaded instead. With nothing to fall back on the error surfaces.
func (e *Engine) degraded(ctx context.Context, vault store.Vault, syncErr error) (*VaultData, error) {
	prev := e.cached(vault.ID)
	if prev == nil {
		loaded, err := e.loadFromStore(ctx, vault)
		if err != nil {
			e.log.Error("load persisted snapshot", "vault", vault.Slug, "error", err)
		} else if len(loaded.Documents) > 0 {
			prev = loaded
		}
	}
	if prev == nil {
		return nil, fmt.Errorf("sync vault %s: %w", vault.Slug, syncErr)
	}
	stale := *prev
	stale.Stale = true
	stale.SyncError = syncErr.Error()
	e.setCached(vault.ID, &stale)
	return &stale, nil
}

// loadFromStore rebuilds a snapshot from persisted rows without
// touching the remote store.
func (e *Engine) loadFromStore(ctx context.Context, vault store.Vault) (*VaultData, error) {
	notes, err := e.store.LiveNotes(ctx, vault.ID)
	if err != nil {
		return nil, err
	}
	docs := make(map[string]Document, len(notes))
	for _, n := range notes {
		entry, ok, err := e.store.RenderCacheEntry(ctx, vault.ID, n.StableID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		state, ok, err := e.store.PublishStateFor(ctx, vault.ID, n.StableID)
		if err != nil {
			return nil, err
		}
		if !ok {
			state = publish.Compute(nil, entry.UpdatedAt)
		}
		docs[n.StableID] = Document{
			StableID:     n.StableID,
			LegacyID:     n.LegacyID,
			RemoteID:     n.RemoteID,
			Path:         n.Path,
			Title:        n.Title,
			HTML:         entry.HTML,
			Markdown:     entry.Markdown,
			SearchText:   entry.SearchText,
			Tags:         entry.Tags,
			Meta:         entry.Meta,
			Publish:      state,
			ModifiedTime: n.RemoteMTime,
		}
	}
	aliases, err := e.store.AliasPairs(ctx, vault.ID)
	if err != nil {
		return nil, err
	}
	data := &VaultData{
		VaultID:   vault.ID,
		Slug:      vault.Slug,
		Documents: docs,
		Aliases:   aliases,
		LinkSig:   vault.LinkSig,
		SyncedAt:  vault.LastSyncAt,
	}
	data.Tree = buildTree(documentList(docs))
	data.SearchEntries = searchEntries(docs)
	return data, nil
}

func documentList(m map[string]Document) []Document {
	out := make([]Document, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	return out
}

func searchEntries(m map[string]Document) []SearchEntry {
	out := make([]SearchEntry, 0, len(m))
	for _, d := range m {
		out = append(out, SearchEntry{
			StableID:   d.StableID,
			Title:      d.Title,
			Path:       d.Path,
			Tags:       d.Tags,
			SearchText: d.SearchText,
			Publish:    d.Publish,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
