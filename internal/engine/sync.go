package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mdvault/internal/publish"
	"mdvault/internal/remote"
	"mdvault/internal/render"
	"mdvault/internal/store"
)

// syncPass carries the shared state of one pass over a vault. The
// known and legacy maps are built before the fan-out and read-only
// during it; only docs and stats need the mutex.
type syncPass struct {
	vault     store.Vault
	links     render.LinkMap
	relinkAll bool
	force     bool
	started   time.Time
	known     map[string]store.Note
	legacy    map[string]int64

	mu    sync.Mutex
	docs  map[string]Document
	stats SyncStats
}

func (p *syncPass) record(doc Document, count func(*SyncStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[doc.StableID] = doc
	count(&p.stats)
}

func (p *syncPass) fail() {
	p.mu.Lock()
	p.stats.Failed++
	p.mu.Unlock()
}

// syncVault runs one full pass: list the remote tree, detect link-map
// changes, bring every document up to date with bounded concurrency,
// soft-delete what disappeared, and assemble the snapshot. force
// disables cache reuse for every document.
func (e *Engine) syncVault(ctx context.Context, vault store.Vault, force bool) (*VaultData, error) {
	started := e.now()

	docs, err := remote.ListTree(ctx, e.client, vault.RootFolderID)
	if err != nil {
		return nil, fmt.Errorf("list vault %s: %w", vault.Slug, err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	sig := linkSignature(docs)
	relinkAll := sig != vault.LinkSig
	if relinkAll && vault.LinkSig != "" {
		if err := e.store.MarkVaultNeedsRelink(ctx, vault.ID); err != nil {
			return nil, fmt.Errorf("flag relink for vault %s: %w", vault.Slug, err)
		}
	}

	known, err := e.store.AllNotes(ctx, vault.ID)
	if err != nil {
		return nil, fmt.Errorf("load registry for vault %s: %w", vault.Slug, err)
	}
	knownByRemote := make(map[string]store.Note, len(known))
	var maxLegacy int64
	for _, n := range known {
		knownByRemote[n.RemoteID] = n
		if n.LegacyID > maxLegacy {
			maxLegacy = n.LegacyID
		}
	}

	// Legacy ids for first-sighted documents are handed out in path
	// order, so the assignment does not depend on which worker
	// finishes first.
	legacy := make(map[string]int64, len(docs))
	next := maxLegacy + 1
	for _, entry := range docs {
		if n, ok := knownByRemote[entry.RemoteID]; ok {
			legacy[entry.RemoteID] = n.LegacyID
			continue
		}
		legacy[entry.RemoteID] = next
		next++
	}

	pass := &syncPass{
		vault:     vault,
		links:     buildLinkMap(docs),
		relinkAll: relinkAll,
		force:     force,
		started:   started,
		known:     knownByRemote,
		legacy:    legacy,
		docs:      make(map[string]Document, len(docs)),
		stats:     SyncStats{Listed: len(docs)},
	}

	seen := make(map[string]bool, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, entry := range docs {
		seen[entry.RemoteID] = true
		g.Go(func() error {
			return e.syncDocument(gctx, pass, entry)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	deleted, err := e.store.MarkMissingDeleted(ctx, vault.ID, seen, e.now())
	if err != nil {
		return nil, fmt.Errorf("reconcile deletions for vault %s: %w", vault.Slug, err)
	}
	pass.stats.Deleted = deleted

	if err := e.store.SetVaultSyncResult(ctx, vault.ID, sig, "ok", e.now()); err != nil {
		return nil, fmt.Errorf("record sync for vault %s: %w", vault.Slug, err)
	}
	aliases, err := e.store.AliasPairs(ctx, vault.ID)
	if err != nil {
		return nil, fmt.Errorf("load aliases for vault %s: %w", vault.Slug, err)
	}

	pass.stats.Duration = e.now().Sub(started)
	data := &VaultData{
		VaultID:   vault.ID,
		Slug:      vault.Slug,
		Documents: pass.docs,
		Aliases:   aliases,
		LinkSig:   sig,
		SyncedAt:  started,
		Stats:     pass.stats,
	}
	data.Tree = buildTree(documentList(pass.docs))
	data.SearchEntries = searchEntries(pass.docs)
	e.log.Info("vault synced",
		"vault", vault.Slug,
		"listed", pass.stats.Listed,
		"fetched", pass.stats.Fetched,
		"rendered", pass.stats.Rendered,
		"relinked", pass.stats.Relinked,
		"reused", pass.stats.Reused,
		"deleted", pass.stats.Deleted,
		"failed", pass.stats.Failed,
		"elapsed", pass.stats.Duration)
	return data, nil
}

// syncDocument brings one listed document up to date. Unchanged
// documents are served from the render cache without any remote call;
// documents whose links went stale are re-rendered from the cached
// markdown, still without a fetch; everything else is fetched, parsed,
// and rendered. Parse and render failures are logged and skipped so a
// single malformed document cannot take down the pass. Remote and
// persistence failures abort it. A forced pass takes the fetch branch
// unconditionally.
func (e *Engine) syncDocument(ctx context.Context, pass *syncPass, entry remote.Entry) error {
	note, exists := pass.known[entry.RemoteID]
	unchanged := !pass.force && exists &&
		note.RemoteMTime.Unix() == entry.ModifiedTime.Unix() &&
		note.Path == entry.Path &&
		note.DeletedAt == nil

	var (
		doc   Document
		err   error
		count func(*SyncStats)
	)
	switch {
	case unchanged:
		var cached store.CacheEntry
		var ok bool
		cached, ok, err = e.store.RenderCacheEntry(ctx, pass.vault.ID, note.StableID)
		if err != nil {
			return fmt.Errorf("read render cache for %s: %w", entry.Path, err)
		}
		switch {
		case ok && !cached.NeedsRelink && !pass.relinkAll:
			doc, err = e.reuseDocument(ctx, pass, note, cached)
			count = func(s *SyncStats) { s.Reused++ }
		case ok:
			doc, err = e.relinkDocument(ctx, pass, entry, note, cached)
			count = func(s *SyncStats) { s.Relinked++ }
		default:
			// Cache row is gone; fetch as if the document changed.
			doc, err = e.renderDocument(ctx, pass, entry)
			count = func(s *SyncStats) { s.Rendered++ }
		}
	default:
		doc, err = e.renderDocument(ctx, pass, entry)
		count = func(s *SyncStats) { s.Rendered++ }
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var skip *skipError
		if errors.As(err, &skip) {
			e.log.Warn("document skipped", "vault", pass.vault.Slug, "path", entry.Path, "error", err)
			pass.fail()
			return nil
		}
		return err
	}
	pass.record(doc, count)
	return nil
}

// reuseDocument serves the cached rendering verbatim. The publish
// state is still re-evaluated against the pass clock: a scheduled
// document whose publish time passed since the previous sync becomes
// newly public here even though nothing was fetched or rendered.
func (e *Engine) reuseDocument(ctx context.Context, pass *syncPass, note store.Note, cached store.CacheEntry) (Document, error) {
	state, ok, err := e.store.PublishStateFor(ctx, pass.vault.ID, note.StableID)
	if err != nil {
		return Document{}, fmt.Errorf("read publish state for %s: %w", note.Path, err)
	}
	if !ok {
		state = publish.Compute(cached.Meta, pass.started)
	} else {
		wasPublic := publish.PubliclyVisible(state, pass.vault.LastSyncAt)
		if publish.PubliclyVisible(state, pass.started) && !wasPublic {
			pass.mu.Lock()
			pass.stats.NewlyPublic = append(pass.stats.NewlyPublic, note.StableID)
			pass.mu.Unlock()
		}
	}
	return Document{
		StableID:     note.StableID,
		LegacyID:     note.LegacyID,
		RemoteID:     note.RemoteID,
		Path:         note.Path,
		Title:        note.Title,
		HTML:         cached.HTML,
		Markdown:     cached.Markdown,
		SearchText:   cached.SearchText,
		Tags:         cached.Tags,
		Meta:         cached.Meta,
		Publish:      state,
		ModifiedTime: note.RemoteMTime,
	}, nil
}

// relinkDocument re-renders from the cached markdown with the current
// link map. The remote store is not contacted.
func (e *Engine) relinkDocument(ctx context.Context, pass *syncPass, entry remote.Entry, note store.Note, cached store.CacheEntry) (Document, error) {
	res, err := e.renderer.RenderDocument(path.Base(entry.Path), cached.Markdown, cached.Meta, pass.links)
	if err != nil {
		return Document{}, &skipError{err: fmt.Errorf("relink %s: %w", entry.Path, err)}
	}
	return e.persistDocument(ctx, pass, entry, note.LegacyID, cached.Markdown, cached.Meta, res)
}

// skipError marks a failure confined to one document. Anything not
// wrapped in it aborts the whole pass.
type skipError struct{ err error }

func (s *skipError) Error() string { return s.err.Error() }
func (s *skipError) Unwrap() error { return s.err }

// renderDocument fetches, parses, and renders one document.
func (e *Engine) renderDocument(ctx context.Context, pass *syncPass, entry remote.Entry) (Document, error) {
	raw, err := e.client.GetContent(ctx, entry.RemoteID)
	if err != nil {
		return Document{}, fmt.Errorf("fetch %s: %w", entry.Path, err)
	}
	pass.mu.Lock()
	pass.stats.Fetched++
	pass.mu.Unlock()

	fm, body, err := render.ParseFrontmatter(raw)
	if err != nil {
		return Document{}, &skipError{err: fmt.Errorf("parse %s: %w", entry.Path, err)}
	}
	res, err := e.renderer.RenderDocument(path.Base(entry.Path), body, fm, pass.links)
	if err != nil {
		return Document{}, &skipError{err: fmt.Errorf("render %s: %w", entry.Path, err)}
	}
	return e.persistDocument(ctx, pass, entry, pass.legacy[entry.RemoteID], body, fm, res)
}

// persistDocument writes registry, cache, publish state, and search
// index in one transaction, tracking documents that just became
// publicly visible.
func (e *Engine) persistDocument(ctx context.Context, pass *syncPass, entry remote.Entry, legacyID int64, markdown string, fm map[string]any, res render.Result) (Document, error) {
	stableID := store.StableID(entry.RemoteID)
	state := publish.Compute(fm, pass.started)

	prev, hadPrev, err := e.store.PublishStateFor(ctx, pass.vault.ID, stableID)
	if err != nil {
		return Document{}, fmt.Errorf("read publish state for %s: %w", entry.Path, err)
	}
	// The previous state is judged at the previous sync instant, so a
	// schedule that elapsed between passes registers as a transition.
	wasPublic := hadPrev && publish.PubliclyVisible(prev, pass.vault.LastSyncAt)
	isPublic := publish.PubliclyVisible(state, pass.started)

	w := store.DocumentWrite{
		Note: store.Note{
			VaultID:     pass.vault.ID,
			RemoteID:    entry.RemoteID,
			StableID:    stableID,
			LegacyID:    legacyID,
			Path:        entry.Path,
			Title:       res.Title,
			RemoteMTime: entry.ModifiedTime,
		},
		Cache: store.CacheEntry{
			VaultID:    pass.vault.ID,
			StableID:   stableID,
			HTML:       res.HTML,
			Markdown:   markdown,
			SearchText: res.SearchText,
			Tags:       res.Tags,
			Meta:       fm,
			UpdatedAt:  e.now(),
		},
		Publish: state,
	}
	if err := e.store.UpsertDocument(ctx, w); err != nil {
		return Document{}, fmt.Errorf("persist %s: %w", entry.Path, err)
	}

	doc := Document{
		StableID:     stableID,
		LegacyID:     legacyID,
		RemoteID:     entry.RemoteID,
		Path:         entry.Path,
		Title:        res.Title,
		HTML:         res.HTML,
		Markdown:     markdown,
		SearchText:   res.SearchText,
		Tags:         res.Tags,
		Meta:         fm,
		Publish:      state,
		ModifiedTime: entry.ModifiedTime,
	}
	if isPublic && !wasPublic {
		pass.mu.Lock()
		pass.stats.NewlyPublic = append(pass.stats.NewlyPublic, stableID)
		pass.mu.Unlock()
	}
	return doc, nil
}
