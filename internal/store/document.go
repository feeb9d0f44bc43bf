package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mdvault/internal/publish"
)

type CacheEntry struct {
	VaultID     string
	StableID    string
	HTML        string
	Markdown    string
	SearchText  string
	Tags        []string
	Meta        map[string]any
	NeedsRelink bool
	UpdatedAt   time.Time
}

// DocumentWrite is the unit persisted per (re)rendered document: the
// registry row, the render-cache row, and the publish-state row.
type DocumentWrite struct {
	Note    Note
	Cache   CacheEntry
	Publish publish.State
}

// UpsertDocument writes all three rows in one transaction, so a crash can
// never leave a document's cache and publish state inconsistent. A
// reappearing remote id has its delete timestamp cleared.
func (s *Store) UpsertDocument(ctx context.Context, w DocumentWrite) error {
	tagsJSON, err := json.Marshal(w.Cache.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metaJSON, err := json.Marshal(w.Cache.Meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	n := w.Note
	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes(vault_id, remote_id, stable_id, legacy_id, path, title, remote_mtime_unix, deleted_at_unix)
		VALUES(?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(vault_id, remote_id) DO UPDATE SET
			path = excluded.path,
			title = excluded.title,
			remote_mtime_unix = excluded.remote_mtime_unix,
			deleted_at_unix = NULL
	`, n.VaultID, n.RemoteID, n.StableID, n.LegacyID, n.Path, n.Title, n.RemoteMTime.Unix())
	if err != nil {
		return fmt.Errorf("upsert note %s: %w", n.Path, err)
	}

	c := w.Cache
	_, err = tx.ExecContext(ctx, `
		INSERT INTO render_cache(vault_id, stable_id, html, markdown, search_text, tags, meta, needs_relink, updated_at_unix)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vault_id, stable_id) DO UPDATE SET
			html = excluded.html,
			markdown = excluded.markdown,
			search_text = excluded.search_text,
			tags = excluded.tags,
			meta = excluded.meta,
			needs_relink = excluded.needs_relink,
			updated_at_unix = excluded.updated_at_unix
	`, n.VaultID, n.StableID, c.HTML, c.Markdown, c.SearchText, string(tagsJSON), string(metaJSON), boolInt(c.NeedsRelink), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert render cache %s: %w", n.StableID, err)
	}

	p := w.Publish
	_, err = tx.ExecContext(ctx, `
		INSERT INTO publish_state(vault_id, stable_id, visibility, is_draft, is_unlisted, published_at_unix, unpublish_at_unix, updated_by, updated_at_unix)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vault_id, stable_id) DO UPDATE SET
			visibility = excluded.visibility,
			is_draft = excluded.is_draft,
			is_unlisted = excluded.is_unlisted,
			published_at_unix = excluded.published_at_unix,
			unpublish_at_unix = excluded.unpublish_at_unix,
			updated_by = excluded.updated_by,
			updated_at_unix = excluded.updated_at_unix
	`, n.VaultID, n.StableID, p.Visibility, boolInt(p.IsDraft), boolInt(p.IsUnlisted),
		nullableUnix(p.PublishedAt), nullableUnix(p.UnpublishAt), p.UpdatedBy, c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert publish state %s: %w", n.StableID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM search WHERE vault_id=? AND stable_id=?", n.VaultID, n.StableID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO search(vault_id, stable_id, title, body) VALUES(?, ?, ?, ?)",
		n.VaultID, n.StableID, n.Title, c.SearchText); err != nil {
		return err
	}

	return tx.Commit()
}

// RenderCacheEntry returns the cached render for a live document.
func (s *Store) RenderCacheEntry(ctx context.Context, vaultID, stableID string) (CacheEntry, bool, error) {
	var (
		entry       CacheEntry
		tagsJSON    string
		metaJSON    string
		needsRelink int
		updated     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT html, markdown, search_text, tags, meta, needs_relink, updated_at_unix
		FROM render_cache WHERE vault_id=? AND stable_id=?
	`, vaultID, stableID).
		Scan(&entry.HTML, &entry.Markdown, &entry.SearchText, &tagsJSON, &metaJSON, &needsRelink, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.VaultID = vaultID
	entry.StableID = stableID
	entry.NeedsRelink = needsRelink != 0
	entry.UpdatedAt = time.Unix(updated, 0).UTC()
	if err := json.Unmarshal([]byte(tagsJSON), &entry.Tags); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode cached tags %s: %w", stableID, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &entry.Meta); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode cached metadata %s: %w", stableID, err)
	}
	return entry, true, nil
}

// MarkVaultNeedsRelink flags every cached render in the vault as stale with
// respect to the link map. Flags are cleared per document as the sync pass
// re-renders them, so an interrupted pass leaves the remainder marked.
func (s *Store) MarkVaultNeedsRelink(ctx context.Context, vaultID string) error {
	_, err := s.execContext(ctx, "UPDATE render_cache SET needs_relink=1 WHERE vault_id=?", vaultID)
	return err
}

// PublishStateFor returns the persisted publish state of a document, used
// to detect newly-public transitions before overwriting it.
func (s *Store) PublishStateFor(ctx context.Context, vaultID, stableID string) (publish.State, bool, error) {
	var (
		state       publish.State
		isDraft     int
		isUnlisted  int
		publishedAt sql.NullInt64
		unpublishAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT visibility, is_draft, is_unlisted, published_at_unix, unpublish_at_unix, updated_by
		FROM publish_state WHERE vault_id=? AND stable_id=?
	`, vaultID, stableID).
		Scan(&state.Visibility, &isDraft, &isUnlisted, &publishedAt, &unpublishAt, &state.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return publish.State{}, false, nil
	}
	if err != nil {
		return publish.State{}, false, err
	}
	state.IsDraft = isDraft != 0
	state.IsUnlisted = isUnlisted != 0
	state.PublishedAt = unixPtr(publishedAt)
	state.UnpublishAt = unixPtr(unpublishAt)
	return state, true, nil
}

type SearchHit struct {
	StableID string
	Title    string
	Snippet  string
}

// Search runs an FTS query scoped to one vault. Visibility filtering is the
// caller's job, through the publish predicates.
func (s *Store) Search(ctx context.Context, vaultID, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.queryContext(ctx, `
		SELECT stable_id, title, snippet(search, 3, '', '', '...', 10)
		FROM search WHERE vault_id=? AND search MATCH ? LIMIT ?
	`, vaultID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.StableID, &h.Title, &h.Snippet); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
