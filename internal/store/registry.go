package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// StableID derives the durable document identity from a remote file
// identity. Deterministic so a process restart with an empty database
// reproduces the same identity for the same remote file.
func StableID(remoteID string) string {
	return "note-" + remoteID
}

type Note struct {
	VaultID     string
	RemoteID    string
	StableID    string
	LegacyID    int64
	Path        string
	Title       string
	RemoteMTime time.Time
	DeletedAt   *time.Time
}

// NoteByRemoteID returns the registry row for a remote file, live or
// soft-deleted.
func (s *Store) NoteByRemoteID(ctx context.Context, vaultID, remoteID string) (Note, error) {
	return s.noteWhere(ctx, "vault_id=? AND remote_id=?", vaultID, remoteID)
}

func (s *Store) NoteByStableID(ctx context.Context, vaultID, stableID string) (Note, error) {
	return s.noteWhere(ctx, "vault_id=? AND stable_id=?", vaultID, stableID)
}

func (s *Store) noteWhere(ctx context.Context, where string, args ...any) (Note, error) {
	var (
		n       Note
		mtime   int64
		deleted sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT vault_id, remote_id, stable_id, legacy_id, path, title, remote_mtime_unix, deleted_at_unix
		FROM notes WHERE `+where, args...).
		Scan(&n.VaultID, &n.RemoteID, &n.StableID, &n.LegacyID, &n.Path, &n.Title, &mtime, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	if mtime > 0 {
		n.RemoteMTime = time.Unix(mtime, 0).UTC()
	}
	n.DeletedAt = unixPtr(deleted)
	return n, nil
}

// NextLegacyID returns the next positional identity for a vault. Legacy ids
// are assigned once on first sighting and never reassigned.
func (s *Store) NextLegacyID(ctx context.Context, vaultID string) (int64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(legacy_id) FROM notes WHERE vault_id=?", vaultID).Scan(&maxID)
	if err != nil {
		return 0, err
	}
	return maxID.Int64 + 1, nil
}

// LiveNotes returns all non-deleted registry rows for a vault.
func (s *Store) LiveNotes(ctx context.Context, vaultID string) ([]Note, error) {
	return s.notesWhere(ctx, "vault_id=? AND deleted_at_unix IS NULL", vaultID)
}

// AllNotes includes soft-deleted rows; used for alias-map rebuilds and audit.
func (s *Store) AllNotes(ctx context.Context, vaultID string) ([]Note, error) {
	return s.notesWhere(ctx, "vault_id=?", vaultID)
}

func (s *Store) notesWhere(ctx context.Context, where string, args ...any) ([]Note, error) {
	rows, err := s.queryContext(ctx, `
		SELECT vault_id, remote_id, stable_id, legacy_id, path, title, remote_mtime_unix, deleted_at_unix
		FROM notes WHERE `+where+` ORDER BY path`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			n       Note
			mtime   int64
			deleted sql.NullInt64
		)
		if err := rows.Scan(&n.VaultID, &n.RemoteID, &n.StableID, &n.LegacyID, &n.Path, &n.Title, &mtime, &deleted); err != nil {
			return nil, err
		}
		if mtime > 0 {
			n.RemoteMTime = time.Unix(mtime, 0).UTC()
		}
		n.DeletedAt = unixPtr(deleted)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// MarkMissingDeleted soft-deletes every live registry row whose remote id is
// absent from seen. Rows are retained for alias resolution; the render
// cache and search rows for them are dropped.
func (s *Store) MarkMissingDeleted(ctx context.Context, vaultID string, seen map[string]bool, at time.Time) (int, error) {
	live, err := s.LiveNotes(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	var missing []Note
	for _, n := range live {
		if !seen[n.RemoteID] {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, n := range missing {
		if _, err := tx.ExecContext(ctx, "UPDATE notes SET deleted_at_unix=? WHERE vault_id=? AND remote_id=?", at.Unix(), vaultID, n.RemoteID); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM render_cache WHERE vault_id=? AND stable_id=?", vaultID, n.StableID); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM publish_state WHERE vault_id=? AND stable_id=?", vaultID, n.StableID); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM search WHERE vault_id=? AND stable_id=?", vaultID, n.StableID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(missing), nil
}

// AliasPairs returns (stableID, legacyID) for every row ever seen in the
// vault, soft-deleted included, for the in-memory alias map.
func (s *Store) AliasPairs(ctx context.Context, vaultID string) (map[string]string, error) {
	notes, err := s.AllNotes(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	aliases := make(map[string]string, len(notes)*2)
	for _, n := range notes {
		aliases[n.StableID] = n.StableID
		aliases[LegacyAlias(n.LegacyID)] = n.StableID
	}
	return aliases, nil
}

// LegacyAlias is the string form a backward-compatible permalink carries.
func LegacyAlias(id int64) string {
	return "legacy-" + strconv.FormatInt(id, 10)
}
