package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Vault struct {
	ID                  string
	Slug                string
	Name                string
	RootFolderID        string
	AttachmentsFolderID string
	IsDefault           bool
	LinkSig             string
	LastSyncAt          time.Time
	LastSyncStatus      string
}

func (s *Store) CreateVault(ctx context.Context, v Vault) (Vault, error) {
	if strings.TrimSpace(v.Slug) == "" {
		return Vault{}, errors.New("vault slug required")
	}
	if strings.TrimSpace(v.RootFolderID) == "" {
		return Vault{}, errors.New("vault root folder required")
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Name == "" {
		v.Name = v.Slug
	}
	if v.IsDefault {
		if _, err := s.execContext(ctx, "UPDATE vaults SET is_default=0"); err != nil {
			return Vault{}, err
		}
	}
	_, err := s.execContext(ctx, `
		INSERT INTO vaults(id, slug, name, root_folder_id, attachments_folder_id, is_default)
		VALUES(?, ?, ?, ?, ?, ?)
	`, v.ID, v.Slug, v.Name, v.RootFolderID, nullIfEmpty(v.AttachmentsFolderID), boolInt(v.IsDefault))
	if err != nil {
		return Vault{}, fmt.Errorf("create vault %s: %w", v.Slug, err)
	}
	return v, nil
}

func (s *Store) VaultByID(ctx context.Context, id string) (Vault, error) {
	return s.vaultWhere(ctx, "id=?", id)
}

func (s *Store) VaultBySlug(ctx context.Context, slug string) (Vault, error) {
	return s.vaultWhere(ctx, "slug=?", slug)
}

func (s *Store) vaultWhere(ctx context.Context, where string, arg any) (Vault, error) {
	var (
		v           Vault
		attachments sql.NullString
		isDefault   int
		lastSync    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, root_folder_id, attachments_folder_id, is_default, link_sig, last_sync_unix, last_sync_status
		FROM vaults WHERE `+where, arg).
		Scan(&v.ID, &v.Slug, &v.Name, &v.RootFolderID, &attachments, &isDefault, &v.LinkSig, &lastSync, &v.LastSyncStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return Vault{}, ErrNotFound
	}
	if err != nil {
		return Vault{}, err
	}
	v.AttachmentsFolderID = attachments.String
	v.IsDefault = isDefault != 0
	if lastSync > 0 {
		v.LastSyncAt = time.Unix(lastSync, 0).UTC()
	}
	return v, nil
}

func (s *Store) ListVaults(ctx context.Context) ([]Vault, error) {
	rows, err := s.queryContext(ctx, "SELECT id FROM vaults ORDER BY slug")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	vaults := make([]Vault, 0, len(ids))
	for _, id := range ids {
		v, err := s.VaultByID(ctx, id)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, v)
	}
	return vaults, nil
}

// SetVaultSyncResult persists the link-map signature and sync bookkeeping
// after a pass, successful or degraded.
func (s *Store) SetVaultSyncResult(ctx context.Context, vaultID, linkSig, status string, at time.Time) error {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		status = "unknown"
	}
	_, err := s.execContext(ctx, `
		UPDATE vaults SET link_sig=?, last_sync_unix=?, last_sync_status=? WHERE id=?
	`, linkSig, at.Unix(), status, vaultID)
	return err
}

// IsDefaultVault implements the auth.RoleSource default-vault check.
func (s *Store) IsDefaultVault(ctx context.Context, vaultID string) (bool, error) {
	var isDefault int
	err := s.db.QueryRowContext(ctx, "SELECT is_default FROM vaults WHERE id=?", vaultID).Scan(&isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isDefault != 0, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
