package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mdvault/internal/auth"
)

type User struct {
	Name         string
	PasswordHash string
	IsAdmin      bool
}

func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("user name required")
	}
	_, err := s.execContext(ctx, `
		INSERT INTO users(name, password_hash, is_admin)
		VALUES(?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			password_hash = excluded.password_hash,
			is_admin = excluded.is_admin
	`, u.Name, u.PasswordHash, boolInt(u.IsAdmin))
	return err
}

func (s *Store) UserByName(ctx context.Context, name string) (User, error) {
	var (
		u       User
		isAdmin int
	)
	err := s.db.QueryRowContext(ctx, "SELECT name, password_hash, is_admin FROM users WHERE name=?", name).
		Scan(&u.Name, &u.PasswordHash, &isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IsAdmin = isAdmin != 0
	return u, nil
}

func (s *Store) SetVaultRole(ctx context.Context, vaultID, userName, role string) error {
	if auth.RoleRank(role) == 0 {
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := s.execContext(ctx, `
		INSERT INTO vault_roles(vault_id, user_name, role)
		VALUES(?, ?, ?)
		ON CONFLICT(vault_id, user_name) DO UPDATE SET role = excluded.role
	`, vaultID, userName, strings.ToLower(strings.TrimSpace(role)))
	return err
}

// VaultRole implements auth.RoleSource.
func (s *Store) VaultRole(ctx context.Context, userName, vaultID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, "SELECT role FROM vault_roles WHERE vault_id=? AND user_name=?", vaultID, userName).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RoleNone, nil
	}
	if err != nil {
		return auth.RoleNone, err
	}
	return role, nil
}
