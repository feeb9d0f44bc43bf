package store

const schemaVersion = 3

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vaults (
	id TEXT PRIMARY KEY,
	slug TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	root_folder_id TEXT NOT NULL,
	attachments_folder_id TEXT,
	is_default INTEGER NOT NULL DEFAULT 0,
	link_sig TEXT NOT NULL DEFAULT '',
	last_sync_unix INTEGER NOT NULL DEFAULT 0,
	last_sync_status TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS notes (
	id INTEGER PRIMARY KEY,
	vault_id TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	stable_id TEXT NOT NULL,
	legacy_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	remote_mtime_unix INTEGER NOT NULL DEFAULT 0,
	deleted_at_unix INTEGER,
	UNIQUE(vault_id, remote_id),
	UNIQUE(vault_id, stable_id)
);

CREATE INDEX IF NOT EXISTS notes_by_vault_live ON notes(vault_id, deleted_at_unix);

CREATE TABLE IF NOT EXISTS render_cache (
	vault_id TEXT NOT NULL,
	stable_id TEXT NOT NULL,
	html TEXT NOT NULL,
	markdown TEXT NOT NULL,
	search_text TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	meta TEXT NOT NULL DEFAULT '{}',
	needs_relink INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL,
	PRIMARY KEY(vault_id, stable_id)
);

CREATE TABLE IF NOT EXISTS publish_state (
	vault_id TEXT NOT NULL,
	stable_id TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT 'public',
	is_draft INTEGER NOT NULL DEFAULT 0,
	is_unlisted INTEGER NOT NULL DEFAULT 0,
	published_at_unix INTEGER,
	unpublish_at_unix INTEGER,
	updated_by TEXT NOT NULL DEFAULT 'sync',
	updated_at_unix INTEGER NOT NULL,
	PRIMARY KEY(vault_id, stable_id)
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	is_admin INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vault_roles (
	vault_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY(vault_id, user_name)
);

CREATE VIRTUAL TABLE IF NOT EXISTS search USING fts5(
	vault_id UNINDEXED,
	stable_id UNINDEXED,
	title,
	body
);
`
