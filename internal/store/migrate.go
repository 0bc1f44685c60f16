package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Migrate creates the schema and applies additive migrations. It is
// idempotent: tables and indexes are created IF NOT EXISTS, and columns are
// probed for presence before being added. Nothing is ever dropped on upgrade.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range createTables {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Conditional column adds: folder_id arrived after the initial schema.
	conditional := []struct{ table, column, ddl string }{
		{"notes", "folder_id", "ALTER TABLE notes ADD COLUMN folder_id TEXT REFERENCES folders(id)"},
		{"tasks", "folder_id", "ALTER TABLE tasks ADD COLUMN folder_id TEXT REFERENCES folders(id)"},
		{"chat_rooms", "theme", "ALTER TABLE chat_rooms ADD COLUMN theme TEXT NOT NULL DEFAULT 'default'"},
		{"chat_rooms", "direct_key", "ALTER TABLE chat_rooms ADD COLUMN direct_key TEXT"},
		{"chat_messages", "delivered_at_ms", "ALTER TABLE chat_messages ADD COLUMN delivered_at_ms BIGINT"},
	}
	for _, c := range conditional {
		ok, err := s.hasColumn(ctx, c.table, c.column)
		if err != nil {
			return fmt.Errorf("probe %s.%s: %w", c.table, c.column, err)
		}
		if !ok {
			if _, err := s.Exec(ctx, c.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
			}
			log.Info().Str("table", c.table).Str("column", c.column).Msg("added column")
		}
	}

	// Indexes go last so conditionally added columns exist first.
	for _, stmt := range createIndexes {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	log.Info().Msg("schema migration complete")
	return nil
}

// hasColumn reports whether table.column exists, per dialect.
func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	switch s.dialect {
	case DialectPostgres:
		var n int
		err := s.QueryRow(ctx, `
			SELECT COUNT(*) FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		`, table, column).Scan(&n)
		return n > 0, err
	default:
		rows, err := s.Query(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
		if err != nil {
			return false, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt any
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return false, err
			}
			if name == column {
				return true, nil
			}
		}
		return false, rows.Err()
	}
}

var createTables = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		username       TEXT NOT NULL,
		email          TEXT,
		password_hash  TEXT NOT NULL,
		totp_secret    TEXT,
		is_2fa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		is_admin       BOOLEAN NOT NULL DEFAULT FALSE,
		is_locked      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ms  BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_identities (
		provider         TEXT NOT NULL,
		provider_user_id TEXT NOT NULL,
		user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at_ms    BIGINT NOT NULL,
		PRIMARY KEY (provider, provider_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash    TEXT NOT NULL,
		expires_at_ms BIGINT NOT NULL,
		revoked       BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS password_resets (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash    TEXT NOT NULL,
		expires_at_ms BIGINT NOT NULL,
		used          BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS folders (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		parent_id     TEXT REFERENCES folders(id),
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		icon          TEXT NOT NULL DEFAULT '',
		color         TEXT NOT NULL DEFAULT '',
		position      INTEGER NOT NULL DEFAULT 0,
		is_expanded   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title         TEXT NOT NULL,
		body          TEXT NOT NULL DEFAULT '',
		favorite      BOOLEAN NOT NULL DEFAULT FALSE,
		pinned        BOOLEAN NOT NULL DEFAULT FALSE,
		archived      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ms BIGINT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id      TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS note_tags (
		note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		tag_id  TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (note_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		priority      TEXT NOT NULL DEFAULT 'medium',
		due_at_ms     BIGINT,
		completed     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ms BIGINT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS note_shares (
		id             TEXT PRIMARY KEY,
		note_id        TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		shared_by_id   TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		shared_with_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		can_edit       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ms  BIGINT NOT NULL,
		UNIQUE (note_id, shared_with_id)
	)`,
	`CREATE TABLE IF NOT EXISTS task_shares (
		id             TEXT PRIMARY KEY,
		task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		shared_by_id   TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		shared_with_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		can_edit       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ms  BIGINT NOT NULL,
		UNIQUE (task_id, shared_with_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_rooms (
		id            TEXT PRIMARY KEY,
		name          TEXT,
		is_group      BOOLEAN NOT NULL DEFAULT FALSE,
		created_by_id TEXT NOT NULL REFERENCES users(id),
		created_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_participants (
		room_id         TEXT NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		last_read_at_ms BIGINT,
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id            TEXT PRIMARY KEY,
		room_id       TEXT NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
		sender_id     TEXT NOT NULL REFERENCES users(id),
		body          TEXT NOT NULL,
		is_pinned     BOOLEAN NOT NULL DEFAULT FALSE,
		pinned_at_ms  BIGINT,
		pinned_by_id  TEXT,
		sent_at_ms    BIGINT NOT NULL,
		created_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_reactions (
		message_id TEXT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		emoji      TEXT NOT NULL,
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_reads (
		message_id TEXT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		read_at_ms BIGINT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_replay_ops (
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		op_id         TEXT NOT NULL,
		status        TEXT NOT NULL,
		code          TEXT NOT NULL DEFAULT '',
		server_id     TEXT NOT NULL DEFAULT '',
		created_at_ms BIGINT NOT NULL,
		PRIMARY KEY (user_id, op_id)
	)`,
}

var createIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_lower ON users (LOWER(username))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (email) WHERE email IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_folders_user_parent ON folders (user_id, parent_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_user_name_parent ON folders (user_id, name, parent_id) WHERE parent_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_user_name_root ON folders (user_id, name) WHERE parent_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_notes_owner_archived ON notes (owner_id, archived)`,
	`CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes (folder_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tags_user_name_lower ON tags (user_id, LOWER(name))`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner_completed ON tasks (owner_id, completed)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_folder ON tasks (folder_id)`,
	`CREATE INDEX IF NOT EXISTS idx_note_shares_with ON note_shares (shared_with_id)`,
	`CREATE INDEX IF NOT EXISTS idx_task_shares_with ON task_shares (shared_with_id)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_hash ON refresh_tokens (token_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_password_resets_hash ON password_resets (token_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_room_created ON chat_messages (room_id, created_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_participants_user ON chat_participants (user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_rooms_direct_key ON chat_rooms (direct_key) WHERE is_group = FALSE`,
}
