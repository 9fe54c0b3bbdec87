package sqlite

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_key TEXT    NOT NULL,
	client_id   TEXT,
	sender_id   TEXT    NOT NULL,
	content     TEXT    NOT NULL,
	kind        TEXT    NOT NULL DEFAULT 'text',
	sent_at     INTEGER NOT NULL,
	is_read     BOOLEAN NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_order ON messages (channel_key, sent_at, id);
DROP INDEX IF EXISTS idx_messages_client_id;
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_channel_client ON messages (channel_key, client_id) WHERE client_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_client_lookup ON messages (client_id) WHERE client_id IS NOT NULL;
`

// Migrate applies the message schema. It is safe to run repeatedly.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
