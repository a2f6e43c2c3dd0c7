package localcache

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	id                TEXT PRIMARY KEY,
	raw_data          BLOB,
	updated_timestamp INTEGER,
	created_timestamp INTEGER,
	outdated          INTEGER
);
CREATE INDEX IF NOT EXISTS conversation_updated_timestamp ON conversation(updated_timestamp);
CREATE INDEX IF NOT EXISTS conversation_created_timestamp ON conversation(created_timestamp);

CREATE TABLE IF NOT EXISTS last_message (
	conversation_id TEXT PRIMARY KEY,
	raw_data        BLOB,
	sent_timestamp  INTEGER
);
CREATE INDEX IF NOT EXISTS last_message_sent_timestamp ON last_message(sent_timestamp);

CREATE TABLE IF NOT EXISTS message (
	conversation_id     TEXT,
	sent_timestamp      INTEGER,
	message_id          TEXT,
	from_peer_id        TEXT,
	content             BLOB,
	binary              INTEGER,
	delivered_timestamp INTEGER,
	read_timestamp      INTEGER,
	patched_timestamp   INTEGER,
	all_mentioned       INTEGER,
	mentioned_list      BLOB,
	status              INTEGER,
	breakpoint          INTEGER,
	PRIMARY KEY (conversation_id, sent_timestamp, message_id)
);
`

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if version > schemaVersion {
		return errors.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create tables")
	}
	if version < schemaVersion {
		// PRAGMA does not accept bound parameters.
		if _, err := db.ExecContext(ctx, `PRAGMA user_version = 1`); err != nil {
			return errors.Wrap(err, "write schema version")
		}
	}
	return nil
}
