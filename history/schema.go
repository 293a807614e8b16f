/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package history

import "database/sql"

const createTableSQL = `
CREATE TABLE IF NOT EXISTS clipboard_history (
	uuid         TEXT PRIMARY KEY,
	ciphertext   BLOB NOT NULL,
	content_type TEXT NOT NULL,
	content_size INTEGER NOT NULL,
	checksum     TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	origin_node  TEXT NOT NULL,
	iv           BLOB NOT NULL,
	compressed   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);`

const createIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_clipboard_history_timestamp
	ON clipboard_history (timestamp DESC);`

// createTrimTriggerSQL enforces the hard 20-row cap directly in SQLite:
// after every insert, delete anything outside the top-N by timestamp.
// Parameterizing a trigger body isn't possible, so trimRowsSQL below
// performs the equivalent as an explicit statement inside the same
// transaction as the insert; the trigger remains installed for belt-
// and-braces protection against inserts made outside this package.
const createTrimTriggerSQL = `
CREATE TRIGGER IF NOT EXISTS trim_clipboard_history
AFTER INSERT ON clipboard_history
BEGIN
	DELETE FROM clipboard_history
	WHERE uuid NOT IN (
		SELECT uuid FROM clipboard_history ORDER BY timestamp DESC LIMIT 20
	);
END;`

const insertRowSQL = `
INSERT INTO clipboard_history
	(uuid, ciphertext, content_type, content_size, checksum, timestamp, origin_node, iv, compressed, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

const trimRowsSQL = `
DELETE FROM clipboard_history
WHERE uuid NOT IN (
	SELECT uuid FROM clipboard_history ORDER BY timestamp DESC LIMIT ?
);`

const selectRecentSQL = `
SELECT uuid, ciphertext, content_type, content_size, checksum, timestamp, origin_node, iv, compressed, created_at
FROM clipboard_history
ORDER BY timestamp DESC
LIMIT ?;`

const selectByTypePrefixSQL = `
SELECT uuid, ciphertext, content_type, content_size, checksum, timestamp, origin_node, iv, compressed, created_at
FROM clipboard_history
WHERE content_type LIKE ?;`

const deleteBeforeSQL = `DELETE FROM clipboard_history WHERE timestamp < ?;`

func applySchema(db *sql.DB) error {
	for _, stmt := range []string{createTableSQL, createIndexSQL, createTrimTriggerSQL} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
