package store

import "time"

// EnsureUser creates a bare account for id unless it exists. chatd trusts
// the caller id; accounts are created the first time an id shows up.
func (db *DB) EnsureUser(id string, at time.Time) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		id, id, toMillis(at))
	return err
}
