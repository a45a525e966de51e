package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/companion/internal/model"
)

// Conversations adapts the database to the conversation store's Backend.
type Conversations struct {
	db *DB
}

// Conversations returns the SQLite-backed conversation backend.
func (db *DB) Conversations() *Conversations {
	return &Conversations{db: db}
}

// LoadAll reads every stored conversation record.
func (c *Conversations) LoadAll() ([]*model.ConversationRecord, error) {
	rows, err := c.db.Query(`SELECT user_id, record FROM conversations ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.ConversationRecord
	for rows.Next() {
		var (
			userID int64
			raw    string
		)
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var rec model.ConversationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode conversation %d: %w", userID, err)
		}
		rec.UserID = userID
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Save replaces the user's row with rec in a single transaction.
func (c *Conversations) Save(rec *model.ConversationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	var lastProactive *int64
	if rec.LastProactiveAt != nil {
		ms := rec.LastProactiveAt.UnixMilli()
		lastProactive = &ms
	}

	return c.db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO conversations
				(user_id, schema_version, username, first_name, created_at, last_activity_at,
				 last_proactive_at, message_count, record, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				schema_version    = excluded.schema_version,
				username          = excluded.username,
				first_name        = excluded.first_name,
				last_activity_at  = excluded.last_activity_at,
				last_proactive_at = excluded.last_proactive_at,
				message_count     = excluded.message_count,
				record            = excluded.record,
				updated_at        = excluded.updated_at
		`,
			rec.UserID, rec.SchemaVersion, rec.Username, rec.FirstName,
			rec.CreatedAt.UnixMilli(), rec.LastActivityAt().UnixMilli(),
			lastProactive, len(rec.Messages), string(raw), time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert conversation %d: %w", rec.UserID, err)
		}
		return nil
	})
}

// Delete removes the user's row. Deleting a missing row is not an error.
func (c *Conversations) Delete(userID int64) error {
	if _, err := c.db.Exec(`DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete conversation %d: %w", userID, err)
	}
	return nil
}

// CountConversations returns the number of stored conversations.
func (db *DB) CountConversations() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}
