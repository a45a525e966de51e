package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/companion/internal/model"
)

// LoadNewsState returns the persisted news cache, or nil if none was saved.
func (db *DB) LoadNewsState() (*model.NewsCacheState, error) {
	var raw string
	err := db.QueryRow(`SELECT state FROM news_cache WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get news cache: %w", err)
	}

	var st model.NewsCacheState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode news cache: %w", err)
	}
	if st.ItemsByFeed == nil {
		st.ItemsByFeed = make(map[string][]model.NewsItem)
	}
	return &st, nil
}

// SaveNewsState overwrites the single news cache row.
func (db *DB) SaveNewsState(st model.NewsCacheState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode news cache: %w", err)
	}

	var refreshed *int64
	if !st.LastRefreshedAt.IsZero() {
		ms := st.LastRefreshedAt.UnixMilli()
		refreshed = &ms
	}

	_, err = db.Exec(`
		INSERT INTO news_cache (id, last_refreshed_at, state, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_refreshed_at = excluded.last_refreshed_at,
			state             = excluded.state,
			updated_at        = excluded.updated_at
	`, refreshed, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save news cache: %w", err)
	}
	return nil
}
