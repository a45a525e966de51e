package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lazypower/companion/internal/model"
)

const newsStateFile = "news_cache.json"

// FileStore keeps one JSON document per user (user_<id>.json) plus the news
// cache in a single directory. Every write goes to a temp file that is then
// renamed over the target, so readers never observe a partial document.
type FileStore struct {
	Dir string
}

// OpenFileStore creates dir if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (f *FileStore) userPath(userID int64) string {
	return filepath.Join(f.Dir, fmt.Sprintf("user_%d.json", userID))
}

// LoadAll reads every user_<id>.json in the directory.
func (f *FileStore) LoadAll() ([]*model.ConversationRecord, error) {
	matches, err := filepath.Glob(filepath.Join(f.Dir, "user_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var out []*model.ConversationRecord
	for _, path := range matches {
		idPart := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "user_"), ".json")
		userID, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			continue
		}
		var rec model.ConversationRecord
		if err := readJSON(path, &rec); err != nil {
			return nil, fmt.Errorf("load conversation %d: %w", userID, err)
		}
		rec.UserID = userID
		out = append(out, &rec)
	}
	return out, nil
}

// Save atomically rewrites the user's file.
func (f *FileStore) Save(rec *model.ConversationRecord) error {
	if err := writeJSONAtomic(f.userPath(rec.UserID), rec); err != nil {
		return fmt.Errorf("save conversation %d: %w", rec.UserID, err)
	}
	return nil
}

// Delete removes the user's file if present.
func (f *FileStore) Delete(userID int64) error {
	err := os.Remove(f.userPath(userID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete conversation %d: %w", userID, err)
	}
	return nil
}

// LoadNewsState returns the persisted news cache, or nil if the file is absent.
func (f *FileStore) LoadNewsState() (*model.NewsCacheState, error) {
	var st model.NewsCacheState
	err := readJSON(filepath.Join(f.Dir, newsStateFile), &st)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load news cache: %w", err)
	}
	if st.ItemsByFeed == nil {
		st.ItemsByFeed = make(map[string][]model.NewsItem)
	}
	return &st, nil
}

// SaveNewsState atomically rewrites the news cache file.
func (f *FileStore) SaveNewsState(st model.NewsCacheState) error {
	if err := writeJSONAtomic(filepath.Join(f.Dir, newsStateFile), st); err != nil {
		return fmt.Errorf("save news cache: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(b)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	for _, err := range []error{writeErr, syncErr, closeErr} {
		if err != nil {
			_ = os.Remove(tmpName)
			return err
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
