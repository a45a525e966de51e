// Package conversation keeps per-user message history in memory, backed by
// a durable Backend that receives a full record rewrite on every change.
package conversation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazypower/companion/internal/model"
)

// Backend persists whole conversation records. Save must be atomic: after a
// crash the stored record is either the previous version or the new one.
type Backend interface {
	LoadAll() ([]*model.ConversationRecord, error)
	Save(rec *model.ConversationRecord) error
	Delete(userID int64) error
}

// UserSummary is the dashboard view of one conversation.
type UserSummary struct {
	UserID        int64      `json:"user_id"`
	Username      string     `json:"username,omitempty"`
	FirstName     string     `json:"first_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for idle calculations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the single writer of conversation records.
type Store struct {
	backend Backend
	now     func() time.Time
	log     zerolog.Logger

	mu      sync.RWMutex
	records map[int64]*model.ConversationRecord

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// New creates an empty store. Call Load to read existing records.
func New(backend Backend, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		log:     log.With().Str("component", "conversation").Logger(),
		records: make(map[int64]*model.ConversationRecord),
		locks:   make(map[int64]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory state with everything the backend holds.
func (s *Store) Load() error {
	recs, err := s.backend.LoadAll()
	if err != nil {
		return &StorageError{Op: "load", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[int64]*model.ConversationRecord, len(recs))
	for _, r := range recs {
		if r.Messages == nil {
			r.Messages = []model.Message{}
		}
		s.records[r.UserID] = r
	}
	s.log.Info().Int("users", len(recs)).Msg("conversations loaded")
	return nil
}

func (s *Store) userMutex(userID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if m, ok := s.locks[userID]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.locks[userID] = m
	return m
}

func (s *Store) lookup(userID int64) *model.ConversationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[userID]
}

// commit persists next and, only if that succeeds, makes it visible.
func (s *Store) commit(op string, next *model.ConversationRecord) error {
	next.SchemaVersion = model.SchemaVersion
	if err := s.backend.Save(next); err != nil {
		s.log.Error().Err(err).Int64("user_id", next.UserID).Str("op", op).Msg("persist conversation failed")
		return &StorageError{Op: op, UserID: next.UserID, Err: err}
	}
	s.mu.Lock()
	s.records[next.UserID] = next
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the user's record.
func (s *Store) Get(userID int64) (*model.ConversationRecord, bool) {
	r := s.lookup(userID)
	if r == nil {
		return nil, false
	}
	return r.Clone(), true
}

// Ensure creates the user's record if missing. Non-empty names that differ
// from the stored ones replace them.
func (s *Store) Ensure(userID int64, username, firstName string) (*model.ConversationRecord, error) {
	lock := s.userMutex(userID)
	lock.Lock()
	defer lock.Unlock()

	cur := s.lookup(userID)
	if cur != nil {
		changed := (username != "" && username != cur.Username) ||
			(firstName != "" && firstName != cur.FirstName)
		if !changed {
			return cur.Clone(), nil
		}
		next := cur.Clone()
		if username != "" {
			next.Username = username
		}
		if firstName != "" {
			next.FirstName = firstName
		}
		if err := s.commit("ensure", next); err != nil {
			return nil, err
		}
		return next.Clone(), nil
	}

	next := &model.ConversationRecord{
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		CreatedAt: s.now(),
		Messages:  []model.Message{},
	}
	if err := s.commit("ensure", next); err != nil {
		return nil, err
	}
	s.log.Debug().Int64("user_id", userID).Msg("conversation created")
	return next.Clone(), nil
}

// Append adds a message to the user's history, creating the record first if
// the user is unknown.
func (s *Store) Append(userID int64, role model.Role, content string, ts time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("append: invalid role %q", role)
	}

	lock := s.userMutex(userID)
	lock.Lock()
	defer lock.Unlock()

	next := s.startRecord(userID, ts)
	next.Messages = append(next.Messages, model.Message{
		Role:      role,
		Content:   content,
		Timestamp: ts,
	})
	return s.commit("append", next)
}

// AppendProactive records a system-initiated assistant message and sets
// LastProactiveAt in the same write.
func (s *Store) AppendProactive(userID int64, content string, ts time.Time) error {
	lock := s.userMutex(userID)
	lock.Lock()
	defer lock.Unlock()

	cur := s.lookup(userID)
	if cur == nil {
		return &NotFoundError{UserID: userID}
	}
	next := cur.Clone()
	next.Messages = append(next.Messages, model.Message{
		Role:      model.RoleAssistant,
		Content:   content,
		Timestamp: ts,
		Proactive: true,
	})
	at := ts
	next.LastProactiveAt = &at
	return s.commit("append proactive", next)
}

func (s *Store) startRecord(userID int64, ts time.Time) *model.ConversationRecord {
	if cur := s.lookup(userID); cur != nil {
		return cur.Clone()
	}
	return &model.ConversationRecord{
		UserID:    userID,
		CreatedAt: ts,
		Messages:  []model.Message{},
	}
}

// ContextWindow returns up to limit of the most recent messages, oldest
// first. Unknown users and non-positive limits yield an empty slice.
func (s *Store) ContextWindow(userID int64, limit int) []model.Message {
	if limit <= 0 {
		return []model.Message{}
	}
	r := s.lookup(userID)
	if r == nil {
		return []model.Message{}
	}
	msgs := r.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// AllUsers returns every known user id in ascending order.
func (s *Store) AllUsers() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IdleSince returns how long ago the user's last activity was.
func (s *Store) IdleSince(userID int64) (time.Duration, error) {
	r := s.lookup(userID)
	if r == nil {
		return 0, &NotFoundError{UserID: userID}
	}
	return s.now().Sub(r.LastActivityAt()), nil
}

// Clear deletes the user's record entirely. Clearing an unknown user is a
// no-op.
func (s *Store) Clear(userID int64) error {
	lock := s.userMutex(userID)
	lock.Lock()
	defer lock.Unlock()

	if s.lookup(userID) == nil {
		return nil
	}
	if err := s.backend.Delete(userID); err != nil {
		return &StorageError{Op: "clear", UserID: userID, Err: err}
	}
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
	s.log.Info().Int64("user_id", userID).Msg("conversation cleared")
	return nil
}

// Summaries lists every conversation, most recently active first.
func (s *Store) Summaries() []UserSummary {
	s.mu.RLock()
	out := make([]UserSummary, 0, len(s.records))
	for _, r := range s.records {
		sum := UserSummary{
			UserID:       r.UserID,
			Username:     r.Username,
			FirstName:    r.FirstName,
			CreatedAt:    r.CreatedAt,
			MessageCount: len(r.Messages),
		}
		if len(r.Messages) > 0 {
			last := r.LastActivityAt()
			sum.LastMessageAt = &last
		}
		out = append(out, sum)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].UserID < out[j].UserID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].UserID < out[j].UserID
		}
		return a.After(*b)
	})
	return out
}

// MessagesBetween returns the user's messages with from <= timestamp < to.
// A zero bound is open.
func (s *Store) MessagesBetween(userID int64, from, to time.Time) ([]model.Message, error) {
	r := s.lookup(userID)
	if r == nil {
		return nil, &NotFoundError{UserID: userID}
	}
	out := []model.Message{}
	for _, m := range r.Messages {
		if !from.IsZero() && m.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !m.Timestamp.Before(to) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// DisplayName prefers the first name, then @username, then the numeric id.
func DisplayName(r *model.ConversationRecord) string {
	switch {
	case strings.TrimSpace(r.FirstName) != "":
		return r.FirstName
	case strings.TrimSpace(r.Username) != "":
		return "@" + r.Username
	}
	return fmt.Sprintf("%d", r.UserID)
}
