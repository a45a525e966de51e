// Package model holds the records shared between the conversation store,
// the news cache and the persistence backends.
package model

import "time"

// SchemaVersion is written into every persisted ConversationRecord.
const SchemaVersion = 1

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single turn in a conversation. Messages are never edited
// after they are appended.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Proactive bool      `json:"proactive,omitempty"`
}

// ConversationRecord is the full persisted state for one user.
type ConversationRecord struct {
	SchemaVersion   int        `json:"schema_version"`
	UserID          int64      `json:"user_id"`
	Username        string     `json:"username,omitempty"`
	FirstName       string     `json:"first_name,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Messages        []Message  `json:"messages"`
	LastProactiveAt *time.Time `json:"last_proactive_at,omitempty"`
}

// LastActivityAt is the latest message timestamp of either role, or
// CreatedAt when the record has no messages.
func (r *ConversationRecord) LastActivityAt() time.Time {
	last := r.CreatedAt
	for _, m := range r.Messages {
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	return last
}

// Clone returns a deep copy so callers can never alias store internals.
func (r *ConversationRecord) Clone() *ConversationRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.LastProactiveAt != nil {
		t := *r.LastProactiveAt
		out.LastProactiveAt = &t
	}
	return &out
}

// NewsItem is one cached headline from an RSS feed.
type NewsItem struct {
	FeedURL     string    `json:"feed_url"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Link        string    `json:"link"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// NewsCacheState is the persisted shape of the news cache.
type NewsCacheState struct {
	ItemsByFeed     map[string][]NewsItem `json:"items_by_feed"`
	LastRefreshedAt time.Time             `json:"last_refreshed_at"`
}

// Clone returns a deep copy of the state.
func (s NewsCacheState) Clone() NewsCacheState {
	out := NewsCacheState{
		ItemsByFeed:     make(map[string][]NewsItem, len(s.ItemsByFeed)),
		LastRefreshedAt: s.LastRefreshedAt,
	}
	for k, v := range s.ItemsByFeed {
		items := make([]NewsItem, len(v))
		copy(items, v)
		out.ItemsByFeed[k] = items
	}
	return out
}
