package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/model"
	"github.com/lazypower/companion/internal/news"
	"github.com/lazypower/companion/internal/random"
	"github.com/lazypower/companion/internal/store"
)

type feedFixture map[string][]model.NewsItem

func (f feedFixture) Fetch(ctx context.Context, url string) ([]model.NewsItem, error) {
	return f[url], nil
}

type testEnv struct {
	srv   *Server
	convs *conversation.Store
	news  *news.Cache
}

func testServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	convs := conversation.New(db.Conversations(), zerolog.Nop())
	if err := convs.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cache := news.NewCache(db, random.New(1), zerolog.Nop(), news.Options{})
	return &testEnv{
		srv:   New(convs, cache, "test-version", WithLocation(time.UTC)),
		convs: convs,
		news:  cache,
	}
}

func get(t *testing.T, srv *Server, path string, wantStatus int) map[string]any {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != wantStatus {
		t.Fatalf("GET %s: status = %d, want %d; body: %s", path, w.Code, wantStatus, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: decode body: %v", path, err)
	}
	return body
}

func day(d, h int) time.Time {
	return time.Date(2024, 5, d, h, 0, 0, 0, time.UTC)
}

func seedUsers(t *testing.T, env *testEnv) {
	t.Helper()
	if _, err := env.convs.Ensure(1, "ana", "Ana"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, m := range []struct {
		id   int64
		role model.Role
		text string
		at   time.Time
	}{
		{1, model.RoleUser, "morning", day(1, 9)},
		{1, model.RoleAssistant, "good morning!", day(1, 9)},
		{1, model.RoleUser, "late night", day(2, 23)},
		{1, model.RoleUser, "next week", day(8, 10)},
		{2, model.RoleUser, "hi", day(3, 12)},
	} {
		if err := env.convs.Append(m.id, m.role, m.text, m.at); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := env.convs.Ensure(3, "", "Quiet"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := testServer(t)
	seedUsers(t, env)

	body := get(t, env.srv, "/api/health", http.StatusOK)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["users"] != float64(3) {
		t.Errorf("users = %v, want 3", body["users"])
	}
	if body["news_items"] != float64(0) {
		t.Errorf("news_items = %v, want 0", body["news_items"])
	}
}

func TestUsersMostRecentFirst(t *testing.T) {
	env := testServer(t)
	seedUsers(t, env)

	body := get(t, env.srv, "/api/users", http.StatusOK)
	users, ok := body["users"].([]any)
	if !ok || len(users) != 3 {
		t.Fatalf("users = %#v", body["users"])
	}
	var ids []float64
	for _, u := range users {
		ids = append(ids, u.(map[string]any)["user_id"].(float64))
	}
	// user 3 has no messages and sorts last
	want := []float64{1, 2, 3}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
	first := users[0].(map[string]any)
	if first["message_count"] != float64(4) || first["username"] != "ana" {
		t.Errorf("first = %#v", first)
	}
}

func TestUserDetail(t *testing.T) {
	env := testServer(t)
	seedUsers(t, env)

	body := get(t, env.srv, "/api/users/1", http.StatusOK)
	if body["display_name"] != "Ana" {
		t.Errorf("display_name = %v", body["display_name"])
	}
	if msgs := body["messages"].([]any); len(msgs) != 4 {
		t.Errorf("messages = %d, want 4", len(msgs))
	}

	get(t, env.srv, "/api/users/99", http.StatusNotFound)
	get(t, env.srv, "/api/users/abc", http.StatusBadRequest)
}

func TestMessagesDateFilter(t *testing.T) {
	env := testServer(t)
	seedUsers(t, env)

	tests := []struct {
		query string
		want  int
	}{
		{"", 4},
		{"?start_date=2024-05-01&end_date=2024-05-01", 2},
		{"?start_date=2024-05-01&end_date=2024-05-02", 3},
		{"?start_date=2024-05-02", 2},
		{"?end_date=2024-05-07", 3},
		{"?start_date=2024-06-01&end_date=2024-06-30", 0},
	}
	for _, tt := range tests {
		body := get(t, env.srv, "/api/users/1/messages"+tt.query, http.StatusOK)
		if body["count"] != float64(tt.want) {
			t.Errorf("%q: count = %v, want %d", tt.query, body["count"], tt.want)
		}
	}

	get(t, env.srv, "/api/users/1/messages?start_date=May-1", http.StatusBadRequest)
	get(t, env.srv, "/api/users/1/messages?start_date=2024-05-09&end_date=2024-05-01", http.StatusBadRequest)
	get(t, env.srv, "/api/users/42/messages", http.StatusNotFound)
}

func TestNewsEndpoint(t *testing.T) {
	env := testServer(t)

	body := get(t, env.srv, "/api/news", http.StatusOK)
	if body["count"] != float64(0) {
		t.Fatalf("count = %v, want 0", body["count"])
	}

	fetcher := feedFixture{
		"https://example.com/rss": {
			{Title: "Older", PublishedAt: day(1, 8)},
			{Title: "Newer", PublishedAt: day(2, 8)},
		},
	}
	if _, err := env.news.Refresh(context.Background(), day(3, 0), []string{"https://example.com/rss"}, fetcher); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	body = get(t, env.srv, "/api/news", http.StatusOK)
	items := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].(map[string]any)["title"] != "Newer" {
		t.Errorf("first item = %v, want Newer", items[0])
	}
	if _, ok := body["last_refreshed_at"]; !ok {
		t.Error("last_refreshed_at missing after refresh")
	}
}

func TestNewsWithoutCache(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	srv := New(conversation.New(db.Conversations(), zerolog.Nop()), nil, "v")

	body := get(t, srv, "/api/news", http.StatusOK)
	if body["count"] != float64(0) {
		t.Errorf("count = %v", body["count"])
	}
	get(t, srv, "/api/health", http.StatusOK)
}
