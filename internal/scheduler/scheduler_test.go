package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/llm"
	"github.com/lazypower/companion/internal/model"
	"github.com/lazypower/companion/internal/random"
	"github.com/lazypower/companion/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   map[int64][]string
	failOn map[int64]error
	typing int
	onSend func(userID int64)
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[int64][]string), failOn: make(map[int64]error)}
}

func (f *fakeSender) Send(ctx context.Context, userID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[userID]; err != nil {
		return err
	}
	f.sent[userID] = append(f.sent[userID], text)
	if f.onSend != nil {
		f.onSend(userID)
	}
	return nil
}

func (f *fakeSender) Typing(ctx context.Context, userID int64) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[userID])
}

type fixedDelay time.Duration

func (d fixedDelay) DelayFor(string) time.Duration { return time.Duration(d) }

type fixedNews struct{ item model.NewsItem }

func (n fixedNews) RandomItem() (model.NewsItem, bool) { return n.item, true }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingBackend wraps the SQLite backend and can refuse writes.
type failingBackend struct {
	*store.Conversations
	mu   sync.Mutex
	fail bool
}

func (b *failingBackend) Save(rec *model.ConversationRecord) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.Conversations.Save(rec)
}

type harness struct {
	sched   *Scheduler
	convs   *conversation.Store
	backend *failingBackend
	llm     *llm.MockClient
	sender  *fakeSender
	clock   *clock
}

// noon on a weekday, outside the default quiet window.
var start = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func defaultPolicy() Policy {
	qh, _ := ParseQuietHours(true, "22:00", "09:00", "UTC")
	return Policy{
		Enabled:            true,
		Inactivity:         60 * time.Minute,
		CheckInterval:      15 * time.Minute,
		QuietHours:         qh,
		NewsProbability:    0,
		MaxContextMessages: 20,
		Concurrency:        4,
		SystemPrompt:       "sys",
		GenerateTimeout:    time.Second,
		SendTimeout:        time.Second,
	}
}

func newHarness(t *testing.T, p Policy) *harness {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &clock{t: start}
	backend := &failingBackend{Conversations: db.Conversations()}
	convs := conversation.New(backend, zerolog.Nop(), conversation.WithClock(clk.Now))
	require.NoError(t, convs.Load())

	mock := &llm.MockClient{Response: &llm.Response{Content: "Hey, how was your day?"}}
	sender := newFakeSender()
	sched := New(Deps{
		Store:  convs,
		LLM:    mock,
		Sender: sender,
		Rand:   random.New(1),
		Now:    clk.Now,
		Sleep:  func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil },
		Log:    zerolog.Nop(),
	}, p)

	return &harness{sched: sched, convs: convs, backend: backend, llm: mock, sender: sender, clock: clk}
}

func (h *harness) talk(t *testing.T, userID int64, at time.Time) {
	t.Helper()
	_, err := h.convs.Ensure(userID, "", "")
	require.NoError(t, err)
	require.NoError(t, h.convs.Append(userID, model.RoleUser, "hello", at))
	require.NoError(t, h.convs.Append(userID, model.RoleAssistant, "hi!", at))
}

func TestQuietHoursContains(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }
	wrap, err := ParseQuietHours(true, "22:00", "09:00", "UTC")
	require.NoError(t, err)
	day, err := ParseQuietHours(true, "13:00", "15:30", "UTC")
	require.NoError(t, err)

	tests := []struct {
		name string
		q    QuietHours
		t    time.Time
		want bool
	}{
		{"wrap start inclusive", wrap, at(22, 0), true},
		{"wrap before midnight", wrap, at(23, 59), true},
		{"wrap after midnight", wrap, at(0, 0), true},
		{"wrap morning", wrap, at(8, 59), true},
		{"wrap end exclusive", wrap, at(9, 0), false},
		{"wrap afternoon", wrap, at(15, 0), false},
		{"wrap just before start", wrap, at(21, 59), false},
		{"day inside", day, at(14, 0), true},
		{"day start", day, at(13, 0), true},
		{"day end exclusive", day, at(15, 30), false},
		{"day before", day, at(12, 59), false},
		{"disabled", QuietHours{Enabled: false, Start: 0, End: 1439}, at(10, 0), false},
		{"empty window", QuietHours{Enabled: true, Start: 600, End: 600}, at(10, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.Contains(tt.t))
		})
	}
}

func TestQuietHoursTimezone(t *testing.T) {
	q, err := ParseQuietHours(true, "22:00", "09:00", "America/New_York")
	require.NoError(t, err)
	// 03:00 UTC is 22:00 or 23:00 the previous evening in New York.
	assert.True(t, q.Contains(time.Date(2024, 1, 10, 3, 0, 0, 0, time.UTC)))
	// 18:00 UTC is early afternoon in New York.
	assert.False(t, q.Contains(time.Date(2024, 1, 10, 18, 0, 0, 0, time.UTC)))
}

func TestParseQuietHoursErrors(t *testing.T) {
	_, err := ParseQuietHours(true, "24:00", "09:00", "")
	assert.Error(t, err)
	_, err = ParseQuietHours(true, "22:00", "9am", "")
	assert.Error(t, err)
	_, err = ParseQuietHours(true, "22:00", "09:00", "Not/AZone")
	assert.Error(t, err)
}

func TestIsCandidate(t *testing.T) {
	inactivity := time.Hour
	now := start
	ago := func(d time.Duration) *time.Time { t := now.Add(-d); return &t }
	rec := func(lastMsg time.Duration, lastProactive *time.Time) *model.ConversationRecord {
		return &model.ConversationRecord{
			CreatedAt:       now.Add(-48 * time.Hour),
			Messages:        []model.Message{{Role: model.RoleUser, Timestamp: now.Add(-lastMsg)}},
			LastProactiveAt: lastProactive,
		}
	}

	assert.True(t, IsCandidate(rec(2*time.Hour, nil), now, inactivity), "idle, never nudged")
	assert.True(t, IsCandidate(rec(time.Hour, nil), now, inactivity), "exactly at threshold")
	assert.False(t, IsCandidate(rec(59*time.Minute, nil), now, inactivity), "recently active")
	assert.False(t, IsCandidate(rec(3*time.Hour, ago(30*time.Minute)), now, inactivity), "nudged recently")
	assert.True(t, IsCandidate(rec(3*time.Hour, ago(2*time.Hour)), now, inactivity), "nudged long ago")
	assert.True(t, IsCandidate(&model.ConversationRecord{CreatedAt: now.Add(-2 * time.Hour)}, now, inactivity), "no messages uses created_at")
}

func TestTickSendsToIdleUser(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(61 * time.Minute)

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 1, rep.Sent)
	assert.NotEmpty(t, rep.CycleID)
	assert.Equal(t, 1, h.sender.count(1))
	assert.Equal(t, 1, h.sender.typing)

	rec, _ := h.convs.Get(1)
	require.NotNil(t, rec.LastProactiveAt)
	assert.Equal(t, h.clock.Now(), *rec.LastProactiveAt)
	last := rec.Messages[len(rec.Messages)-1]
	assert.True(t, last.Proactive)
	assert.Equal(t, "Hey, how was your day?", last.Content)

	req := h.llm.Calls[0]
	assert.Equal(t, "sys", req.System)
	assert.Len(t, req.Messages, 2)
	assert.Equal(t, llm.DefaultProactivePrompt, req.Extra)
}

func TestTickDoesNotRepeatWithinInactivityWindow(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(61 * time.Minute)

	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)

	h.clock.Advance(15 * time.Minute)
	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Candidates)
	assert.Equal(t, 1, h.sender.count(1))

	h.clock.Advance(60 * time.Minute)
	rep, err = h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 2, h.sender.count(1))
}

func TestTickSkipsActiveUsers(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(30 * time.Minute)

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Candidates)
	assert.Zero(t, h.llm.CallCount())
}

func TestTickQuietHoursHasNoSideEffects(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	// 23:00 UTC, inside 22:00-09:00
	h.clock.Advance(11 * time.Hour)

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "quiet_hours", rep.Skipped)
	assert.Zero(t, h.llm.CallCount())
	assert.Zero(t, h.sender.count(1))
	rec, _ := h.convs.Get(1)
	assert.Nil(t, rec.LastProactiveAt)
}

func TestUserActivityDuringDelayDropsMessage(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	h.sched.deps.Timing = fixedDelay(3 * time.Second)
	h.sched.deps.Sleep = func(ctx context.Context, d time.Duration) bool {
		assert.NoError(t, h.convs.Append(1, model.RoleUser, "back!", h.clock.Now()))
		return true
	}

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 1, rep.Aborted)
	assert.Zero(t, rep.Sent)
	assert.Zero(t, h.sender.count(1))
	rec, _ := h.convs.Get(1)
	assert.Nil(t, rec.LastProactiveAt)
	assert.Len(t, rec.Messages, 3)
}

func TestResetDuringSendIsAborted(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	h.sender.onSend = func(userID int64) {
		assert.NoError(t, h.convs.Clear(userID))
	}

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Aborted)
	assert.Zero(t, rep.Sent)
	_, ok := h.convs.Get(1)
	assert.False(t, ok)
}

func TestTickDisabled(t *testing.T) {
	p := defaultPolicy()
	p.Enabled = false
	h := newHarness(t, p)
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disabled", rep.Skipped)
	assert.Zero(t, h.llm.CallCount())
}

func TestGenerationFailureSkipsAndRetriesNextTick(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	h.llm.Err = errors.New("rate limited")
	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.GenerationFailures)
	assert.Zero(t, h.sender.count(1))
	rec, _ := h.convs.Get(1)
	assert.Nil(t, rec.LastProactiveAt)
	assert.Len(t, rec.Messages, 2)

	h.llm.Err = nil
	h.clock.Advance(15 * time.Minute)
	rep, err = h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
}

func TestEmptyGenerationIsFailure(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)
	h.llm.Response = &llm.Response{Content: "   "}

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.GenerationFailures)
	assert.Zero(t, h.sender.count(1))
}

func TestTransportFailureRecordsNothing(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.talk(t, 2, start)
	h.clock.Advance(2 * time.Hour)
	h.sender.failOn[1] = errors.New("blocked by user")

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.TransportFailures)

	rec1, _ := h.convs.Get(1)
	assert.Nil(t, rec1.LastProactiveAt)
	assert.Len(t, rec1.Messages, 2)

	rec2, _ := h.convs.Get(2)
	assert.NotNil(t, rec2.LastProactiveAt)
	assert.Len(t, rec2.Messages, 3)
}

func TestStorageFailureIsReturned(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	h.backend.mu.Lock()
	h.backend.fail = true
	h.backend.mu.Unlock()

	_, err := h.sched.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, conversation.IsStorageError(err))
	assert.Equal(t, 1, h.sender.count(1), "message went out before the record failed")
}

func TestNewsSeeding(t *testing.T) {
	p := defaultPolicy()
	p.NewsProbability = 1
	h := newHarness(t, p)
	h.sched.deps.News = fixedNews{item: model.NewsItem{Title: "Comet visible tonight", Source: "Sky News"}}
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.llm.CallCount())
	assert.Contains(t, h.llm.Calls[0].Extra, "Comet visible tonight")
}

func TestNewsProbabilityZeroNeverSeeds(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.sched.deps.News = fixedNews{item: model.NewsItem{Title: "Headline"}}
	for id := int64(1); id <= 5; id++ {
		h.talk(t, id, start)
	}
	h.clock.Advance(2 * time.Hour)

	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	for _, call := range h.llm.Calls {
		assert.False(t, strings.Contains(call.Extra, "Headline"))
	}
}

func TestCancelledTickAbortsBeforeSend(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := h.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Aborted)
	assert.Zero(t, h.sender.count(1))
}

func TestSetPolicyAppliesNextTick(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.talk(t, 1, start)
	h.clock.Advance(90 * time.Minute)

	p := h.sched.Policy()
	p.Inactivity = 2 * time.Hour
	h.sched.SetPolicy(p)

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Candidates)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := defaultPolicy()
	p.FirstCheckDelay = time.Millisecond
	p.CheckInterval = 5 * time.Millisecond
	h := newHarness(t, p)
	h.talk(t, 1, start)
	h.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.sender.count(1) >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManyCandidatesProcessedConcurrently(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	for id := int64(1); id <= 20; id++ {
		h.talk(t, id, start)
	}
	h.clock.Advance(2 * time.Hour)

	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Sent)
	for id := int64(1); id <= 20; id++ {
		assert.Equal(t, 1, h.sender.count(id))
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Proactive.InactivityMinutes = 45
	cfg.Proactive.QuietHours.Enabled = true
	cfg.Proactive.QuietHours.Timezone = "Europe/Madrid"

	p, err := PolicyFromConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, p.Inactivity)
	assert.Equal(t, 15*time.Minute, p.CheckInterval)
	assert.Equal(t, time.Minute, p.FirstCheckDelay)
	assert.Equal(t, 22*60, p.QuietHours.Start)
	assert.Equal(t, 9*60, p.QuietHours.End)
	assert.Equal(t, "Europe/Madrid", p.QuietHours.Location.String())
	assert.Equal(t, llm.DefaultSystemPrompt, p.SystemPrompt)
	assert.Equal(t, 20, p.MaxContextMessages)

	cfg.Proactive.QuietHours.Start = "noon"
	_, err = PolicyFromConfig(&cfg)
	assert.Error(t, err)
}
