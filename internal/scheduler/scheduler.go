// Package scheduler periodically re-engages users who have gone quiet.
//
// Each tick takes a snapshot of the clock, applies the quiet-hours gate,
// selects idle users who have not been nudged within the inactivity window,
// and for each of them generates, delays, sends and records one proactive
// message. Ticks keep no state between them: a user whose send failed is
// simply selected again on the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/llm"
	"github.com/lazypower/companion/internal/model"
	"github.com/lazypower/companion/internal/news"
	"github.com/lazypower/companion/internal/random"
	"github.com/lazypower/companion/internal/timing"
)

var (
	// ErrGeneration marks a candidate whose message could not be generated.
	ErrGeneration = errors.New("generation failed")
	// ErrTransport marks a candidate whose message could not be delivered.
	ErrTransport = errors.New("transport failed")
)

// Conversations is the slice of the conversation store the scheduler uses.
type Conversations interface {
	AllUsers() []int64
	Get(userID int64) (*model.ConversationRecord, bool)
	ContextWindow(userID int64, limit int) []model.Message
	AppendProactive(userID int64, content string, ts time.Time) error
}

// NewsSource supplies optional conversation starters.
type NewsSource interface {
	RandomItem() (model.NewsItem, bool)
}

// Sender delivers a message to a user.
type Sender interface {
	Send(ctx context.Context, userID int64, text string) error
}

// Typer is implemented by senders that can show a typing indicator.
type Typer interface {
	Typing(ctx context.Context, userID int64) error
}

// Delayer computes the simulated typing delay for a message.
type Delayer interface {
	DelayFor(text string) time.Duration
}

// Deps are the scheduler's collaborators. News, Timing and Sleep are optional.
type Deps struct {
	Store  Conversations
	News   NewsSource
	LLM    llm.Client
	Sender Sender
	Timing Delayer
	Rand   *random.Source
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) bool
	Log    zerolog.Logger
}

// TickReport summarizes one tick.
type TickReport struct {
	CycleID            string
	Now                time.Time
	Skipped            string // "disabled", "quiet_hours" or ""
	Candidates         int
	Sent               int
	GenerationFailures int
	TransportFailures  int
	Aborted            int
}

// Scheduler runs proactive check cycles.
type Scheduler struct {
	deps   Deps
	log    zerolog.Logger
	policy atomic.Pointer[Policy]
}

// New creates a scheduler with the given starting policy.
func New(deps Deps, p Policy) *Scheduler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = timing.Sleep
	}
	if deps.Rand == nil {
		deps.Rand = random.New(0)
	}
	s := &Scheduler{
		deps: deps,
		log:  deps.Log.With().Str("component", "scheduler").Logger(),
	}
	s.SetPolicy(p)
	return s
}

// SetPolicy replaces the policy used from the next tick on.
func (s *Scheduler) SetPolicy(p Policy) {
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	s.policy.Store(&p)
}

// Policy returns the current policy.
func (s *Scheduler) Policy() Policy {
	return *s.policy.Load()
}

// Run ticks after FirstCheckDelay and then every CheckInterval until ctx is
// cancelled. The interval is re-read after every tick.
func (s *Scheduler) Run(ctx context.Context) {
	p := s.Policy()
	s.log.Info().
		Dur("first_check", p.FirstCheckDelay).
		Dur("interval", p.CheckInterval).
		Dur("inactivity", p.Inactivity).
		Msg("proactive scheduler started")

	timer := time.NewTimer(p.FirstCheckDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("proactive scheduler stopped")
			return
		case <-timer.C:
		}

		if _, err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("proactive tick storage failure")
		}

		interval := s.Policy().CheckInterval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		timer.Reset(interval)
	}
}

// Tick runs one check cycle. Generation and transport failures are logged
// and counted; only storage failures are returned.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	p := s.Policy()
	now := s.deps.Now()
	rep := TickReport{CycleID: uuid.NewString(), Now: now}
	log := s.log.With().Str("cycle", rep.CycleID).Logger()

	if !p.Enabled {
		rep.Skipped = "disabled"
		return rep, nil
	}
	if p.QuietHours.Contains(now) {
		rep.Skipped = "quiet_hours"
		log.Debug().Time("now", now).Msg("quiet hours, skipping tick")
		return rep, nil
	}

	candidates := s.candidates(now, p.Inactivity)
	rep.Candidates = len(candidates)
	if len(candidates) == 0 {
		log.Debug().Msg("no idle users")
		return rep, nil
	}
	log.Info().Int("candidates", len(candidates)).Msg("proactive check")

	var sent, genFail, sendFail, aborted atomic.Int64
	ep := pool.New().WithErrors().WithMaxGoroutines(p.Concurrency)
	for _, userID := range candidates {
		ep.Go(func() error {
			err := s.engage(ctx, log, p, userID)
			switch {
			case err == nil:
				sent.Add(1)
			case errors.Is(err, ErrGeneration):
				genFail.Add(1)
			case errors.Is(err, ErrTransport):
				sendFail.Add(1)
			case errors.Is(err, errAborted):
				aborted.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	err := ep.Wait()

	rep.Sent = int(sent.Load())
	rep.GenerationFailures = int(genFail.Load())
	rep.TransportFailures = int(sendFail.Load())
	rep.Aborted = int(aborted.Load())
	log.Info().
		Int("sent", rep.Sent).
		Int("generation_failures", rep.GenerationFailures).
		Int("transport_failures", rep.TransportFailures).
		Int("aborted", rep.Aborted).
		Msg("proactive check done")
	return rep, err
}

// IsCandidate reports whether a user idle since their last activity should
// get a proactive message at now.
func IsCandidate(rec *model.ConversationRecord, now time.Time, inactivity time.Duration) bool {
	if now.Sub(rec.LastActivityAt()) < inactivity {
		return false
	}
	if rec.LastProactiveAt != nil && now.Sub(*rec.LastProactiveAt) < inactivity {
		return false
	}
	return true
}

func (s *Scheduler) candidates(now time.Time, inactivity time.Duration) []int64 {
	var out []int64
	for _, id := range s.deps.Store.AllUsers() {
		rec, ok := s.deps.Store.Get(id)
		if !ok {
			continue
		}
		if IsCandidate(rec, now, inactivity) {
			out = append(out, id)
		}
	}
	return out
}

var errAborted = errors.New("aborted")

func (s *Scheduler) engage(ctx context.Context, log zerolog.Logger, p Policy, userID int64) error {
	log = log.With().Int64("user_id", userID).Logger()

	var newsText string
	if s.deps.News != nil && s.deps.Rand.Float64() < p.NewsProbability {
		if item, ok := s.deps.News.RandomItem(); ok {
			newsText = news.Format(item)
			log.Debug().Str("news", item.Title).Msg("seeding with news")
		}
	}

	before, ok := s.deps.Store.Get(userID)
	if !ok {
		return errAborted
	}

	req := llm.Request{
		System:   p.SystemPrompt,
		Messages: llm.FromHistory(s.deps.Store.ContextWindow(userID, p.MaxContextMessages)),
		Extra:    llm.ProactivePrompt(p.Prompt, newsText),
	}

	genCtx, cancel := withTimeout(ctx, p.GenerateTimeout)
	resp, err := s.deps.LLM.Generate(genCtx, req)
	cancel()
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty response")
	}
	if err != nil {
		if ctx.Err() != nil {
			return errAborted
		}
		log.Warn().Err(err).Msg("proactive generation failed")
		return fmt.Errorf("user %d: %w: %w", userID, ErrGeneration, err)
	}
	text := strings.TrimSpace(resp.Content)

	if typer, ok := s.deps.Sender.(Typer); ok {
		if err := typer.Typing(ctx, userID); err != nil {
			log.Debug().Err(err).Msg("typing indicator failed")
		}
	}
	if s.deps.Timing != nil {
		if !s.deps.Sleep(ctx, s.deps.Timing.DelayFor(text)) {
			return errAborted
		}
	}

	// The user may have written while we were generating; a reply to them
	// is already on its way through the reactive path.
	if cur, ok := s.deps.Store.Get(userID); !ok || cur.LastActivityAt().After(before.LastActivityAt()) {
		log.Info().Msg("user became active, dropping proactive message")
		return errAborted
	}

	sendCtx, cancel := withTimeout(ctx, p.SendTimeout)
	err = s.deps.Sender.Send(sendCtx, userID, text)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("proactive send failed")
		return fmt.Errorf("user %d: %w: %w", userID, ErrTransport, err)
	}

	if err := s.deps.Store.AppendProactive(userID, text, s.deps.Now()); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			log.Info().Msg("conversation reset while sending, proactive message not recorded")
			return errAborted
		}
		log.Error().Err(err).Msg("record proactive message")
		return err
	}
	log.Info().Int("chars", len([]rune(text))).Bool("news", newsText != "").Msg("proactive message sent")
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
