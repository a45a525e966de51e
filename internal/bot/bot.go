// Package bot answers users as they write: it long-polls the transport,
// handles the /start, /help and /reset commands, and replies to plain text
// through the LLM with the conversation history as context.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/lazypower/companion/internal/llm"
	"github.com/lazypower/companion/internal/model"
	"github.com/lazypower/companion/internal/timing"
)

// Inbound is one message received from a user.
type Inbound struct {
	UpdateID  int64
	UserID    int64
	Username  string
	FirstName string
	Text      string
	At        time.Time
}

// Transport moves messages between the bot and users.
type Transport interface {
	Updates(ctx context.Context, offset int64, timeout int) ([]Inbound, error)
	Send(ctx context.Context, userID int64, text string) error
	Typing(ctx context.Context, userID int64) error
}

// Conversations is the part of the conversation store the bot writes to.
type Conversations interface {
	Ensure(userID int64, username, firstName string) (*model.ConversationRecord, error)
	Append(userID int64, role model.Role, content string, ts time.Time) error
	ContextWindow(userID int64, limit int) []model.Message
	Clear(userID int64) error
}

// Delayer computes the simulated typing delay for a reply.
type Delayer interface {
	DelayFor(text string) time.Duration
}

// Deps are the bot's collaborators. Timing, Now and Sleep are optional.
type Deps struct {
	Transport Transport
	Store     Conversations
	LLM       llm.Client
	Timing    Delayer
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) bool
	Log       zerolog.Logger
}

// Options tune reply generation and polling.
type Options struct {
	SystemPrompt       string
	FallbackReply      string
	MaxContextMessages int
	PollTimeout        int // seconds
	Workers            int
	GenerateTimeout    time.Duration
	RetryDelay         time.Duration
}

// Bot is the reactive half of the companion.
type Bot struct {
	deps Deps
	opts Options
	log  zerolog.Logger
}

// New creates a bot.
func New(deps Deps, opts Options) *Bot {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = timing.Sleep
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxContextMessages <= 0 {
		opts.MaxContextMessages = 20
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	opts.SystemPrompt = llm.SystemPrompt(opts.SystemPrompt)
	return &Bot{
		deps: deps,
		opts: opts,
		log:  deps.Log.With().Str("component", "bot").Logger(),
	}
}

// Run polls for updates until ctx is cancelled. Each batch is handled
// before the offset moves past it.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info().Int("workers", b.opts.Workers).Msg("bot polling started")
	var offset int64
	for {
		if ctx.Err() != nil {
			b.log.Info().Msg("bot polling stopped")
			return nil
		}

		updates, err := b.deps.Transport.Updates(ctx, offset, b.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.log.Warn().Err(err).Msg("get updates failed")
			b.deps.Sleep(ctx, b.opts.RetryDelay)
			continue
		}
		if len(updates) == 0 {
			continue
		}

		b.HandleBatch(ctx, updates)
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}

// HandleBatch processes a batch of inbound messages. Messages from the same
// user are handled in order; different users are handled concurrently.
func (b *Bot) HandleBatch(ctx context.Context, batch []Inbound) {
	byUser := make(map[int64][]Inbound)
	for _, in := range batch {
		if in.UserID == 0 || strings.TrimSpace(in.Text) == "" {
			continue
		}
		byUser[in.UserID] = append(byUser[in.UserID], in)
	}

	users := make([]int64, 0, len(byUser))
	for id := range byUser {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	p := pool.New().WithMaxGoroutines(b.opts.Workers)
	for _, id := range users {
		msgs := byUser[id]
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].UpdateID < msgs[j].UpdateID })
		p.Go(func() {
			for _, in := range msgs {
				if err := b.Handle(ctx, in); err != nil {
					b.log.Error().Err(err).Int64("user_id", in.UserID).Int64("update_id", in.UpdateID).Msg("handle message")
				}
			}
		})
	}
	p.Wait()
}

// Handle dispatches one inbound message.
func (b *Bot) Handle(ctx context.Context, in Inbound) error {
	text := strings.TrimSpace(in.Text)
	cmd, _, _ := strings.Cut(text, " ")
	// "/start@my_bot" in group-style addressing
	cmd, _, _ = strings.Cut(cmd, "@")

	switch cmd {
	case "/start":
		return b.start(ctx, in)
	case "/help":
		return b.deps.Transport.Send(ctx, in.UserID, helpMessage)
	case "/reset":
		return b.reset(ctx, in)
	}
	return b.reply(ctx, in, text)
}

func (b *Bot) start(ctx context.Context, in Inbound) error {
	if _, err := b.deps.Store.Ensure(in.UserID, in.Username, in.FirstName); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	b.log.Info().Int64("user_id", in.UserID).Str("username", in.Username).Msg("user started the bot")
	return b.deps.Transport.Send(ctx, in.UserID, welcomeMessage(in.FirstName))
}

func (b *Bot) reset(ctx context.Context, in Inbound) error {
	if err := b.deps.Store.Clear(in.UserID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return b.deps.Transport.Send(ctx, in.UserID, resetMessage)
}

// reply records the user's message, generates an answer and delivers it.
// The answer is recorded only after it was delivered.
func (b *Bot) reply(ctx context.Context, in Inbound, text string) error {
	log := b.log.With().Str("request", uuid.NewString()).Int64("user_id", in.UserID).Logger()

	if _, err := b.deps.Store.Ensure(in.UserID, in.Username, in.FirstName); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	now := b.deps.Now()
	if err := b.deps.Store.Append(in.UserID, model.RoleUser, text, now); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}
	ev := log.Debug().Int("chars", len([]rune(text)))
	if !in.At.IsZero() {
		ev = ev.Dur("lag", now.Sub(in.At))
	}
	ev.Msg("message received")

	if err := b.deps.Transport.Typing(ctx, in.UserID); err != nil {
		log.Debug().Err(err).Msg("typing indicator failed")
	}

	answer, err := b.generate(ctx, in.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("reply generation failed, sending fallback")
		if b.opts.FallbackReply == "" {
			return err
		}
		return b.deps.Transport.Send(ctx, in.UserID, b.opts.FallbackReply)
	}

	if b.deps.Timing != nil {
		if !b.deps.Sleep(ctx, b.deps.Timing.DelayFor(answer)) {
			return ctx.Err()
		}
	}

	if err := b.deps.Transport.Send(ctx, in.UserID, answer); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if err := b.deps.Store.Append(in.UserID, model.RoleAssistant, answer, b.deps.Now()); err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	log.Info().Int("chars", len([]rune(answer))).Msg("reply sent")
	return nil
}

func (b *Bot) generate(ctx context.Context, userID int64) (string, error) {
	if b.opts.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.GenerateTimeout)
		defer cancel()
	}
	resp, err := b.deps.LLM.Generate(ctx, llm.Request{
		System:   b.opts.SystemPrompt,
		Messages: llm.FromHistory(b.deps.Store.ContextWindow(userID, b.opts.MaxContextMessages)),
	})
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}
