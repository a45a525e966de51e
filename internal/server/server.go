package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/model"
)

// Conversations is the read side of the conversation store.
type Conversations interface {
	Summaries() []conversation.UserSummary
	Get(userID int64) (*model.ConversationRecord, bool)
	MessagesBetween(userID int64, from, to time.Time) ([]model.Message, error)
}

// News is the read side of the news cache.
type News interface {
	Items() []model.NewsItem
	Count() int
	LastRefreshed() time.Time
}

// Server is the read-only companion dashboard API.
type Server struct {
	convs   Conversations
	news    News
	router  chi.Router
	version string
	started time.Time
	loc     *time.Location
	log     zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLocation sets the timezone used to interpret date query parameters.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) { s.loc = loc }
}

// WithLogger sets the request logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log.With().Str("component", "server").Logger() }
}

// New creates a new Server. news may be nil when no feeds are configured.
func New(convs Conversations, news News, version string, opts ...Option) *Server {
	s := &Server{
		convs:   convs,
		news:    news,
		version: version,
		started: time.Now(),
		loc:     time.Local,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/users", s.handleUsers)
		r.Get("/users/{userID}", s.handleUser)
		r.Get("/users/{userID}/messages", s.handleMessages)
		r.Get("/news", s.handleNews)
	})

	s.router = r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"users":   len(s.convs.Summaries()),
	}
	if s.news != nil {
		body["news_items"] = s.news.Count()
		if t := s.news.LastRefreshed(); !t.IsZero() {
			body["news_refreshed_at"] = t
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
