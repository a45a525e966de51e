package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/model"
)

const dateLayout = "2006-01-02"

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users := s.convs.Summaries()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(users),
		"users": users,
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	rec, found := s.convs.Get(userID)
	if !found {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	resp := map[string]any{
		"user_id":       rec.UserID,
		"username":      rec.Username,
		"first_name":    rec.FirstName,
		"display_name":  conversation.DisplayName(rec),
		"created_at":    rec.CreatedAt,
		"message_count": len(rec.Messages),
		"messages":      rec.Messages,
	}
	if len(rec.Messages) > 0 {
		resp["last_activity_at"] = rec.LastActivityAt()
	}
	if rec.LastProactiveAt != nil {
		resp["last_proactive_at"] = *rec.LastProactiveAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMessages filters by calendar day. Both dates are inclusive; either
// may be omitted.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var from, to time.Time
	if v := r.URL.Query().Get("start_date"); v != "" {
		d, err := time.ParseInLocation(dateLayout, v, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		from = d
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		d, err := time.ParseInLocation(dateLayout, v, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		to = d.AddDate(0, 0, 1)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		writeError(w, http.StatusBadRequest, "start_date is after end_date")
		return
	}

	msgs, err := s.convs.MessagesBetween(userID, from, to)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"count":    len(msgs),
		"messages": msgs,
	})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	if s.news == nil {
		writeJSON(w, http.StatusOK, map[string]any{"count": 0, "items": []model.NewsItem{}})
		return
	}
	items := s.news.Items()
	if items == nil {
		items = []model.NewsItem{}
	}
	resp := map[string]any{
		"count": len(items),
		"items": items,
	}
	if t := s.news.LastRefreshed(); !t.IsZero() {
		resp["last_refreshed_at"] = t
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}
