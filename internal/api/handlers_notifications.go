package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/notify"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	unreadOnly := false
	if raw := r.URL.Query().Get("unread"); raw != "" {
		if unreadOnly, err = strconv.ParseBool(raw); err != nil {
			respondError(r.Context(), s.logger, w, apperr.New(apperr.KindValidation, "unread must be a boolean"))
			return
		}
	}

	page, err := s.notifications.List(r.Context(), uid, notify.ListParams{
		Cursor:     r.URL.Query().Get("cursor"),
		Limit:      limit,
		UnreadOnly: unreadOnly,
	})
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	n, err := s.notifications.MarkRead(r.Context(), uid, chi.URLParam(r, "notificationID"))
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	updated, err := s.notifications.MarkAllRead(r.Context(), uid)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
