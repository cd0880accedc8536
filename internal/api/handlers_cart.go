package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/cart"
)

// cartOwner prefers the signed-in user over the guest session.
func cartOwner(r *http.Request) (cart.Owner, error) {
	owner := cart.Owner{
		UserID:    strings.TrimSpace(r.Header.Get(headerUserID)),
		SessionID: strings.TrimSpace(r.Header.Get(headerSessionID)),
	}
	if owner.UserID == "" && owner.SessionID == "" {
		return owner, apperr.New(apperr.KindForbidden, "X-User-ID or X-Session-ID header is required")
	}
	if owner.UserID != "" {
		owner.SessionID = ""
	}
	return owner, nil
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	c, err := s.carts.GetOrCreateCart(r.Context(), owner)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	quote, err := s.carts.Quote(r.Context(), owner, r.URL.Query().Get("code"))
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

type addItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req addItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	c, err := s.carts.AddItem(r.Context(), owner, req.ProductID, req.Quantity)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req updateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	c, err := s.carts.UpdateItem(r.Context(), owner, chi.URLParam(r, "productID"), req.Quantity)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	c, err := s.carts.RemoveItem(r.Context(), owner, chi.URLParam(r, "productID"))
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// mergeCartRequest merges either explicit guest items or a whole guest
// session cart into the caller's cart.
type mergeCartRequest struct {
	SessionID string           `json:"session_id" validate:"required_without=Items"`
	Items     []cart.GuestItem `json:"items" validate:"required_without=SessionID,dive"`
}

func (s *Server) handleMergeCart(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req mergeCartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var result cart.MergeResult
	if req.SessionID != "" {
		result, err = s.carts.MergeSessionCart(r.Context(), uid, req.SessionID)
	} else {
		result, err = s.carts.MergeGuestItems(r.Context(), uid, req.Items)
	}
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
