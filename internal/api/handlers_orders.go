package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/pagination"
	"github.com/safar/go-sql-marketplace/internal/payment"
)

type checkoutRequest struct {
	Shipping models.ShippingInfo `json:"shipping" validate:"required"`
	Payment  payment.Info        `json:"payment"`
}

// handleCheckout places an order from the caller's cart and charges it. A
// declined charge answers 402 with the unpaid order in the error details so
// the client can retry payment on it.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	order, err := s.orders.PlaceOrder(r.Context(), uid, req.Shipping, req.Payment)
	if err != nil {
		respondError(r.Context(), s.logger, w, declinedWithOrder(err, order))
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

type payRequest struct {
	Payment payment.Info `json:"payment"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req payRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	order, err := s.orders.ProcessPayment(r.Context(), chi.URLParam(r, "orderID"), uid, req.Payment)
	if err != nil {
		respondError(r.Context(), s.logger, w, declinedWithOrder(err, order))
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func declinedWithOrder(err error, order *models.Order) error {
	if order != nil && errors.Is(err, apperr.ErrGatewayDeclined) {
		return withDetails(err, map[string]any{"order": order})
	}
	return err
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context(), r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	result, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "orderID"), actor)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type applyPromotionRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type promotionResponse struct {
	Order           *models.Order `json:"order"`
	DiscountedTotal string        `json:"discounted_total"`
}

func (s *Server) handleApplyPromotion(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req applyPromotionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	order, err := s.orders.ApplyPromotion(r.Context(), chi.URLParam(r, "orderID"), uid, req.Code)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, promotionResponse{Order: order, DiscountedTotal: order.TotalAmount.StringFixed(2)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context(), r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"), actor)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
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

	page, err := s.orders.ListForBuyer(r.Context(), uid, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleListSellerOrders(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context(), r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	page, err := s.orders.ListForSeller(r.Context(), actor, status, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context(), r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	order, err := s.orders.UpdateStatus(r.Context(), chi.URLParam(r, "orderID"), actor, status)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return pagination.DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > pagination.MaxLimit {
		return 0, withDetails(
			apperr.New(apperr.KindValidation, "limit is out of range"),
			map[string]any{"field": "limit", "min": 1, "max": pagination.MaxLimit},
		)
	}
	return limit, nil
}
