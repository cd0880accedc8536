package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/catalog"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

type createUserRequest struct {
	Email string      `json:"email" validate:"required,email,max=255"`
	Name  string      `json:"name" validate:"required,max=255"`
	Role  models.Role `json:"role" validate:"omitempty,oneof=BUYER SELLER ADMIN"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	user, err := s.directory.CreateUser(r.Context(), req.Email, req.Name, req.Role)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

type createStoreRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	ownerID, err := userID(r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req createStoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	store, err := s.directory.CreateStore(r.Context(), ownerID, req.Name)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusCreated, store)
}

type createPromotionRequest struct {
	Code       string          `json:"code" validate:"required,max=64"`
	Percentage decimal.Decimal `json:"percentage"`
	ExpiresOn  string          `json:"expires_on" validate:"required,datetime=2006-01-02"`
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context(), r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	if actor.Role != models.RoleAdmin {
		respondError(r.Context(), s.logger, w, apperr.New(apperr.KindForbidden, "only admins can create promotions"))
		return
	}

	var req createPromotionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	expiresOn, err := time.Parse("2006-01-02", req.ExpiresOn)
	if err != nil {
		respondError(r.Context(), s.logger, w, apperr.Wrap(apperr.KindValidation, err, "invalid expires_on"))
		return
	}

	promo, err := s.promotions.CreatePromotion(r.Context(), strings.TrimSpace(req.Code), req.Percentage, expiresOn)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusCreated, promo)
}

type createProductRequest struct {
	SKU         string          `json:"sku" validate:"required,max=64"`
	Name        string          `json:"name" validate:"required,max=255"`
	Description string          `json:"description" validate:"max=2000"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock" validate:"gte=0"`
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context(), r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	if !actor.IsSeller() {
		respondError(r.Context(), s.logger, w, apperr.New(apperr.KindForbidden, "only sellers with a store can list products"))
		return
	}

	var req createProductRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	product, err := s.catalog.CreateProduct(r.Context(), catalog.NewProduct{
		StoreID:     actor.Seller.StoreID,
		SKU:         req.SKU,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Stock:       req.Stock,
	})
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusCreated, product)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.catalog.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

type setStockRequest struct {
	Stock   int `json:"stock" validate:"gte=0"`
	Version int `json:"version" validate:"required,gt=0"`
}

func (s *Server) handleSetStock(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r.Context(), r)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	var req setStockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}

	productID := chi.URLParam(r, "productID")
	product, err := s.catalog.GetProduct(r.Context(), productID)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	if !actor.IsSeller() || actor.Seller.StoreID != product.StoreID {
		respondError(r.Context(), s.logger, w, apperr.New(apperr.KindForbidden, "only the product's seller can change its stock"))
		return
	}

	updated, err := s.catalog.SetStock(r.Context(), productID, req.Stock, req.Version)
	if err != nil {
		respondError(r.Context(), s.logger, w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}
