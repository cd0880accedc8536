// Package api exposes the marketplace over HTTP. Callers identify
// themselves with X-User-ID (or X-Session-ID for guest carts); errors are
// returned as a JSON envelope derived from apperr metadata.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-sql-marketplace/internal/cart"
	"github.com/safar/go-sql-marketplace/internal/catalog"
	"github.com/safar/go-sql-marketplace/internal/directory"
	"github.com/safar/go-sql-marketplace/internal/idempotency"
	"github.com/safar/go-sql-marketplace/internal/logger"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/notify"
	"github.com/safar/go-sql-marketplace/internal/orders"
	"github.com/safar/go-sql-marketplace/internal/pagination"
	"github.com/safar/go-sql-marketplace/internal/payment"
	"github.com/shopspring/decimal"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, userID string, shipping models.ShippingInfo, info payment.Info) (*models.Order, error)
	ProcessPayment(ctx context.Context, orderID, userID string, info payment.Info) (*models.Order, error)
	Cancel(ctx context.Context, orderID string, actor directory.Actor) (*orders.CancelResult, error)
	UpdateStatus(ctx context.Context, orderID string, actor directory.Actor, status models.OrderStatus) (*models.Order, error)
	ApplyPromotion(ctx context.Context, orderID, userID, code string) (*models.Order, error)
	Get(ctx context.Context, orderID string, actor directory.Actor) (*models.Order, error)
	ListForBuyer(ctx context.Context, userID, cursor string, limit int) (*pagination.CursorPage[models.Order], error)
	ListForSeller(ctx context.Context, actor directory.Actor, status models.OrderStatus, cursor string, limit int) (*pagination.CursorPage[models.Order], error)
}

type CartService interface {
	GetOrCreateCart(ctx context.Context, owner cart.Owner) (*models.Cart, error)
	AddItem(ctx context.Context, owner cart.Owner, productID string, quantity int) (*models.Cart, error)
	UpdateItem(ctx context.Context, owner cart.Owner, productID string, quantity int) (*models.Cart, error)
	RemoveItem(ctx context.Context, owner cart.Owner, productID string) (*models.Cart, error)
	MergeGuestItems(ctx context.Context, userID string, items []cart.GuestItem) (cart.MergeResult, error)
	MergeSessionCart(ctx context.Context, userID, sessionID string) (cart.MergeResult, error)
	Quote(ctx context.Context, owner cart.Owner, code string) (*cart.Quote, error)
}

type NotificationService interface {
	List(ctx context.Context, userID string, params notify.ListParams) (*pagination.CursorPage[models.Notification], error)
	MarkRead(ctx context.Context, userID, id string) (*models.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

type Directory interface {
	CreateUser(ctx context.Context, email, name string, role models.Role) (*models.User, error)
	CreateStore(ctx context.Context, ownerID, name string) (*models.Store, error)
	ResolveActor(ctx context.Context, userID string) (directory.Actor, error)
}

type Catalog interface {
	CreateProduct(ctx context.Context, in catalog.NewProduct) (*models.Product, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	SetStock(ctx context.Context, productID string, stock, version int) (*models.Product, error)
}

type Promotions interface {
	CreatePromotion(ctx context.Context, code string, percentage decimal.Decimal, expiresOn time.Time) (*models.Promotion, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Orders        OrderService
	Carts         CartService
	Notifications NotificationService
	Directory     Directory
	Catalog       Catalog
	Promotions    Promotions
	Logger        *logger.Logger
	// Idempotency is optional; nil disables Idempotency-Key replay.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Health         Pinger
	Metrics        http.Handler
}

type Server struct {
	orders        OrderService
	carts         CartService
	notifications NotificationService
	directory     Directory
	catalog       Catalog
	promotions    Promotions
	logger        *logger.Logger
	health        Pinger
}

func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	s := &Server{
		orders:        deps.Orders,
		carts:         deps.Carts,
		notifications: deps.Notifications,
		directory:     deps.Directory,
		catalog:       deps.Catalog,
		promotions:    deps.Promotions,
		logger:        deps.Logger,
		health:        deps.Health,
	}

	idem := idempotency.Middleware(deps.Idempotency, idempotency.Options{
		TTL:    deps.IdempotencyTTL,
		Logger: deps.Logger,
		WriteError: func(w http.ResponseWriter, r *http.Request, err error) {
			respondError(r.Context(), s.logger, w, err)
		},
	})

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		requestLogger(deps.Logger),
		recoverer(deps.Logger),
	)

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Post("/stores", s.handleCreateStore)
		r.Post("/promotions", s.handleCreatePromotion)

		r.Route("/products", func(r chi.Router) {
			r.Post("/", s.handleCreateProduct)
			r.Get("/{productID}", s.handleGetProduct)
			r.Put("/{productID}/stock", s.handleSetStock)
		})

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", s.handleGetCart)
			r.Get("/quote", s.handleQuote)
			r.Post("/items", s.handleAddItem)
			r.Put("/items/{productID}", s.handleUpdateItem)
			r.Delete("/items/{productID}", s.handleRemoveItem)
			r.Post("/merge", s.handleMergeCart)
		})

		r.With(idem).Post("/checkout", s.handleCheckout)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.handleListOrders)
			r.Get("/{orderID}", s.handleGetOrder)
			r.With(idem).Post("/{orderID}/pay", s.handlePay)
			r.With(idem).Post("/{orderID}/cancel", s.handleCancel)
			r.Post("/{orderID}/promotion", s.handleApplyPromotion)
		})

		r.Route("/seller/orders", func(r chi.Router) {
			r.Get("/", s.handleListSellerOrders)
			r.Put("/{orderID}/status", s.handleUpdateStatus)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/{notificationID}/read", s.handleMarkRead)
			r.Post("/read-all", s.handleMarkAllRead)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.PingContext(ctx); err != nil {
			s.logger.Error(r.Context(), "health check failed", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
