package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/directory"
	"github.com/safar/go-sql-marketplace/internal/idempotency"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/pagination"
	"github.com/safar/go-sql-marketplace/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkoutBody = `{"shipping":{"address":"1 Main St","city":"Springfield","country":"US","postal_code":"12345"},"payment":{"method":"card","source_id":"tok_ok"}}`

// fakeOrders embeds the interface so unused methods panic if reached.
type fakeOrders struct {
	OrderService

	mu           sync.Mutex
	placeCalls   int
	placeOrder   func(userID string) (*models.Order, error)
	updateStatus func(actor directory.Actor, status models.OrderStatus) (*models.Order, error)
	get          func(orderID string) (*models.Order, error)
	listBuyer    func(userID, cursor string, limit int) (*pagination.CursorPage[models.Order], error)
}

func (f *fakeOrders) PlaceOrder(_ context.Context, userID string, _ models.ShippingInfo, _ payment.Info) (*models.Order, error) {
	f.mu.Lock()
	f.placeCalls++
	f.mu.Unlock()
	return f.placeOrder(userID)
}

func (f *fakeOrders) UpdateStatus(_ context.Context, _ string, actor directory.Actor, status models.OrderStatus) (*models.Order, error) {
	return f.updateStatus(actor, status)
}

func (f *fakeOrders) Get(_ context.Context, orderID string, _ directory.Actor) (*models.Order, error) {
	return f.get(orderID)
}

func (f *fakeOrders) ListForBuyer(_ context.Context, userID, cursor string, limit int) (*pagination.CursorPage[models.Order], error) {
	return f.listBuyer(userID, cursor, limit)
}

func (f *fakeOrders) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

type fakeDirectory struct {
	Directory
	actors map[string]directory.Actor
}

func (f fakeDirectory) ResolveActor(_ context.Context, userID string) (directory.Actor, error) {
	actor, ok := f.actors[userID]
	if !ok {
		return directory.Actor{}, apperr.Newf(apperr.KindNotFound, "user %s not found", userID)
	}
	return actor, nil
}

type fakeCatalog struct {
	Catalog
	product *models.Product
	setErr  error
}

func (f fakeCatalog) GetProduct(_ context.Context, _ string) (*models.Product, error) {
	return f.product, nil
}

func (f fakeCatalog) SetStock(_ context.Context, _ string, _, _ int) (*models.Product, error) {
	return nil, f.setErr
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error errorBody       `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, user, body string, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func sampleOrder(userID string) *models.Order {
	return &models.Order{
		ID:            "order-1",
		UserID:        userID,
		TotalAmount:   decimal.RequireFromString("48.20"),
		PaymentStatus: models.PaymentStatusPaid,
		OrderStatus:   models.OrderStatusProcessing,
	}
}

func TestCheckoutCreatesOrderAndReplays(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := idempotency.NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := &fakeOrders{placeOrder: func(userID string) (*models.Order, error) { return sampleOrder(userID), nil }}
	h := NewRouter(Deps{Orders: fake, Idempotency: store, IdempotencyTTL: time.Hour})

	rec, env := do(t, h, http.MethodPost, "/api/v1/checkout", "buyer-1", checkoutBody, idempotency.HeaderKey, "chk-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order models.Order
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, "buyer-1", order.UserID)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	replay, _ := do(t, h, http.MethodPost, "/api/v1/checkout", "buyer-1", checkoutBody, idempotency.HeaderKey, "chk-1")
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get(idempotency.HeaderReplayed))
	assert.JSONEq(t, rec.Body.String(), replay.Body.String())
	assert.Equal(t, 1, fake.calls())
}

func TestCheckoutDeclineReturnsOrder(t *testing.T) {
	fake := &fakeOrders{placeOrder: func(userID string) (*models.Order, error) {
		order := sampleOrder(userID)
		order.PaymentStatus = models.PaymentStatusFailed
		order.OrderStatus = models.OrderStatusCreated
		return order, apperr.Wrap(apperr.KindGatewayDeclined, errors.New("card declined"), "payment declined")
	}}
	h := NewRouter(Deps{Orders: fake})

	rec, env := do(t, h, http.MethodPost, "/api/v1/checkout", "buyer-1", checkoutBody)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "GATEWAY_DECLINED", env.Error.Code)
	assert.Equal(t, "payment declined", env.Error.Message)

	details, ok := env.Error.Details.(map[string]any)
	require.True(t, ok)
	order, ok := details["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "order-1", order["id"])
	assert.Equal(t, "FAILED", order["payment_status"])
}

func TestCheckoutStockConflictNamesProduct(t *testing.T) {
	fake := &fakeOrders{placeOrder: func(string) (*models.Order, error) {
		return nil, apperr.InsufficientStock("prod-b", 2, 1)
	}}
	h := NewRouter(Deps{Orders: fake})

	rec, env := do(t, h, http.MethodPost, "/api/v1/checkout", "buyer-1", checkoutBody)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_STOCK", env.Error.Code)
	assert.Contains(t, env.Error.Message, "prod-b")
	assert.Equal(t, map[string]any{"product_id": "prod-b", "requested": float64(2), "available": float64(1)}, env.Error.Details)
}

func TestCheckoutValidationDetails(t *testing.T) {
	fake := &fakeOrders{}
	h := NewRouter(Deps{Orders: fake})

	rec, env := do(t, h, http.MethodPost, "/api/v1/checkout", "buyer-1", `{"shipping":{"address":"1 Main St","country":"US","postal_code":"12345"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Equal(t, map[string]any{"shipping.city": "is required"}, env.Error.Details)

	rec, env = do(t, h, http.MethodPost, "/api/v1/checkout", "buyer-1", `{"shipping":{},"coupon":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", env.Error.Message)
	assert.Equal(t, 0, fake.calls())
}

func TestMissingUserHeaderIsForbidden(t *testing.T) {
	h := NewRouter(Deps{Orders: &fakeOrders{}})

	rec, env := do(t, h, http.MethodPost, "/api/v1/checkout", "", checkoutBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
	assert.Equal(t, "X-User-ID header is required", env.Error.Message)
}

func TestSellerStatusUpdate(t *testing.T) {
	seller := directory.Actor{
		UserID: "seller-1",
		Role:   models.RoleSeller,
		Seller: &directory.SellerProfile{StoreID: "store-1", StoreName: "Shop"},
	}
	var gotStatus models.OrderStatus
	fake := &fakeOrders{updateStatus: func(actor directory.Actor, status models.OrderStatus) (*models.Order, error) {
		gotStatus = status
		assert.Equal(t, "store-1", actor.Seller.StoreID)
		if status == models.OrderStatusCancelled {
			return nil, apperr.New(apperr.KindInvalidTransition, "orders are cancelled through the cancel endpoint")
		}
		order := sampleOrder("buyer-1")
		order.OrderStatus = status
		return order, nil
	}}
	h := NewRouter(Deps{
		Orders:    fake,
		Directory: fakeDirectory{actors: map[string]directory.Actor{"seller-1": seller}},
	})

	rec, env := do(t, h, http.MethodPut, "/api/v1/seller/orders/order-1/status", "seller-1", `{"status":"shipped"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.OrderStatusShipped, gotStatus)
	var order models.Order
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, models.OrderStatusShipped, order.OrderStatus)

	rec, env = do(t, h, http.MethodPut, "/api/v1/seller/orders/order-1/status", "seller-1", `{"status":"CANCELLED"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)

	rec, env = do(t, h, http.MethodPut, "/api/v1/seller/orders/order-1/status", "ghost", `{"status":"SHIPPED"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unknown user", env.Error.Message)
}

func TestSellerStatusTransitionsRejected(t *testing.T) {
	seller := directory.Actor{
		UserID: "seller-1",
		Role:   models.RoleSeller,
		Seller: &directory.SellerProfile{StoreID: "store-1"},
	}
	fake := &fakeOrders{}
	// unpaid orders, backward moves and same-state moves are all refused
	fake.updateStatus = func(directory.Actor, models.OrderStatus) (*models.Order, error) {
		return nil, apperr.New(apperr.KindInvalidTransition, "order status transition not allowed")
	}
	h := NewRouter(Deps{
		Orders:    fake,
		Directory: fakeDirectory{actors: map[string]directory.Actor{"seller-1": seller}},
	})

	tests := []struct {
		orderID string
		status  string
	}{
		{"unpaid", "PROCESSING"},
		{"shipped", "PROCESSING"},
		{"shipped", "SHIPPED"},
	}
	for _, tt := range tests {
		rec, env := do(t, h, http.MethodPut, "/api/v1/seller/orders/"+tt.orderID+"/status", "seller-1", `{"status":"`+tt.status+`"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "%s -> %s", tt.orderID, tt.status)
		assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
		assert.Equal(t, "order status transition not allowed", env.Error.Message)
	}

	fake.updateStatus = func(directory.Actor, models.OrderStatus) (*models.Order, error) {
		return nil, apperr.New(apperr.KindInvalidStatus, "unknown order status LOST")
	}
	rec, env := do(t, h, http.MethodPut, "/api/v1/seller/orders/shipped/status", "seller-1", `{"status":"lost"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_STATUS", env.Error.Code)
}

func TestListOrdersLimit(t *testing.T) {
	var gotLimit int
	fake := &fakeOrders{listBuyer: func(userID, cursor string, limit int) (*pagination.CursorPage[models.Order], error) {
		gotLimit = limit
		return &pagination.CursorPage[models.Order]{Items: []models.Order{*sampleOrder(userID)}}, nil
	}}
	h := NewRouter(Deps{Orders: fake})

	rec, _ := do(t, h, http.MethodGet, "/api/v1/orders?limit=5", "buyer-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, gotLimit)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/orders", "buyer-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pagination.DefaultLimit, gotLimit)

	rec, env := do(t, h, http.MethodGet, "/api/v1/orders?limit=500", "buyer-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestStockVersionConflict(t *testing.T) {
	seller := directory.Actor{UserID: "seller-1", Role: models.RoleSeller, Seller: &directory.SellerProfile{StoreID: "store-1"}}
	h := NewRouter(Deps{
		Directory: fakeDirectory{actors: map[string]directory.Actor{"seller-1": seller}},
		Catalog: fakeCatalog{
			product: &models.Product{ID: "prod-1", StoreID: "store-1"},
			setErr:  database.ErrOptimisticLockFailed,
		},
	})

	rec, env := do(t, h, http.MethodPut, "/api/v1/products/prod-1/stock", "seller-1", `{"stock":4,"version":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "VERSION_CONFLICT", env.Error.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("orders_checkout_total 1\n"))
	})

	h := NewRouter(Deps{Health: pinger{}, Metrics: metrics})
	rec, _ := do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec, _ = do(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orders_checkout_total")

	down := NewRouter(Deps{Health: pinger{err: errors.New("connection refused")}})
	rec, _ = do(t, down, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPanicBecomesInternalError(t *testing.T) {
	buyer := directory.Actor{UserID: "buyer-1", Role: models.RoleBuyer}
	fake := &fakeOrders{get: func(string) (*models.Order, error) { panic("nil map") }}
	h := NewRouter(Deps{
		Orders:    fake,
		Directory: fakeDirectory{actors: map[string]directory.Actor{"buyer-1": buyer}},
	})

	rec, env := do(t, h, http.MethodGet, "/api/v1/orders/order-1", "buyer-1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.Equal(t, "internal server error", env.Error.Message)
}
