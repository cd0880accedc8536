// Package orders turns carts into orders and drives them through payment,
// fulfillment and cancellation. Every transition locks the order row, and
// notifications go out only after the transition has committed.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/cart"
	"github.com/safar/go-sql-marketplace/internal/catalog"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/directory"
	"github.com/safar/go-sql-marketplace/internal/logger"
	"github.com/safar/go-sql-marketplace/internal/metrics"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/notify"
	"github.com/safar/go-sql-marketplace/internal/pagination"
	"github.com/safar/go-sql-marketplace/internal/payment"
	"github.com/safar/go-sql-marketplace/internal/pricing"
	"go.uber.org/multierr"
)

const (
	defaultNotifyTimeout = 3 * time.Second
	defaultSettleTimeout = 30 * time.Second
)

type Options struct {
	Gateway       payment.Gateway
	Sink          notify.Sink
	Rates         pricing.Rates
	Metrics       *metrics.OrderMetrics
	Logger        *logger.Logger
	NotifyTimeout time.Duration
	// SettleTimeout bounds a payment or cancel transaction once it has
	// started; those transactions ignore the caller's cancellation.
	SettleTimeout time.Duration
}

type Engine struct {
	db            *sql.DB
	carts         *cart.Service
	gateway       payment.Gateway
	sink          notify.Sink
	rates         pricing.Rates
	metrics       *metrics.OrderMetrics
	logger        *logger.Logger
	validate      *validator.Validate
	notifyTimeout time.Duration
	settleTimeout time.Duration
	now           func() time.Time
}

func NewEngine(db *sql.DB, carts *cart.Service, opts Options) *Engine {
	if opts.Gateway == nil {
		opts.Gateway = payment.NewSimulated()
	}
	if opts.Sink == nil {
		opts.Sink = notify.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = defaultSettleTimeout
	}

	return &Engine{
		db:            db,
		carts:         carts,
		gateway:       opts.Gateway,
		sink:          opts.Sink,
		rates:         opts.Rates,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		validate:      validator.New(),
		notifyTimeout: opts.NotifyTimeout,
		settleTimeout: opts.SettleTimeout,
		now:           time.Now,
	}
}

// Checkout converts the user's cart into a CREATED/PENDING order. Stock for
// every item is decremented in the same transaction that inserts the order,
// so a failure on any item leaves stock, order and cart untouched.
func (e *Engine) Checkout(ctx context.Context, userID string, shipping models.ShippingInfo) (*models.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.New(apperr.KindForbidden, "checkout requires a signed-in user")
	}
	if err := e.validate.Struct(shipping); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid shipping info")
	}

	var order *models.Order
	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order = nil

		cartID, err := e.carts.Resolve(ctx, tx, cart.Owner{UserID: userID})
		if err != nil {
			return err
		}

		// sorted by product id, so concurrent checkouts lock rows in the same order
		items, err := cart.Items(ctx, tx, cartID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return apperr.ErrEmptyCart
		}

		lines := make([]pricing.Line, 0, len(items))
		snapshot := make([]models.OrderItem, 0, len(items))
		for _, item := range items {
			product, err := catalog.LockProduct(ctx, tx, item.ProductID)
			if err != nil {
				return err
			}
			if product.StockQuantity < item.Quantity {
				return apperr.InsufficientStock(product.ID, item.Quantity, product.StockQuantity)
			}

			ok, err := catalog.DecrementStock(ctx, tx, product.ID, item.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.InsufficientStock(product.ID, item.Quantity, -1)
			}

			line := pricing.Line{ProductID: product.ID, UnitPrice: product.Price, Quantity: item.Quantity}
			lines = append(lines, line)
			snapshot = append(snapshot, models.OrderItem{
				ProductID: product.ID,
				StoreID:   product.StoreID,
				Quantity:  item.Quantity,
				UnitPrice: product.Price,
				Subtotal:  line.Amount(),
			})
		}

		totals := pricing.ComputeTotals(lines, e.rates)
		created := &models.Order{
			UserID:       userID,
			TotalAmount:  totals.Total,
			TaxRate:      e.rates.TaxRatePercent,
			ShippingCost: totals.Shipping,
			Shipping:     shipping,
		}
		if err := insertOrder(ctx, tx, created); err != nil {
			return err
		}

		for i := range snapshot {
			snapshot[i].OrderID = created.ID
			if err := insertOrderItem(ctx, tx, &snapshot[i]); err != nil {
				return err
			}
		}
		created.Items = snapshot

		if err := cart.ClearItems(ctx, tx, cartID); err != nil {
			return err
		}

		order = created
		return nil
	})
	if err != nil {
		e.metrics.Checkout(outcome(err))
		return nil, err
	}

	e.metrics.Checkout(outcomeSuccess)
	logCtx := e.logger.WithFields(e.logger.WithOrderID(ctx, order.ID), map[string]any{
		"user_id": userID,
		"items":   len(order.Items),
		"total":   order.TotalAmount.StringFixed(2),
	})
	e.logger.Info(logCtx, "order created")

	notices := []notice{{userID: userID, message: fmt.Sprintf("Your order %s has been placed.", order.ID)}}
	notices = append(notices, e.sellerNotices(ctx, order.Items, "New order %s includes items from your store.", order.ID)...)
	e.notify(ctx, "checkout", notices)

	return order, nil
}

// PlaceOrder checks out the cart and charges the resulting order. When the
// charge is declined the CREATED order is returned alongside the error.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, shipping models.ShippingInfo, info payment.Info) (*models.Order, error) {
	order, err := e.Checkout(ctx, userID, shipping)
	if err != nil {
		return nil, err
	}

	paid, err := e.ProcessPayment(ctx, order.ID, userID, info)
	if err != nil {
		if paid != nil {
			return paid, err
		}
		return order, err
	}
	return paid, nil
}

// ProcessPayment charges an unpaid order. The order row stays locked for the
// whole gateway call, so a concurrent second call waits and then fails with
// ErrAlreadyPaid. A decline is committed as payment FAILED with the order
// still CREATED, and the order is returned together with the error.
//
// Once started, the transaction runs detached from ctx so a charge accepted
// by the gateway is always recorded, even if the caller disconnects.
func (e *Engine) ProcessPayment(ctx context.Context, orderID, userID string, info payment.Info) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := e.settleContext(ctx)
	defer cancel()

	var declined error

	err := database.WithTransaction(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		declined = nil

		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return orderNotFound(orderID)
		}

		switch {
		case order.PaymentStatus == models.PaymentStatusPaid:
			return apperr.Newf(apperr.KindAlreadyPaid, "order %s is already paid", order.ID)
		case order.PaymentStatus == models.PaymentStatusRefunded, order.OrderStatus == models.OrderStatusCancelled:
			return apperr.Newf(apperr.KindInvalidStatus, "order %s is %s and cannot be paid", order.ID, order.OrderStatus)
		}

		record, err := upsertPayment(ctx, tx, order)
		if err != nil {
			return err
		}

		auth, err := e.authorize(ctx, order, info)
		if err != nil {
			declined = apperr.Wrap(apperr.KindGatewayDeclined, err, "payment declined")
			if err := setPaymentStatus(ctx, tx, record.ID, models.PaymentRecordFailed, ""); err != nil {
				return err
			}
			return setOrderStatuses(ctx, tx, order.ID, models.PaymentStatusFailed, order.OrderStatus)
		}

		if err := setPaymentStatus(ctx, tx, record.ID, models.PaymentRecordCompleted, auth.TransactionID); err != nil {
			return err
		}
		return setOrderStatuses(ctx, tx, order.ID, models.PaymentStatusPaid, models.OrderStatusProcessing)
	})
	if err != nil {
		e.metrics.Payment(outcome(err))
		return nil, err
	}

	order, err := e.load(ctx, e.db, orderID)
	if err != nil {
		return nil, err
	}

	logCtx := e.logger.WithOrderID(ctx, orderID)
	if declined != nil {
		e.metrics.Payment(outcome(declined))
		e.logger.Warn(e.logger.WithField(logCtx, "reason", declined.Error()), "payment declined")
		e.notify(ctx, "payment_failed", []notice{{
			userID:  order.UserID,
			message: fmt.Sprintf("Payment for order %s was declined.", order.ID),
		}})
		return order, declined
	}

	e.metrics.Payment(outcomeSuccess)
	e.logTransition(logCtx, models.OrderStatusCreated, order.OrderStatus)
	e.notify(ctx, "payment", []notice{{
		userID:  order.UserID,
		message: fmt.Sprintf("Payment received for order %s. Total charged: %s.", order.ID, order.TotalAmount.StringFixed(2)),
	}})
	return order, nil
}

func (e *Engine) authorize(ctx context.Context, order *models.Order, info payment.Info) (payment.Authorization, error) {
	start := time.Now()
	auth, err := e.gateway.Authorize(ctx, payment.AuthorizeRequest{
		IdempotencyKey: gatewayKey("authorize", order.ID, order.Version),
		OrderID:        order.ID,
		Amount:         order.TotalAmount,
		Info:           info,
	})
	e.metrics.ObserveGateway("authorize", time.Since(start))
	return auth, err
}

// settleContext keeps ctx's values but not its cancellation, bounded by
// settleTimeout.
func (e *Engine) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.settleTimeout)
}

// gatewayKey is stable for one version of an order. A retry after a lost
// commit reuses the key, so the gateway deduplicates it; any committed change
// to the order (a decline, a promotion) bumps the version and the key with it.
// The result is a UUID, within Square's 45 character limit.
func gatewayKey(operation, orderID string, version int) string {
	name := fmt.Sprintf("marketplace:%s:%s:%d", operation, orderID, version)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// RestockReport lists which order items had their stock restored.
type RestockReport struct {
	Restored []string `json:"restored"`
	Skipped  []string `json:"skipped,omitempty"`
}

type CancelResult struct {
	Order   *models.Order `json:"order"`
	Restock RestockReport `json:"restock"`
}

// Cancel refunds a paid order that has not shipped and returns its stock.
// A failed refund changes nothing. Stock is restored item by item; an item
// whose product is gone is skipped and reported rather than failing the
// cancellation.
func (e *Engine) Cancel(ctx context.Context, orderID string, actor directory.Actor) (*CancelResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := e.settleContext(ctx)
	defer cancel()

	var (
		report   RestockReport
		items    []models.OrderItem
		previous models.OrderStatus
	)

	err := database.WithTransaction(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		report = RestockReport{}

		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != actor.UserID && actor.Role != models.RoleAdmin {
			return orderNotFound(orderID)
		}
		if order.PaymentStatus != models.PaymentStatusPaid || !order.OrderStatus.Cancellable() {
			return apperr.Newf(apperr.KindNotCancellable,
				"order %s is %s/%s and cannot be cancelled", order.ID, order.OrderStatus, order.PaymentStatus)
		}
		previous = order.OrderStatus

		record, err := orderPayment(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if record == nil {
			return apperr.Newf(apperr.KindRefundFailed, "order %s has no payment to refund", order.ID)
		}

		start := time.Now()
		err = e.gateway.Refund(ctx, payment.RefundRequest{
			IdempotencyKey: gatewayKey("refund", order.ID, order.Version),
			TransactionID:  record.TransactionID,
			Amount:         record.Amount,
		})
		e.metrics.ObserveGateway("refund", time.Since(start))
		if err != nil {
			return apperr.Wrap(apperr.KindRefundFailed, err, "refund failed")
		}

		if err := setPaymentStatus(ctx, tx, record.ID, models.PaymentRecordRefunded, ""); err != nil {
			return err
		}
		if err := setOrderStatuses(ctx, tx, order.ID, models.PaymentStatusRefunded, models.OrderStatusCancelled); err != nil {
			return err
		}

		items, err = orderItems(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		report = e.restock(ctx, tx, order.ID, items)
		return nil
	})
	if err != nil {
		e.metrics.Cancellation(outcome(err))
		return nil, err
	}

	order, err := e.load(ctx, e.db, orderID)
	if err != nil {
		return nil, err
	}

	e.metrics.Cancellation(outcomeSuccess)
	e.metrics.RestockSkipped(len(report.Skipped))
	e.logTransition(e.logger.WithOrderID(ctx, orderID), previous, models.OrderStatusCancelled)

	notices := []notice{{
		userID:  order.UserID,
		message: fmt.Sprintf("Your order %s has been cancelled and refunded.", order.ID),
	}}
	notices = append(notices, e.sellerNotices(ctx, items, "Order %s containing your products was cancelled.", order.ID)...)
	e.notify(ctx, "cancel", notices)

	return &CancelResult{Order: order, Restock: report}, nil
}

// restock returns each item's quantity to stock under its own savepoint, so
// one failing item never undoes the others or the refund.
func (e *Engine) restock(ctx context.Context, tx *sql.Tx, orderID string, items []models.OrderItem) RestockReport {
	var (
		report RestockReport
		errs   error
	)

	for i, item := range items {
		err := database.WithSavepoint(ctx, tx, fmt.Sprintf("restock_%d", i), func() error {
			ok, err := catalog.IncrementStock(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Newf(apperr.KindNotFound, "product %s not found", item.ProductID)
			}
			return nil
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("product %s: %w", item.ProductID, err))
			report.Skipped = append(report.Skipped, item.ProductID)
			continue
		}
		report.Restored = append(report.Restored, item.ProductID)
	}

	if errs != nil {
		logCtx := e.logger.WithFields(e.logger.WithOrderID(ctx, orderID), map[string]any{
			"skipped": len(report.Skipped),
			"error":   errs.Error(),
		})
		e.logger.Warn(logCtx, "restock skipped items")
	}
	return report
}

// UpdateStatus lets a seller whose store has items in the order move it
// forward along PROCESSING, SHIPPED, DELIVERED. Cancellation is not a
// seller transition.
func (e *Engine) UpdateStatus(ctx context.Context, orderID string, actor directory.Actor, status models.OrderStatus) (*models.Order, error) {
	if !actor.IsSeller() {
		return nil, apperr.New(apperr.KindForbidden, "only sellers can update order status")
	}
	if !status.Valid() {
		return nil, apperr.Newf(apperr.KindInvalidStatus, "invalid order status %q", status)
	}

	var previous models.OrderStatus
	err := database.WithTransaction(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		owns, err := orderHasStore(ctx, tx, order.ID, actor.Seller.StoreID)
		if err != nil {
			return err
		}
		if !owns {
			return apperr.Newf(apperr.KindForbidden, "order %s has no items from your store", order.ID)
		}

		switch {
		case status == models.OrderStatusCancelled:
			return apperr.New(apperr.KindInvalidTransition, "orders are cancelled through the cancel operation")
		case order.PaymentStatus != models.PaymentStatusPaid:
			return apperr.Newf(apperr.KindInvalidTransition, "order %s is not paid", order.ID)
		case !order.OrderStatus.CanAdvanceTo(status):
			return apperr.Newf(apperr.KindInvalidTransition, "order %s cannot move from %s to %s",
				order.ID, order.OrderStatus, status)
		}

		previous = order.OrderStatus
		return setOrderStatuses(ctx, tx, order.ID, order.PaymentStatus, status)
	})
	if err != nil {
		return nil, err
	}

	order, err := e.load(ctx, e.db, orderID)
	if err != nil {
		return nil, err
	}

	e.metrics.StatusUpdate(string(status))
	e.logTransition(e.logger.WithField(e.logger.WithOrderID(ctx, orderID), "seller_store_id", actor.Seller.StoreID), previous, status)
	e.notify(ctx, "status_update", []notice{{
		userID:  order.UserID,
		message: fmt.Sprintf("Your order %s is now %s.", order.ID, status),
	}})
	return order, nil
}

// ApplyPromotion discounts an unpaid order's total by a promotion code. An
// order takes at most one code.
func (e *Engine) ApplyPromotion(ctx context.Context, orderID, userID, code string) (*models.Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.New(apperr.KindInvalidCode, "discount code is required")
	}

	err := database.WithTransaction(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return orderNotFound(orderID)
		}

		switch {
		case order.PaymentStatus == models.PaymentStatusPaid:
			return apperr.Newf(apperr.KindAlreadyPaid, "order %s is already paid", order.ID)
		case order.PaymentStatus == models.PaymentStatusRefunded, order.OrderStatus == models.OrderStatusCancelled:
			return apperr.Newf(apperr.KindInvalidStatus, "order %s is %s", order.ID, order.OrderStatus)
		case order.PromotionCode != "":
			return apperr.Newf(apperr.KindPromotionAlreadyApplied, "order %s already uses code %s", order.ID, order.PromotionCode)
		}

		promo, err := pricing.ActivePromotion(ctx, tx, code, e.now())
		if err != nil {
			return err
		}

		order.TotalAmount = pricing.ApplyDiscount(order.TotalAmount, promo.Percentage)
		order.PromotionCode = promo.Code
		return setOrderTotal(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}

	order, err := e.load(ctx, e.db, orderID)
	if err != nil {
		return nil, err
	}

	logCtx := e.logger.WithFields(e.logger.WithOrderID(ctx, orderID), map[string]any{
		"code":  order.PromotionCode,
		"total": order.TotalAmount.StringFixed(2),
	})
	e.logger.Info(logCtx, "promotion applied")
	return order, nil
}

// Get returns an order with its items and payment. The buyer, an admin, or
// a seller with items in the order can see it; anyone else gets NotFound.
func (e *Engine) Get(ctx context.Context, orderID string, actor directory.Actor) (*models.Order, error) {
	order, err := e.load(ctx, e.db, orderID)
	if err != nil {
		return nil, err
	}

	if order.UserID == actor.UserID || actor.Role == models.RoleAdmin {
		return order, nil
	}
	if actor.IsSeller() {
		for _, item := range order.Items {
			if item.StoreID == actor.Seller.StoreID {
				return order, nil
			}
		}
	}
	return nil, orderNotFound(orderID)
}

func (e *Engine) load(ctx context.Context, q database.Querier, orderID string) (*models.Order, error) {
	order, err := getOrder(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	if order.Items, err = orderItems(ctx, q, order.ID); err != nil {
		return nil, err
	}
	if order.Payment, err = orderPayment(ctx, q, order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

// ListForBuyer pages through a buyer's orders, newest first.
func (e *Engine) ListForBuyer(ctx context.Context, userID, cursor string, limit int) (*pagination.CursorPage[models.Order], error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.New(apperr.KindForbidden, "a signed-in user is required")
	}
	return e.list(ctx, listFilter{userID: userID}, cursor, limit)
}

// ListForSeller pages through orders that contain the seller's items,
// optionally filtered by status.
func (e *Engine) ListForSeller(ctx context.Context, actor directory.Actor, status models.OrderStatus, cursor string, limit int) (*pagination.CursorPage[models.Order], error) {
	if !actor.IsSeller() {
		return nil, apperr.New(apperr.KindForbidden, "only sellers can list store orders")
	}
	if status != "" && !status.Valid() {
		return nil, apperr.Newf(apperr.KindInvalidStatus, "invalid order status %q", status)
	}
	return e.list(ctx, listFilter{storeID: actor.Seller.StoreID, status: status}, cursor, limit)
}

func (e *Engine) list(ctx context.Context, filter listFilter, encoded string, limit int) (*pagination.CursorPage[models.Order], error) {
	cursor, err := pagination.DecodeCursor(encoded)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid cursor")
	}

	page, err := listOrders(ctx, e.db, filter, cursor, pagination.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (e *Engine) logTransition(ctx context.Context, from, to models.OrderStatus) {
	e.logger.Info(e.logger.WithFields(ctx, map[string]any{
		"from": string(from),
		"to":   string(to),
	}), "order status changed")
}

const outcomeSuccess = "success"

func outcome(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return strings.ToLower(string(apperr.KindOf(err)))
}
