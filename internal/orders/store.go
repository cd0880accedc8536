package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/pagination"
)

const orderColumns = `id, user_id, total_amount, tax_rate, shipping_cost, payment_status, order_status,
	promotion_code, shipping_address, shipping_city, shipping_country, shipping_postal_code,
	created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, order *models.Order) error {
	var promotionCode sql.NullString
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.TotalAmount,
		&order.TaxRate,
		&order.ShippingCost,
		&order.PaymentStatus,
		&order.OrderStatus,
		&promotionCode,
		&order.Shipping.Address,
		&order.Shipping.City,
		&order.Shipping.Country,
		&order.Shipping.PostalCode,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	order.PromotionCode = promotionCode.String
	return err
}

func getOrder(ctx context.Context, q database.Querier, id string) (*models.Order, error) {
	order := &models.Order{}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1`

	if err := scanOrder(q.QueryRowContext(ctx, query, id), order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orderNotFound(id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// lockOrder reads an order under a row lock held until tx ends. Every state
// transition goes through it.
func lockOrder(ctx context.Context, tx *sql.Tx, id string) (*models.Order, error) {
	order := &models.Order{}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1
		FOR UPDATE`

	if err := scanOrder(tx.QueryRowContext(ctx, query, id), order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orderNotFound(id)
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return order, nil
}

func orderNotFound(id string) error {
	return apperr.Newf(apperr.KindNotFound, "order %s not found", id)
}

func insertOrder(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	order.ID = uuid.NewString()
	order.PaymentStatus = models.PaymentStatusPending
	order.OrderStatus = models.OrderStatusCreated
	order.Version = 1

	err := tx.QueryRowContext(ctx,
		`INSERT INTO orders (id, user_id, total_amount, tax_rate, shipping_cost, payment_status, order_status,
		                     shipping_address, shipping_city, shipping_country, shipping_postal_code,
		                     created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW(), 1)
		 RETURNING created_at, updated_at`,
		order.ID, order.UserID, order.TotalAmount, order.TaxRate, order.ShippingCost,
		order.PaymentStatus, order.OrderStatus,
		order.Shipping.Address, order.Shipping.City, order.Shipping.Country, order.Shipping.PostalCode,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func insertOrderItem(ctx context.Context, tx *sql.Tx, item *models.OrderItem) error {
	item.ID = uuid.NewString()

	err := tx.QueryRowContext(ctx,
		`INSERT INTO order_items (id, order_id, product_id, store_id, quantity, unit_price, subtotal, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 RETURNING created_at`,
		item.ID, item.OrderID, item.ProductID, item.StoreID, item.Quantity, item.UnitPrice, item.Subtotal,
	).Scan(&item.CreatedAt)
	if err != nil {
		return fmt.Errorf("create order item: %w", err)
	}
	return nil
}

func orderItems(ctx context.Context, q database.Querier, orderID string) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, store_id, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY product_id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.StoreID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

func scanPayment(row rowScanner, p *models.Payment) error {
	var txnID sql.NullString
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.Amount,
		&p.Status,
		&txnID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	p.TransactionID = txnID.String
	return err
}

// orderPayment returns nil when no payment was attempted yet.
func orderPayment(ctx context.Context, q database.Querier, orderID string) (*models.Payment, error) {
	p := &models.Payment{}

	err := scanPayment(q.QueryRowContext(ctx,
		`SELECT id, order_id, amount, status, transaction_id, created_at, updated_at
		 FROM payments
		 WHERE order_id = $1`,
		orderID), p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// upsertPayment creates the order's single payment row or resets a failed
// one to PENDING for a new attempt.
func upsertPayment(ctx context.Context, tx *sql.Tx, order *models.Order) (*models.Payment, error) {
	p := &models.Payment{}

	err := scanPayment(tx.QueryRowContext(ctx,
		`INSERT INTO payments (id, order_id, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (order_id)
		 DO UPDATE SET amount = EXCLUDED.amount, status = EXCLUDED.status, transaction_id = NULL, updated_at = NOW()
		 RETURNING id, order_id, amount, status, transaction_id, created_at, updated_at`,
		uuid.NewString(), order.ID, order.TotalAmount, models.PaymentRecordPending), p)
	if err != nil {
		return nil, fmt.Errorf("upsert payment: %w", err)
	}
	return p, nil
}

func setPaymentStatus(ctx context.Context, tx *sql.Tx, paymentID string, status models.PaymentRecordStatus, txnID string) error {
	var txn sql.NullString
	if txnID != "" {
		txn = sql.NullString{String: txnID, Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE payments
		 SET status = $1, transaction_id = COALESCE($2, transaction_id), updated_at = NOW()
		 WHERE id = $3`,
		status, txn, paymentID)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func setOrderStatuses(ctx context.Context, tx *sql.Tx, orderID string, payment models.PaymentStatus, status models.OrderStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $1, order_status = $2, updated_at = NOW(), version = version + 1
		 WHERE id = $3`,
		payment, status, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

func setOrderTotal(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET total_amount = $1, promotion_code = $2, updated_at = NOW(), version = version + 1
		 WHERE id = $3`,
		order.TotalAmount, order.PromotionCode, order.ID)
	if err != nil {
		return fmt.Errorf("update order total: %w", err)
	}
	return nil
}

func orderHasStore(ctx context.Context, q database.Querier, orderID, storeID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM order_items WHERE order_id = $1 AND store_id = $2)`,
		orderID, storeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check order store: %w", err)
	}
	return exists, nil
}

// storeOwners maps snapshot store ids to their owners. Stores that no
// longer exist are left out.
func storeOwners(ctx context.Context, q database.Querier, storeIDs []string) ([]string, error) {
	if len(storeIDs) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT owner_user_id FROM stores WHERE id = ANY($1) ORDER BY owner_user_id`,
		pq.Array(storeIDs))
	if err != nil {
		return nil, fmt.Errorf("get store owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan store owner: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return owners, nil
}

type listFilter struct {
	userID  string
	storeID string
	status  models.OrderStatus
}

func listOrders(ctx context.Context, q database.Querier, filter listFilter, cursor pagination.Cursor, limit int) (pagination.CursorPage[models.Order], error) {
	var after sql.NullTime
	if !cursor.IsZero() {
		after = sql.NullTime{Time: cursor.CreatedAt, Valid: true}
	}

	query := `SELECT ` + orderColumns + `
		FROM orders o
		WHERE ($1 = '' OR o.user_id = $1)
		  AND ($2 = '' OR EXISTS (SELECT 1 FROM order_items oi WHERE oi.order_id = o.id AND oi.store_id = $2))
		  AND ($3 = '' OR o.order_status = $3)
		  AND ($4::timestamptz IS NULL OR (o.created_at, o.id) < ($4, $5))
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $6`

	rows, err := q.QueryContext(ctx, query,
		filter.userID, filter.storeID, string(filter.status), after, cursor.ID, limit+1)
	if err != nil {
		return pagination.CursorPage[models.Order]{}, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return pagination.CursorPage[models.Order]{}, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return pagination.CursorPage[models.Order]{}, fmt.Errorf("rows error: %w", err)
	}

	return pagination.Page(orders, limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}
