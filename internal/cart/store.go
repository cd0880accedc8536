package cart

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/pricing"
)

func ownerCartIDs(ctx context.Context, q database.Querier, owner Owner) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if owner.Authenticated() {
		rows, err = q.QueryContext(ctx,
			`SELECT id FROM carts WHERE user_id = $1 ORDER BY created_at, id`,
			owner.UserID)
	} else {
		rows, err = q.QueryContext(ctx,
			`SELECT id FROM carts WHERE session_id = $1 AND user_id IS NULL ORDER BY created_at, id`,
			owner.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find carts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cart id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}

func createCart(ctx context.Context, q database.Querier, owner Owner) (string, error) {
	var userID, sessionID sql.NullString
	if owner.Authenticated() {
		userID = sql.NullString{String: owner.UserID, Valid: true}
	} else {
		sessionID = sql.NullString{String: owner.SessionID, Valid: true}
	}

	id := uuid.NewString()
	_, err := q.ExecContext(ctx,
		`INSERT INTO carts (id, user_id, session_id, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())`,
		id, userID, sessionID)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return "", apperr.Wrap(apperr.KindForbidden, err, fmt.Sprintf("unknown user %s", owner.UserID))
		}
		return "", fmt.Errorf("create cart: %w", err)
	}
	return id, nil
}

// mergeCartInto sums src's items into dst and returns how many lines moved.
func mergeCartInto(ctx context.Context, q database.Querier, dst, src string) (int, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, created_at, updated_at)
		 SELECT $1, product_id, quantity, NOW(), NOW()
		 FROM cart_items
		 WHERE cart_id = $2
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = NOW()`,
		dst, src)
	if err != nil {
		return 0, fmt.Errorf("merge cart items: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if err := touchCart(ctx, q, dst); err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}

func deleteCart(ctx context.Context, q database.Querier, cartID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}

func addQuantity(ctx context.Context, q database.Querier, cartID, productID string, quantity int) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = NOW()`,
		cartID, productID, quantity)
	if err != nil {
		return fmt.Errorf("add cart item: %w", err)
	}
	return touchCart(ctx, q, cartID)
}

func removeItem(ctx context.Context, q database.Querier, cartID, productID string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2`,
		cartID, productID)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	return touchCart(ctx, q, cartID)
}

func touchCart(ctx context.Context, q database.Querier, cartID string) error {
	if _, err := q.ExecContext(ctx, `UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

func productExists(ctx context.Context, q database.Querier, productID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`,
		productID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check product exists: %w", err)
	}
	return exists, nil
}

func loadCart(ctx context.Context, q database.Querier, cartID string) (*models.Cart, error) {
	cart := &models.Cart{}
	var userID, sessionID sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, created_at, updated_at
		 FROM carts
		 WHERE id = $1`,
		cartID).Scan(&cart.ID, &userID, &sessionID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	cart.UserID = userID.String
	cart.SessionID = sessionID.String

	cart.Items, err = Items(ctx, q, cartID)
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// Items lists a cart's lines ordered by product id.
func Items(ctx context.Context, q database.Querier, cartID string) ([]models.CartItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT cart_id, product_id, quantity, created_at, updated_at
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY product_id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		err := rows.Scan(
			&item.CartID,
			&item.ProductID,
			&item.Quantity,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

// PricedLines joins a cart's lines with live catalog prices.
func PricedLines(ctx context.Context, q database.Querier, cartID string) ([]pricing.Line, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT ci.product_id, ci.quantity, p.price
		 FROM cart_items ci
		 JOIN products p ON p.id = ci.product_id
		 WHERE ci.cart_id = $1
		 ORDER BY ci.product_id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("price cart items: %w", err)
	}
	defer rows.Close()

	var lines []pricing.Line
	for rows.Next() {
		var line pricing.Line
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan priced item: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return lines, nil
}

// ClearItems empties a cart after checkout. The cart itself is kept.
func ClearItems(ctx context.Context, q database.Querier, cartID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return touchCart(ctx, q, cartID)
}
