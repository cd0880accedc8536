// Package catalog reads and adjusts product price and stock. Every function
// takes a database.Querier so it can join the caller's transaction.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

const productColumns = `id, store_id, sku, name, description, price, stock_quantity, created_at, updated_at, version`

type NewProduct struct {
	StoreID     string
	SKU         string
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
}

// Seller identifies who sells a product.
type Seller struct {
	StoreID     string
	OwnerUserID string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner, product *models.Product) error {
	return row.Scan(
		&product.ID,
		&product.StoreID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
}

func CreateProduct(ctx context.Context, q database.Querier, in NewProduct) (*models.Product, error) {
	if strings.TrimSpace(in.SKU) == "" || strings.TrimSpace(in.Name) == "" {
		return nil, apperr.New(apperr.KindValidation, "sku and name are required")
	}
	if in.Price.IsNegative() {
		return nil, apperr.New(apperr.KindValidation, "price must not be negative")
	}
	if in.Stock < 0 {
		return nil, apperr.New(apperr.KindValidation, "stock must not be negative")
	}

	product := &models.Product{}

	query := `
		INSERT INTO products (id, store_id, sku, name, description, price, stock_quantity, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	err := scanProduct(q.QueryRowContext(ctx, query,
		uuid.NewString(), in.StoreID, in.SKU, in.Name, in.Description, in.Price.Round(2), in.Stock), product)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Newf(apperr.KindValidation, "sku %s already exists", in.SKU)
		}
		if database.IsForeignKeyViolation(err) {
			return nil, apperr.Newf(apperr.KindNotFound, "store %s not found", in.StoreID)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, q database.Querier, id string) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + `
		FROM products
		WHERE id = $1`

	if err := scanProduct(q.QueryRowContext(ctx, query, id), product); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "product %s not found", id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// LockProduct reads a product under a row lock held until tx ends.
func LockProduct(ctx context.Context, tx *sql.Tx, id string) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + `
		FROM products
		WHERE id = $1
		FOR UPDATE`

	if err := scanProduct(tx.QueryRowContext(ctx, query, id), product); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "product %s not found", id)
		}
		return nil, fmt.Errorf("lock product: %w", err)
	}

	return product, nil
}

// DecrementStock removes quantity from stock only if enough remains. It
// reports false, with no change, when stock is short or the product is gone.
func DecrementStock(ctx context.Context, q database.Querier, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, apperr.New(apperr.KindValidation, "quantity must be positive")
	}

	result, err := q.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// IncrementStock returns quantity to stock. It reports false when the
// product no longer exists.
func IncrementStock(ctx context.Context, q database.Querier, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, apperr.New(apperr.KindValidation, "quantity must be positive")
	}

	result, err := q.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("increment stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// SetStockOptimistic overwrites stock if the product is still at version.
func SetStockOptimistic(ctx context.Context, q database.Querier, productID string, newStock int, version int) (*models.Product, error) {
	if newStock < 0 {
		return nil, apperr.New(apperr.KindValidation, "stock must not be negative")
	}

	product := &models.Product{}
	err := scanProduct(q.QueryRowContext(ctx,
		`UPDATE products
		 SET stock_quantity = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND version = $3
		 RETURNING `+productColumns,
		newStock, productID, version), product)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := GetProduct(ctx, q, productID); getErr != nil {
				return nil, getErr
			}
			return nil, database.ErrOptimisticLockFailed
		}
		return nil, fmt.Errorf("update stock: %w", err)
	}

	return product, nil
}

// SellerOf resolves the store and owning user behind a product.
func SellerOf(ctx context.Context, q database.Querier, productID string) (Seller, error) {
	var seller Seller

	err := q.QueryRowContext(ctx,
		`SELECT s.id, s.owner_user_id
		 FROM products p
		 JOIN stores s ON s.id = p.store_id
		 WHERE p.id = $1`,
		productID).Scan(&seller.StoreID, &seller.OwnerUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seller, apperr.Newf(apperr.KindNotFound, "product %s not found", productID)
		}
		return seller, fmt.Errorf("get product seller: %w", err)
	}

	return seller, nil
}
