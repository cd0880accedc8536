package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/safar/go-sql-marketplace/internal/catalog"
	"github.com/safar/go-sql-marketplace/internal/directory"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/pricing"
	"github.com/shopspring/decimal"
)

// SQLDirectory serves Directory from the users and stores tables.
type SQLDirectory struct {
	DB *sql.DB
}

func (d SQLDirectory) CreateUser(ctx context.Context, email, name string, role models.Role) (*models.User, error) {
	return directory.CreateUser(ctx, d.DB, email, name, role)
}

func (d SQLDirectory) CreateStore(ctx context.Context, ownerID, name string) (*models.Store, error) {
	return directory.CreateStore(ctx, d.DB, ownerID, name)
}

func (d SQLDirectory) ResolveActor(ctx context.Context, userID string) (directory.Actor, error) {
	return directory.ResolveActor(ctx, d.DB, userID)
}

// SQLCatalog serves Catalog from the products table.
type SQLCatalog struct {
	DB *sql.DB
}

func (c SQLCatalog) CreateProduct(ctx context.Context, in catalog.NewProduct) (*models.Product, error) {
	return catalog.CreateProduct(ctx, c.DB, in)
}

func (c SQLCatalog) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return catalog.GetProduct(ctx, c.DB, id)
}

func (c SQLCatalog) SetStock(ctx context.Context, productID string, stock, version int) (*models.Product, error) {
	return catalog.SetStockOptimistic(ctx, c.DB, productID, stock, version)
}

// SQLPromotions serves Promotions from the promotions table.
type SQLPromotions struct {
	DB *sql.DB
}

func (p SQLPromotions) CreatePromotion(ctx context.Context, code string, percentage decimal.Decimal, expiresOn time.Time) (*models.Promotion, error) {
	return pricing.CreatePromotion(ctx, p.DB, code, percentage, expiresOn)
}
