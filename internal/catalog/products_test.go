package catalog

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/testutil/pgtest"
	"github.com/shopspring/decimal"
)

func TestCreateAndGetProduct(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	storeID, _ := pgtest.SeedStore(t, db)

	product, err := CreateProduct(ctx, db, NewProduct{
		StoreID: storeID,
		SKU:     "MUG-001",
		Name:    "Mug",
		Price:   decimal.RequireFromString("12.50"),
		Stock:   7,
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	got, err := GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if got.StoreID != storeID || got.StockQuantity != 7 || !got.Price.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("Unexpected product %+v", got)
	}

	_, err = CreateProduct(ctx, db, NewProduct{StoreID: storeID, SKU: "MUG-001", Name: "Mug 2", Price: decimal.NewFromInt(1)})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected duplicate sku validation error, got %v", err)
	}

	if _, err := GetProduct(ctx, db, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestConcurrentDecrementNeverOversells(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	storeID, _ := pgtest.SeedStore(t, db)
	productID := pgtest.SeedProduct(t, db, storeID, "100.00", 10)

	concurrency := 8
	var wg sync.WaitGroup
	var successCount int32

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := DecrementStock(ctx, db, productID, 3)
			if err != nil {
				t.Errorf("Decrement stock: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&successCount, 1)
			}
		}()
	}
	wg.Wait()

	if successCount != 3 {
		t.Errorf("Expected 3 successful decrements, got %d", successCount)
	}
	if stock := pgtest.Stock(t, db, productID); stock != 1 {
		t.Errorf("Expected stock 1, got %d", stock)
	}
}

func TestIncrementStockReportsMissingProduct(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	storeID, _ := pgtest.SeedStore(t, db)
	productID := pgtest.SeedProduct(t, db, storeID, "5.00", 2)

	ok, err := IncrementStock(ctx, db, productID, 3)
	if err != nil || !ok {
		t.Fatalf("Increment stock: ok=%v err=%v", ok, err)
	}
	if stock := pgtest.Stock(t, db, productID); stock != 5 {
		t.Errorf("Expected stock 5, got %d", stock)
	}

	ok, err = IncrementStock(ctx, db, "gone", 1)
	if err != nil {
		t.Fatalf("Increment missing product: %v", err)
	}
	if ok {
		t.Error("Expected missing product to report false")
	}
}

func TestSetStockOptimistic(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	storeID, _ := pgtest.SeedStore(t, db)
	productID := pgtest.SeedProduct(t, db, storeID, "100.00", 50)

	product, err := GetProduct(ctx, db, productID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}

	updated, err := SetStockOptimistic(ctx, db, productID, 40, product.Version)
	if err != nil {
		t.Fatalf("First update should succeed: %v", err)
	}
	if updated.StockQuantity != 40 || updated.Version != product.Version+1 {
		t.Errorf("Unexpected product after update: %+v", updated)
	}

	_, err = SetStockOptimistic(ctx, db, productID, 30, product.Version)
	if !errors.Is(err, database.ErrOptimisticLockFailed) {
		t.Errorf("Expected optimistic lock failure, got: %v", err)
	}
}

func TestLockProductBlocksConcurrentDecrement(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	storeID, _ := pgtest.SeedStore(t, db)
	productID := pgtest.SeedProduct(t, db, storeID, "1.00", 4)

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		product, err := LockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		if product.StockQuantity != 4 {
			t.Errorf("Expected stock 4, got %d", product.StockQuantity)
		}
		ok, err := DecrementStock(ctx, tx, productID, 4)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("Expected decrement under lock to succeed")
		}
		ok, err = DecrementStock(ctx, tx, productID, 1)
		if err != nil {
			return err
		}
		if ok {
			t.Error("Expected decrement past zero to fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if stock := pgtest.Stock(t, db, productID); stock != 0 {
		t.Errorf("Expected stock 0, got %d", stock)
	}
}

func TestSellerOf(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	storeID, ownerID := pgtest.SeedStore(t, db)
	productID := pgtest.SeedProduct(t, db, storeID, "1.00", 1)

	seller, err := SellerOf(ctx, db, productID)
	if err != nil {
		t.Fatalf("Seller of: %v", err)
	}
	if seller.StoreID != storeID || seller.OwnerUserID != ownerID {
		t.Errorf("Unexpected seller %+v", seller)
	}
}
