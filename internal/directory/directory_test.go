package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/testutil/pgtest"
)

func TestCreateStorePromotesBuyerAndResolvesSeller(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	user, err := CreateUser(ctx, db, "ann@example.com", "Ann", "")
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	if user.Role != models.RoleBuyer {
		t.Errorf("Expected default role BUYER, got %s", user.Role)
	}

	actor, err := ResolveActor(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Resolve actor: %v", err)
	}
	if actor.IsSeller() {
		t.Error("Expected buyer without a seller profile")
	}

	store, err := CreateStore(ctx, db, user.ID, "Ann's Pottery")
	if err != nil {
		t.Fatalf("Create store: %v", err)
	}

	actor, err = ResolveActor(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Resolve actor: %v", err)
	}
	if !actor.IsSeller() || actor.Seller.StoreID != store.ID {
		t.Errorf("Expected seller profile for store %s, got %+v", store.ID, actor.Seller)
	}
	if actor.Role != models.RoleSeller {
		t.Errorf("Expected role SELLER, got %s", actor.Role)
	}

	owner, err := StoreOwner(ctx, db, store.ID)
	if err != nil {
		t.Fatalf("Store owner: %v", err)
	}
	if owner != user.ID {
		t.Errorf("Expected owner %s, got %s", user.ID, owner)
	}

	if _, err := CreateStore(ctx, db, user.ID, "Second"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected second store to be rejected, got %v", err)
	}
}

func TestDirectoryErrors(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	if _, err := CreateUser(ctx, db, "x@example.com", "X", "ROOT"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected unknown role to fail validation, got %v", err)
	}
	if _, err := CreateUser(ctx, db, "dup@example.com", "A", models.RoleBuyer); err != nil {
		t.Fatalf("Create user: %v", err)
	}
	if _, err := CreateUser(ctx, db, "dup@example.com", "B", models.RoleBuyer); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected duplicate email to fail validation, got %v", err)
	}
	if _, err := ResolveActor(ctx, db, "nobody"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := CreateStore(ctx, db, "nobody", "Ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}
