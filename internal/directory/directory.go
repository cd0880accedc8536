// Package directory resolves users, their roles and the store a seller owns.
package directory

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
)

// SellerProfile is present on an Actor only when the user owns a store.
type SellerProfile struct {
	StoreID   string
	StoreName string
}

// Actor is a user resolved once per request, with the optional seller
// profile already attached.
type Actor struct {
	UserID string
	Role   models.Role
	Seller *SellerProfile
}

func (a Actor) IsSeller() bool {
	return a.Seller != nil
}

func validRole(role models.Role) bool {
	switch role {
	case models.RoleBuyer, models.RoleSeller, models.RoleAdmin:
		return true
	}
	return false
}

func CreateUser(ctx context.Context, q database.Querier, email, name string, role models.Role) (*models.User, error) {
	if role == "" {
		role = models.RoleBuyer
	}
	if !validRole(role) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown role %q", role)
	}

	user := &models.User{}

	query := `
		INSERT INTO users (id, email, name, role, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
		RETURNING id, email, name, role, created_at, updated_at, version`

	err := q.QueryRowContext(ctx, query, uuid.NewString(), strings.TrimSpace(email), name, role).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Newf(apperr.KindValidation, "email %s is already registered", email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

func GetUser(ctx context.Context, q database.Querier, id string) (*models.User, error) {
	user := &models.User{}

	query := `
		SELECT id, email, name, role, created_at, updated_at, version
		FROM users
		WHERE id = $1`

	err := q.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "user %s not found", id)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}

// CreateStore opens a store for ownerID and promotes a buyer to seller.
// A user owns at most one store.
func CreateStore(ctx context.Context, db *sql.DB, ownerID, name string) (*models.Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.KindValidation, "store name is required")
	}

	store := &models.Store{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		user, err := GetUser(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO stores (id, owner_user_id, name, created_at)
			 VALUES ($1, $2, $3, NOW())
			 RETURNING id, owner_user_id, name, created_at`,
			uuid.NewString(), ownerID, name).Scan(
			&store.ID,
			&store.OwnerUserID,
			&store.Name,
			&store.CreatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.Newf(apperr.KindValidation, "user %s already owns a store", ownerID)
			}
			return fmt.Errorf("create store: %w", err)
		}

		if user.Role == models.RoleBuyer {
			_, err = tx.ExecContext(ctx,
				`UPDATE users
				 SET role = $1, updated_at = NOW(), version = version + 1
				 WHERE id = $2`,
				models.RoleSeller, ownerID)
			if err != nil {
				return fmt.Errorf("promote user to seller: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return store, nil
}

// ResolveActor loads userID with its seller profile, if any.
func ResolveActor(ctx context.Context, q database.Querier, userID string) (Actor, error) {
	var (
		actor     Actor
		storeID   sql.NullString
		storeName sql.NullString
	)

	err := q.QueryRowContext(ctx,
		`SELECT u.id, u.role, s.id, s.name
		 FROM users u
		 LEFT JOIN stores s ON s.owner_user_id = u.id
		 WHERE u.id = $1`,
		userID).Scan(&actor.UserID, &actor.Role, &storeID, &storeName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Actor{}, apperr.Newf(apperr.KindNotFound, "user %s not found", userID)
		}
		return Actor{}, fmt.Errorf("resolve actor: %w", err)
	}

	if storeID.Valid {
		actor.Seller = &SellerProfile{StoreID: storeID.String, StoreName: storeName.String}
	}
	return actor, nil
}

// StoreOwner returns the user that owns storeID.
func StoreOwner(ctx context.Context, q database.Querier, storeID string) (string, error) {
	var ownerID string

	err := q.QueryRowContext(ctx,
		`SELECT owner_user_id FROM stores WHERE id = $1`,
		storeID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.Newf(apperr.KindNotFound, "store %s not found", storeID)
		}
		return "", fmt.Errorf("get store owner: %w", err)
	}

	return ownerID, nil
}
