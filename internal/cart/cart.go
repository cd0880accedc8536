// Package cart keeps one active cart per owner. Owners are users or
// anonymous sessions; duplicate carts for an owner are folded into the
// oldest one whenever the cart is resolved.
package cart

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/catalog"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/logger"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Owner identifies whose cart is meant. UserID wins when both are set.
type Owner struct {
	UserID    string
	SessionID string
}

func (o Owner) Authenticated() bool {
	return o.UserID != ""
}

func (o Owner) validate() error {
	if strings.TrimSpace(o.UserID) == "" && strings.TrimSpace(o.SessionID) == "" {
		return apperr.New(apperr.KindValidation, "a user or session is required")
	}
	return nil
}

func (o Owner) lockKey() string {
	if o.Authenticated() {
		return "cart:user:" + o.UserID
	}
	return "cart:session:" + o.SessionID
}

type GuestItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// MergeResult reports which guest items were folded into the user cart.
type MergeResult struct {
	Merged  int      `json:"merged"`
	Skipped []string `json:"skipped,omitempty"`
}

type Service struct {
	db     *sql.DB
	rates  pricing.Rates
	logger *logger.Logger
	now    func() time.Time
}

func NewService(db *sql.DB, rates pricing.Rates, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{db: db, rates: rates, logger: log, now: time.Now}
}

// GetOrCreateCart returns the owner's single cart, creating it on first use
// and reconciling duplicates.
func (s *Service) GetOrCreateCart(ctx context.Context, owner Owner) (*models.Cart, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}

	var cart *models.Cart
	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cartID, err := s.Resolve(ctx, tx, owner)
		if err != nil {
			return err
		}
		cart, err = loadCart(ctx, tx, cartID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// Resolve finds or creates the owner's cart inside tx and returns its id.
// The owner's advisory lock is held until tx ends, so concurrent callers
// never create two carts for the same owner.
func (s *Service) Resolve(ctx context.Context, tx *sql.Tx, owner Owner) (string, error) {
	if err := owner.validate(); err != nil {
		return "", err
	}
	if err := database.LockKey(ctx, tx, owner.lockKey()); err != nil {
		return "", err
	}

	ids, err := ownerCartIDs(ctx, tx, owner)
	if err != nil {
		return "", err
	}

	if len(ids) == 0 {
		return createCart(ctx, tx, owner)
	}

	canonical := ids[0]
	if len(ids) > 1 {
		s.reconcile(ctx, tx, canonical, ids[1:])
	}
	return canonical, nil
}

// reconcile folds duplicate carts into canonical. Each duplicate is merged
// under its own savepoint; failures are logged and leave that duplicate for
// the next resolution.
func (s *Service) reconcile(ctx context.Context, tx *sql.Tx, canonical string, duplicates []string) {
	var errs error
	merged := 0
	for i, dup := range duplicates {
		err := database.WithSavepoint(ctx, tx, fmt.Sprintf("cart_merge_%d", i), func() error {
			if _, err := mergeCartInto(ctx, tx, canonical, dup); err != nil {
				return err
			}
			return deleteCart(ctx, tx, dup)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cart %s: %w", dup, err))
			continue
		}
		merged++
	}

	logCtx := s.logger.WithFields(ctx, map[string]any{
		"cart_id":    canonical,
		"duplicates": len(duplicates),
		"merged":     merged,
	})
	if errs != nil {
		s.logger.Error(logCtx, "cart reconciliation incomplete", errs)
		return
	}
	s.logger.Warn(logCtx, "reconciled duplicate carts")
}

func (s *Service) AddItem(ctx context.Context, owner Owner, productID string, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, apperr.New(apperr.KindValidation, "quantity must be positive")
	}

	return s.mutate(ctx, owner, func(tx *sql.Tx, cartID string) error {
		product, err := catalog.GetProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		if quantity > product.StockQuantity {
			return apperr.OutOfStock(productID, quantity, product.StockQuantity)
		}
		return addQuantity(ctx, tx, cartID, productID, quantity)
	})
}

// UpdateItem sets the quantity of a line; zero or less removes it.
func (s *Service) UpdateItem(ctx context.Context, owner Owner, productID string, quantity int) (*models.Cart, error) {
	return s.mutate(ctx, owner, func(tx *sql.Tx, cartID string) error {
		if quantity <= 0 {
			return removeItem(ctx, tx, cartID, productID)
		}

		product, err := catalog.GetProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		if quantity > product.StockQuantity {
			return apperr.OutOfStock(productID, quantity, product.StockQuantity)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cart_items (cart_id, product_id, quantity, created_at, updated_at)
			 VALUES ($1, $2, $3, NOW(), NOW())
			 ON CONFLICT (cart_id, product_id)
			 DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
			cartID, productID, quantity)
		if err != nil {
			return fmt.Errorf("set cart item: %w", err)
		}
		return touchCart(ctx, tx, cartID)
	})
}

// RemoveItem deletes a line. Removing an absent product is not an error.
func (s *Service) RemoveItem(ctx context.Context, owner Owner, productID string) (*models.Cart, error) {
	return s.mutate(ctx, owner, func(tx *sql.Tx, cartID string) error {
		return removeItem(ctx, tx, cartID, productID)
	})
}

func (s *Service) mutate(ctx context.Context, owner Owner, fn func(tx *sql.Tx, cartID string) error) (*models.Cart, error) {
	var cart *models.Cart
	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cartID, err := s.Resolve(ctx, tx, owner)
		if err != nil {
			return err
		}
		if err := fn(tx, cartID); err != nil {
			return err
		}
		cart, err = loadCart(ctx, tx, cartID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// MergeGuestItems adds guest items to the user's cart, summing quantities
// for products already there. Unknown products and non-positive quantities
// are skipped and reported.
func (s *Service) MergeGuestItems(ctx context.Context, userID string, items []GuestItem) (MergeResult, error) {
	var result MergeResult
	if strings.TrimSpace(userID) == "" {
		return result, apperr.New(apperr.KindForbidden, "merging a guest cart requires a user")
	}

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		result = MergeResult{}

		cartID, err := s.Resolve(ctx, tx, Owner{UserID: userID})
		if err != nil {
			return err
		}

		for _, item := range items {
			if item.Quantity <= 0 {
				result.Skipped = append(result.Skipped, item.ProductID)
				continue
			}
			exists, err := productExists(ctx, tx, item.ProductID)
			if err != nil {
				return err
			}
			if !exists {
				result.Skipped = append(result.Skipped, item.ProductID)
				continue
			}
			if err := addQuantity(ctx, tx, cartID, item.ProductID, item.Quantity); err != nil {
				return err
			}
			result.Merged++
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	if len(result.Skipped) > 0 {
		s.logger.Warn(s.logger.WithFields(ctx, map[string]any{
			"user_id": userID,
			"skipped": result.Skipped,
		}), "guest cart items skipped")
	}
	return result, nil
}

// MergeSessionCart moves every item of the session's anonymous carts into
// the user's cart and deletes the session carts.
func (s *Service) MergeSessionCart(ctx context.Context, userID, sessionID string) (MergeResult, error) {
	var result MergeResult
	if strings.TrimSpace(userID) == "" {
		return result, apperr.New(apperr.KindForbidden, "merging a guest cart requires a user")
	}
	if strings.TrimSpace(sessionID) == "" {
		return result, apperr.New(apperr.KindValidation, "session id is required")
	}

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		result = MergeResult{}

		userOwner := Owner{UserID: userID}
		sessionOwner := Owner{SessionID: sessionID}

		// fixed lock order keeps two merges from deadlocking
		keys := []string{userOwner.lockKey(), sessionOwner.lockKey()}
		sort.Strings(keys)
		for _, key := range keys {
			if err := database.LockKey(ctx, tx, key); err != nil {
				return err
			}
		}

		cartID, err := s.Resolve(ctx, tx, userOwner)
		if err != nil {
			return err
		}

		guestIDs, err := ownerCartIDs(ctx, tx, sessionOwner)
		if err != nil {
			return err
		}
		for _, guestID := range guestIDs {
			n, err := mergeCartInto(ctx, tx, cartID, guestID)
			if err != nil {
				return err
			}
			if err := deleteCart(ctx, tx, guestID); err != nil {
				return err
			}
			result.Merged += n
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

type QuoteLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

type Quote struct {
	CartID        string         `json:"cart_id"`
	Lines         []QuoteLine    `json:"lines"`
	Totals        pricing.Totals `json:"totals"`
	PromotionCode string         `json:"promotion_code,omitempty"`
}

// Quote prices the owner's cart at live catalog prices. A promotion code,
// if given, discounts the preview only.
func (s *Service) Quote(ctx context.Context, owner Owner, code string) (*Quote, error) {
	cart, err := s.GetOrCreateCart(ctx, owner)
	if err != nil {
		return nil, err
	}

	lines, err := PricedLines(ctx, s.db, cart.ID)
	if err != nil {
		return nil, err
	}

	quote := &Quote{CartID: cart.ID, Lines: make([]QuoteLine, 0, len(lines))}
	for _, line := range lines {
		quote.Lines = append(quote.Lines, QuoteLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Amount:    line.Amount(),
		})
	}
	quote.Totals = pricing.ComputeTotals(lines, s.rates)

	if code = strings.TrimSpace(code); code != "" {
		promo, err := pricing.ActivePromotion(ctx, s.db, code, s.now())
		if err != nil {
			return nil, err
		}
		quote.Totals = quote.Totals.WithPromotion(promo)
		quote.PromotionCode = promo.Code
	}
	return quote, nil
}
