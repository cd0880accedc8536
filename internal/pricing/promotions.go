package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

func CreatePromotion(ctx context.Context, q database.Querier, code string, percentage decimal.Decimal, expiresOn time.Time) (*models.Promotion, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.New(apperr.KindValidation, "discount code is required")
	}
	if !percentage.IsPositive() || percentage.GreaterThan(hundred) {
		return nil, apperr.New(apperr.KindValidation, "percentage must be in (0, 100]")
	}

	promo := &models.Promotion{}
	err := q.QueryRowContext(ctx,
		`INSERT INTO promotions (id, code, percentage, expires_on, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING id, code, percentage, expires_on, created_at`,
		uuid.NewString(), code, percentage, expiresOn.Format("2006-01-02")).Scan(
		&promo.ID,
		&promo.Code,
		&promo.Percentage,
		&promo.ExpiresOn,
		&promo.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Newf(apperr.KindValidation, "discount code %s already exists", code)
		}
		return nil, fmt.Errorf("create promotion: %w", err)
	}

	return promo, nil
}

// GetPromotionByCode fails with ErrInvalidCode when no such code exists.
func GetPromotionByCode(ctx context.Context, q database.Querier, code string) (*models.Promotion, error) {
	promo := &models.Promotion{}

	err := q.QueryRowContext(ctx,
		`SELECT id, code, percentage, expires_on, created_at
		 FROM promotions
		 WHERE code = $1`,
		strings.TrimSpace(code)).Scan(
		&promo.ID,
		&promo.Code,
		&promo.Percentage,
		&promo.ExpiresOn,
		&promo.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindInvalidCode, "discount code %q not found", code)
		}
		return nil, fmt.Errorf("get promotion: %w", err)
	}

	return promo, nil
}

// ActivePromotion looks up code and rejects it once expired.
func ActivePromotion(ctx context.Context, q database.Querier, code string, now time.Time) (*models.Promotion, error) {
	promo, err := GetPromotionByCode(ctx, q, code)
	if err != nil {
		return nil, err
	}
	if PromotionExpired(promo, now) {
		return nil, apperr.Newf(apperr.KindPromotionExpired, "discount code %s expired on %s",
			promo.Code, promo.ExpiresOn.Format("2006-01-02"))
	}
	return promo, nil
}
