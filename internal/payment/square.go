package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-sql-marketplace/internal/logger"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"
)

const (
	squareSandbox    = "sandbox"
	squareProduction = "production"
)

var squareBaseURLs = map[string]string{
	squareSandbox:    "https://connect.squareupsandbox.com",
	squareProduction: "https://connect.squareup.com",
}

type SquareConfig struct {
	AccessToken string
	Environment string
	LocationID  string
	Currency    string
	// BaseURL overrides the environment's API host.
	BaseURL string
}

// Square charges through the Square Payments API. The order id travels as
// the payment reference id.
type Square struct {
	sdk        *sqclient.Client
	locationID string
	currency   string
	logger     *logger.Logger
}

func NewSquare(cfg SquareConfig, log *logger.Logger) (*Square, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("square access token is required")
	}
	location := strings.TrimSpace(cfg.LocationID)
	if location == "" {
		return nil, errors.New("square location id is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		env := strings.ToLower(strings.TrimSpace(cfg.Environment))
		if env == "" {
			env = squareSandbox
		}
		var ok bool
		if baseURL, ok = squareBaseURLs[env]; !ok {
			return nil, fmt.Errorf("square environment must be %q or %q", squareSandbox, squareProduction)
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "USD"
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Square{
		sdk: sqclient.NewClient(
			sqoption.WithBaseURL(baseURL),
			sqoption.WithToken(token),
		),
		locationID: location,
		currency:   currency,
		logger:     log,
	}, nil
}

func (s *Square) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if strings.TrimSpace(req.Info.SourceID) == "" {
		return Authorization{}, fmt.Errorf("%w: payment source is required", ErrDeclined)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	ctx = s.logger.WithFields(ctx, map[string]any{"order_id": req.OrderID, "gateway": "square"})
	resp, err := s.sdk.Payments.Create(ctx, &sq.CreatePaymentRequest{
		IdempotencyKey: key,
		SourceID:       req.Info.SourceID,
		LocationID:     stringPtr(s.locationID),
		ReferenceID:    stringPtr(req.OrderID),
		AmountMoney:    s.money(toCents(req.Amount)),
	})
	if err != nil {
		s.logger.Error(ctx, "square create payment", err)
		return Authorization{}, mapSquareError(err, "create payment")
	}

	payment := resp.GetPayment()
	if payment == nil {
		return Authorization{}, fmt.Errorf("%w: square returned no payment", ErrDeclined)
	}

	status := stringValue(payment.GetStatus())
	switch status {
	case "FAILED", "CANCELED":
		return Authorization{}, fmt.Errorf("%w: square payment %s", ErrDeclined, strings.ToLower(status))
	}

	return Authorization{
		TransactionID: stringValue(payment.GetID()),
		Status:        status,
	}, nil
}

func (s *Square) Refund(ctx context.Context, req RefundRequest) error {
	if strings.TrimSpace(req.TransactionID) == "" {
		return errors.New("refund: missing transaction id")
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	ctx = s.logger.WithField(ctx, "gateway", "square")
	_, err := s.sdk.Refunds.RefundPayment(ctx, &sq.RefundPaymentRequest{
		IdempotencyKey: key,
		PaymentID:      stringPtr(req.TransactionID),
		AmountMoney:    s.money(toCents(req.Amount)),
	})
	if err != nil {
		s.logger.Error(ctx, "square refund payment", err)
		return mapSquareError(err, "refund payment")
	}
	return nil
}

func (s *Square) money(cents int64) *sq.Money {
	currency := sq.Currency(s.currency)
	return &sq.Money{
		Amount:   &cents,
		Currency: &currency,
	}
}

// mapSquareError turns client-side rejections into declines; anything else
// stays a transport failure.
func mapSquareError(err error, op string) error {
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return fmt.Errorf("%w: square %s returned %d: %v", ErrDeclined, op, apiErr.StatusCode, err)
	}
	return fmt.Errorf("square %s: %w", op, err)
}

func stringPtr(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
