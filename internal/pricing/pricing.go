// Package pricing computes cart and order totals and applies promotion codes.
package pricing

import (
	"time"

	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Rates struct {
	TaxRatePercent  decimal.Decimal
	ShippingFlatFee decimal.Decimal
}

// Line is one priced item. UnitPrice is the live catalog price for a cart
// preview and the frozen price for an order.
type Line struct {
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
}

func (l Line) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

// ComputeTotals charges shipping only on a non-empty subtotal. Tax and total
// are rounded to cents.
func ComputeTotals(lines []Line, rates Rates) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.Amount())
	}
	return totalsFor(subtotal, rates)
}

func totalsFor(subtotal decimal.Decimal, rates Rates) Totals {
	shipping := decimal.Zero
	if subtotal.IsPositive() {
		shipping = rates.ShippingFlatFee
	}
	tax := subtotal.Mul(rates.TaxRatePercent).Div(hundred).Round(2)

	return Totals{
		Subtotal: subtotal.Round(2),
		Shipping: shipping.Round(2),
		Tax:      tax,
		Discount: decimal.Zero,
		Total:    subtotal.Add(shipping).Add(tax).Round(2),
	}
}

// OrderTotals recomputes an order's totals from its frozen items and the
// tax rate and shipping cost stored on it. Discount is whatever separates
// that figure from the persisted total.
func OrderTotals(order *models.Order) Totals {
	lines := make([]Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, Line{ProductID: item.ProductID, UnitPrice: item.UnitPrice, Quantity: item.Quantity})
	}

	totals := ComputeTotals(lines, Rates{TaxRatePercent: order.TaxRate, ShippingFlatFee: order.ShippingCost})
	if discount := totals.Total.Sub(order.TotalAmount); discount.IsPositive() {
		totals.Discount = discount
		totals.Total = order.TotalAmount
	}
	return totals
}

// ApplyDiscount reduces total by percentage percent, rounded to cents.
func ApplyDiscount(total, percentage decimal.Decimal) decimal.Decimal {
	reduction := total.Mul(percentage).Div(hundred)
	return total.Sub(reduction).Round(2)
}

// PromotionExpired reports whether p can no longer be used at now. The
// expiry date itself is still valid.
func PromotionExpired(p *models.Promotion, now time.Time) bool {
	y, m, d := p.ExpiresOn.Date()
	end := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	return !now.UTC().Before(end)
}

// WithPromotion applies p to the preview totals.
func (t Totals) WithPromotion(p *models.Promotion) Totals {
	discounted := ApplyDiscount(t.Total, p.Percentage)
	t.Discount = t.Total.Sub(discounted)
	t.Total = discounted
	return t
}
