// Package pricing holds the price floor guard and the sale totals rule.
package pricing

import (
	"github.com/shopspring/decimal"

	"pimutpos/backend/internal/domain"
)

// DefaultVATRate is the fixed VAT applied to every sale subtotal.
var DefaultVATRate = decimal.RequireFromString("0.16")

// ValidRate reports whether rate is a usable VAT fraction, above zero and
// below one.
func ValidRate(rate decimal.Decimal) bool {
	return rate.IsPositive() && rate.LessThan(decimal.NewFromInt(1))
}

// ValidateFloor rejects a proposed unit price under the product's minimum.
// Products without a minimum accept any non-negative price.
func ValidateFloor(product domain.Product, price decimal.Decimal) error {
	if price.IsNegative() {
		return domain.ErrInvalidRequest
	}
	if product.MinPrice != nil && price.LessThan(*product.MinPrice) {
		return &domain.PriceFloorError{
			ProductID: product.ID,
			Price:     price,
			MinPrice:  *product.MinPrice,
		}
	}
	return nil
}

type Totals struct {
	Subtotal decimal.Decimal
	VAT      decimal.Decimal
	Total    decimal.Decimal
}

// Calculator computes sale totals for a VAT rate.
type Calculator struct {
	rate decimal.Decimal
}

func NewCalculator(rate decimal.Decimal) Calculator {
	if !ValidRate(rate) {
		rate = DefaultVATRate
	}
	return Calculator{rate: rate}
}

func (c Calculator) Rate() decimal.Decimal {
	return c.rate
}

// Compute sums the lines exactly and rounds only the VAT figure, half away
// from zero, to whole currency units.
func (c Calculator) Compute(lines []domain.SaleLine) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal())
	}
	vat := subtotal.Mul(c.rate).Round(0)
	return Totals{
		Subtotal: subtotal,
		VAT:      vat,
		Total:    subtotal.Add(vat),
	}
}

// Compute uses DefaultVATRate.
func Compute(lines []domain.SaleLine) Totals {
	return NewCalculator(DefaultVATRate).Compute(lines)
}
