package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCart         = errors.New("empty cart")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPriceBelowFloor   = errors.New("price below minimum allowed")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrPersistence       = errors.New("persistence error")
	ErrGateway           = errors.New("payment gateway error")
	ErrTimeout           = errors.New("payment confirmation timed out")
)

// ErrorKind is the closed set of failure categories reported by the core.
type ErrorKind string

const (
	KindEmptyCart         ErrorKind = "empty_cart"
	KindInsufficientStock ErrorKind = "insufficient_stock"
	KindPriceBelowFloor   ErrorKind = "price_below_floor"
	KindProductNotFound   ErrorKind = "product_not_found"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindPersistence       ErrorKind = "persistence_error"
	KindGateway           ErrorKind = "gateway_error"
	KindTimeout           ErrorKind = "timeout"
	KindInternal          ErrorKind = "internal"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrEmptyCart, KindEmptyCart},
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrPriceBelowFloor, KindPriceBelowFloor},
	{ErrProductNotFound, KindProductNotFound},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrPersistence, KindPersistence},
	{ErrGateway, KindGateway},
	{ErrTimeout, KindTimeout},
}

// KindOf classifies err. Errors outside the taxonomy map to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// StockError reports the product that could not cover the requested quantity.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// PriceFloorError reports a line price under the product's minimum.
type PriceFloorError struct {
	ProductID string
	Price     decimal.Decimal
	MinPrice  decimal.Decimal
}

func (e *PriceFloorError) Error() string {
	return fmt.Sprintf("price %s below minimum %s for product %s", e.Price.String(), e.MinPrice.String(), e.ProductID)
}

func (e *PriceFloorError) Unwrap() error { return ErrPriceBelowFloor }

// Persistence tags a storage-layer failure so callers can tell it apart from
// validation errors while keeping the driver error inspectable.
func Persistence(err error) error {
	if err == nil || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
