package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"pimutpos/backend/internal/domain"
)

// ErrNotFound is returned for missing sales. Missing products surface as
// domain.ErrProductNotFound.
var ErrNotFound = errors.New("not found")

// CatalogStore is the product side of the repository.
type CatalogStore interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)
	// DecrementStock removes qty units or fails with domain.ErrInsufficientStock
	// leaving stock untouched.
	DecrementStock(ctx context.Context, id string, qty int) (*domain.Product, error)
	SetStock(ctx context.Context, id string, qty int) (*domain.Product, error)
	SetMinPrice(ctx context.Context, id string, minPrice *decimal.Decimal) (*domain.Product, error)
	SetLowStockThreshold(ctx context.Context, id string, threshold *int) (*domain.Product, error)
}

// SaleStore persists sales. Sales are append-only.
type SaleStore interface {
	// CommitSale re-validates every line against authoritative product state,
	// decrements stock and records the sale in one atomic unit.
	CommitSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
}

type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

type Repository interface {
	CatalogStore
	SaleStore
	UserStore
}
