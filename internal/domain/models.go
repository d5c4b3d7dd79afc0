package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// MaxQuantity caps one cart line and the combined quantity of a product in
// one sale. It matches the INTEGER stock column.
const MaxQuantity = math.MaxInt32

type Product struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Category          string           `json:"category"`
	Price             decimal.Decimal  `json:"price"`
	Stock             int              `json:"stock"`
	MinPrice          *decimal.Decimal `json:"min_price,omitempty"`
	LowStockThreshold *int             `json:"low_stock_threshold,omitempty"`
	Barcode           *string          `json:"barcode,omitempty"`
	ImageURL          string           `json:"image_url,omitempty"`
	LowStock          bool             `json:"low_stock"`
}

// IsLowStock reports whether stock has reached the configured threshold.
// Products without a threshold are never flagged.
func (p Product) IsLowStock() bool {
	return p.LowStockThreshold != nil && p.Stock <= *p.LowStockThreshold
}

// Clone returns a copy that shares no pointers with p.
func (p Product) Clone() Product {
	if p.MinPrice != nil {
		v := *p.MinPrice
		p.MinPrice = &v
	}
	if p.LowStockThreshold != nil {
		v := *p.LowStockThreshold
		p.LowStockThreshold = &v
	}
	if p.Barcode != nil {
		v := *p.Barcode
		p.Barcode = &v
	}
	return p
}

// WithLowStockFlag returns a copy with the derived LowStock field filled in.
func (p Product) WithLowStockFlag() Product {
	p.LowStock = p.IsLowStock()
	return p
}

type CartLine struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"gte=1,lte=2147483647"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

// UnitPrice resolves the line price, falling back to the catalog price when
// the cashier did not override it.
func (l CartLine) UnitPrice(catalog decimal.Decimal) decimal.Decimal {
	if l.Price == nil {
		return catalog
	}
	return *l.Price
}

type CheckoutRequest struct {
	Lines            []CartLine `json:"lines" validate:"dive"`
	PaymentMethod    string     `json:"payment_method"`
	PaymentReference string     `json:"payment_reference,omitempty"`
}

type CheckoutResponse struct {
	SaleID           string          `json:"sale_id"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	VAT              decimal.Decimal `json:"vat"`
	Total            decimal.Decimal `json:"total"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	Cashier          string          `json:"cashier"`
	ItemCount        int             `json:"item_count"`
	CreatedAt        string          `json:"created_at"`
	// LowStock lists sold products now at or below their threshold.
	LowStock []Product `json:"low_stock,omitempty"`
}

// SaleDraft is the validated input of a commit. Totals are computed by the
// store inside the transaction, never taken from the caller.
type SaleDraft struct {
	ID               string
	Lines            []CartLine
	PaymentMethod    string
	PaymentReference *string
	Cashier          string
	CreatedAt        time.Time
}

type SaleLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// LineTotal is price x quantity without rounding.
func (l SaleLine) LineTotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Sale struct {
	ID               string          `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	Lines            []SaleLine      `json:"lines"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	VAT              decimal.Decimal `json:"vat"`
	Total            decimal.Decimal `json:"total"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	Cashier          string          `json:"cashier"`
}

type PriceCheckRequest struct {
	Price decimal.Decimal `json:"price"`
}

type PriceCheckResponse struct {
	ProductID string           `json:"product_id"`
	Price     decimal.Decimal  `json:"price"`
	MinPrice  *decimal.Decimal `json:"min_price,omitempty"`
	OK        bool             `json:"ok"`
}

type MinPriceUpdateRequest struct {
	MinPrice *decimal.Decimal `json:"min_price"`
}

type ThresholdUpdateRequest struct {
	LowStockThreshold *int `json:"low_stock_threshold" validate:"omitempty,gte=0"`
}

type StockUpdateRequest struct {
	Stock *int `json:"stock" validate:"required,gte=0"`
}

type StockWriteOffRequest struct {
	Quantity int `json:"quantity" validate:"required,gte=1,lte=2147483647"`
}

type MobilePaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Phone  string          `json:"phone" validate:"required,min=9,max=15"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleAdmin     = "admin"
	RoleCashier   = "cashier"
	RoleAssistant = "assistant"
)

const (
	PaymentCash   = "cash"
	PaymentMpesa  = "mpesa"
	PaymentBank   = "bank"
	PaymentCard   = "card"
	PaymentCheque = "cheque"
	PaymentCredit = "credit"
)
