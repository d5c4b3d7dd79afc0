package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/pricing"
	"pimutpos/backend/internal/store"
	"pimutpos/backend/internal/xid"
)

// productEntry carries its own lock so commits touching disjoint products
// do not serialize on each other.
type productEntry struct {
	mu      sync.Mutex
	product domain.Product
}

var _ store.Repository = (*Store)(nil)

type Store struct {
	// mu guards the maps only. Product fields are guarded by productEntry.mu.
	mu        sync.RWMutex
	products  map[string]*productEntry
	barcodes  map[string]string
	usersByID map[string]domain.UserAccount

	salesMu sync.RWMutex
	sales   map[string]domain.Sale

	calc pricing.Calculator
	now  func() time.Time
}

type Option func(*Store)

// WithVATRate overrides the default VAT rate used for committed sales.
func WithVATRate(rate decimal.Decimal) Option {
	return func(s *Store) {
		s.calc = pricing.NewCalculator(rate)
	}
}

// WithClock replaces time.Now for sale timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty store with no products and no users.
func New(opts ...Option) *Store {
	s := &Store{
		products:  make(map[string]*productEntry),
		barcodes:  make(map[string]string),
		usersByID: make(map[string]domain.UserAccount),
		sales:     make(map[string]domain.Sale),
		calc:      pricing.NewCalculator(pricing.DefaultVATRate),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	for _, p := range seedProducts() {
		s.PutProduct(p)
	}
	s.usersByID = seedUsers()
	return s
}

func seedProducts() []domain.Product {
	dec := decimal.RequireFromString
	minPrice := func(v string) *decimal.Decimal {
		d := dec(v)
		return &d
	}
	threshold := func(v int) *int { return &v }
	barcode := func(v string) *string { return &v }

	return []domain.Product{
		{ID: "prd-unga-2kg", Name: "Unga Jogoo 2kg", Category: "Flour", Price: dec("210"), Stock: 40, MinPrice: minPrice("195"), LowStockThreshold: threshold(10), Barcode: barcode("6161101660012")},
		{ID: "prd-sugar-1kg", Name: "Mumias Sugar 1kg", Category: "Sugar", Price: dec("180"), Stock: 25, MinPrice: minPrice("170"), LowStockThreshold: threshold(8), Barcode: barcode("6164000230015")},
		{ID: "prd-milk-500", Name: "Brookside Milk 500ml", Category: "Dairy", Price: dec("65"), Stock: 60, LowStockThreshold: threshold(15), Barcode: barcode("6161100190045")},
		{ID: "prd-bread-400", Name: "Festive Bread 400g", Category: "Bakery", Price: dec("70"), Stock: 4, MinPrice: minPrice("65"), LowStockThreshold: threshold(5), Barcode: barcode("6161105440017")},
		{ID: "prd-oil-1l", Name: "Elianto Cooking Oil 1L", Category: "Cooking", Price: dec("390"), Stock: 18, MinPrice: minPrice("360"), Barcode: barcode("6009801230019")},
		{ID: "prd-soap-bar", Name: "Menengai Bar Soap", Category: "Household", Price: dec("120"), Stock: 30},
		{ID: "prd-rice-1kg", Name: "Pishori Rice 1kg", Category: "Grains", Price: dec("250"), Stock: 12, MinPrice: minPrice("230"), LowStockThreshold: threshold(6)},
		{ID: "prd-tea-250", Name: "Kericho Gold Tea 250g", Category: "Beverages", Price: dec("165"), Stock: 22, LowStockThreshold: threshold(5), Barcode: barcode("6161100600018")},
	}
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	assistantPwd := envOr("SEED_ASSISTANT_PASSWORD", "assistant123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
		{"assistant", assistantPwd, domain.RoleAssistant},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct inserts or replaces a product. Used for seeding and tests.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = p.Clone()
	p.LowStock = false
	if entry, ok := s.products[p.ID]; ok {
		entry.mu.Lock()
		if old := entry.product.Barcode; old != nil {
			delete(s.barcodes, *old)
		}
		entry.product = p
		entry.mu.Unlock()
	} else {
		s.products[p.ID] = &productEntry{product: p}
	}
	if p.Barcode != nil && *p.Barcode != "" {
		s.barcodes[*p.Barcode] = p.ID
	}
}

// PutUser registers a user account. Used for tests.
func (s *Store) PutUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	s.usersByID[user.Username] = user
}

func (s *Store) entries() []*productEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*productEntry, 0, len(s.products))
	for _, entry := range s.products {
		out = append(out, entry)
	}
	return out
}

func (s *Store) entry(id string) (*productEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return entry, nil
}

func (e *productEntry) snapshot() domain.Product {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.product.Clone().WithLowStockFlag()
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	entries := s.entries()
	products := make([]domain.Product, 0, len(entries))
	for _, entry := range entries {
		products = append(products, entry.snapshot())
	}
	sortProducts(products)
	return products, nil
}

func sortProducts(products []domain.Product) {
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmp.Compare(a.Name, b.Name)
		}
		return cmp.Compare(a.Category, b.Category)
	})
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	p := entry.snapshot()
	return &p, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	id, ok := s.barcodes[strings.TrimSpace(barcode)]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return s.GetProduct(ctx, id)
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	all, err := s.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0)
	for _, p := range all {
		if p.LowStock {
			low = append(low, p)
		}
	}
	slices.SortFunc(low, func(a, b domain.Product) int {
		if a.Stock == b.Stock {
			return cmp.Compare(a.Name, b.Name)
		}
		return cmp.Compare(a.Stock, b.Stock)
	})
	return low, nil
}

func (s *Store) DecrementStock(_ context.Context, id string, qty int) (*domain.Product, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidRequest
	}
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.product.Stock < qty {
		return nil, &domain.StockError{ProductID: id, Requested: qty, Available: entry.product.Stock}
	}
	entry.product.Stock -= qty
	p := entry.product.Clone().WithLowStockFlag()
	return &p, nil
}

func (s *Store) update(id string, fn func(p *domain.Product)) (*domain.Product, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(&entry.product)
	p := entry.product.Clone().WithLowStockFlag()
	return &p, nil
}

func (s *Store) SetStock(_ context.Context, id string, qty int) (*domain.Product, error) {
	if qty < 0 {
		return nil, domain.ErrInvalidRequest
	}
	return s.update(id, func(p *domain.Product) { p.Stock = qty })
}

func (s *Store) SetMinPrice(_ context.Context, id string, minPrice *decimal.Decimal) (*domain.Product, error) {
	if minPrice != nil && minPrice.IsNegative() {
		return nil, domain.ErrInvalidRequest
	}
	return s.update(id, func(p *domain.Product) {
		if minPrice == nil {
			p.MinPrice = nil
			return
		}
		v := *minPrice
		p.MinPrice = &v
	})
}

func (s *Store) SetLowStockThreshold(_ context.Context, id string, threshold *int) (*domain.Product, error) {
	if threshold != nil && *threshold < 0 {
		return nil, domain.ErrInvalidRequest
	}
	return s.update(id, func(p *domain.Product) {
		if threshold == nil {
			p.LowStockThreshold = nil
			return
		}
		v := *threshold
		p.LowStockThreshold = &v
	})
}

// CommitSale locks every product named in the draft in id order, validates
// all lines, and only then applies stock changes and records the sale.
// A rejected draft leaves no trace.
func (s *Store) CommitSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	if len(draft.Lines) == 0 {
		return nil, domain.ErrEmptyCart
	}

	requested := make(map[string]int, len(draft.Lines))
	for _, line := range draft.Lines {
		if strings.TrimSpace(line.ProductID) == "" || line.Quantity <= 0 {
			return nil, domain.ErrInvalidRequest
		}
		if line.Quantity > domain.MaxQuantity-requested[line.ProductID] {
			return nil, domain.ErrInvalidRequest
		}
		requested[line.ProductID] += line.Quantity
	}

	ids := make([]string, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	locked := make(map[string]*productEntry, len(ids))
	for _, id := range ids {
		entry, err := s.entry(id)
		if err != nil {
			return nil, err
		}
		locked[id] = entry
	}
	for _, id := range ids {
		locked[id].mu.Lock()
		defer locked[id].mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := make([]domain.SaleLine, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		product := locked[line.ProductID].product
		price := line.UnitPrice(product.Price)
		if err := pricing.ValidateFloor(product, price); err != nil {
			return nil, err
		}
		lines = append(lines, domain.SaleLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			Price:     price,
		})
	}
	for _, id := range ids {
		product := locked[id].product
		if product.Stock < requested[id] {
			return nil, &domain.StockError{ProductID: id, Requested: requested[id], Available: product.Stock}
		}
	}

	totals := s.calc.Compute(lines)
	sale := domain.Sale{
		ID:               draft.ID,
		CreatedAt:        draft.CreatedAt,
		Lines:            lines,
		Subtotal:         totals.Subtotal,
		VAT:              totals.VAT,
		Total:            totals.Total,
		PaymentMethod:    draft.PaymentMethod,
		PaymentReference: cloneString(draft.PaymentReference),
		Cashier:          draft.Cashier,
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = s.now().UTC()
	}

	s.salesMu.Lock()
	if _, exists := s.sales[sale.ID]; exists {
		s.salesMu.Unlock()
		return nil, domain.ErrInvalidRequest
	}
	for _, id := range ids {
		locked[id].product.Stock -= requested[id]
	}
	s.sales[sale.ID] = sale
	s.salesMu.Unlock()

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.salesMu.RLock()
	defer s.salesMu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Lines = slices.Clone(sale.Lines)
	sale.PaymentReference = cloneString(sale.PaymentReference)
	return sale
}

func cloneString(val *string) *string {
	if val == nil {
		return nil
	}
	v := *val
	return &v
}
