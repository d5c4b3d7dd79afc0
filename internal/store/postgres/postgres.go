package postgres

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/pricing"
	"pimutpos/backend/internal/store"
	"pimutpos/backend/internal/xid"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	db   *sql.DB
	calc pricing.Calculator
	now  func() time.Time
}

func New(ctx context.Context, databaseURL string, vatRate decimal.Decimal) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db, vatRate), nil
}

// NewWithDB wraps an already opened handle. The caller keeps ownership of
// pool settings.
func NewWithDB(db *sql.DB, vatRate decimal.Decimal) *Store {
	return &Store{db: db, calc: pricing.NewCalculator(vatRate), now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, name, category, price, stock, min_price, low_stock_threshold, barcode, image_url`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p         domain.Product
		minPrice  decimal.NullDecimal
		threshold sql.NullInt64
		barcode   sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &minPrice, &threshold, &barcode, &p.ImageURL); err != nil {
		return domain.Product{}, err
	}
	if minPrice.Valid {
		v := minPrice.Decimal
		p.MinPrice = &v
	}
	if threshold.Valid {
		v := int(threshold.Int64)
		p.LowStockThreshold = &v
	}
	if barcode.Valid {
		v := barcode.String
		p.Barcode = &v
	}
	return p.WithLowStockFlag(), nil
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, domain.Persistence(err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence(err)
	}
	return products, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY category, name
	`)
}

func (s *Store) getProductWhere(ctx context.Context, where string, arg any) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE `+where, arg)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		return nil, domain.Persistence(err)
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.getProductWhere(ctx, `id = $1`, id)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	return s.getProductWhere(ctx, `barcode = $1`, strings.TrimSpace(barcode))
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE low_stock_threshold IS NOT NULL AND stock <= low_stock_threshold
		ORDER BY stock ASC, name ASC
	`)
}

func (s *Store) DecrementStock(ctx context.Context, id string, qty int) (*domain.Product, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidRequest
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $1, updated_at = now()
		WHERE id = $2 AND stock >= $1
		RETURNING `+productColumns, qty, id)
	p, err := scanProduct(row)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Persistence(err)
	}

	current, lookupErr := s.GetProduct(ctx, id)
	if lookupErr != nil {
		return nil, lookupErr
	}
	return nil, &domain.StockError{ProductID: id, Requested: qty, Available: current.Stock}
}

func (s *Store) updateProduct(ctx context.Context, set string, value any, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET `+set+` = $1, updated_at = now()
		WHERE id = $2
		RETURNING `+productColumns, value, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		return nil, domain.Persistence(err)
	}
	return &p, nil
}

func (s *Store) SetStock(ctx context.Context, id string, qty int) (*domain.Product, error) {
	if qty < 0 {
		return nil, domain.ErrInvalidRequest
	}
	return s.updateProduct(ctx, "stock", qty, id)
}

func (s *Store) SetMinPrice(ctx context.Context, id string, minPrice *decimal.Decimal) (*domain.Product, error) {
	if minPrice != nil && minPrice.IsNegative() {
		return nil, domain.ErrInvalidRequest
	}
	var value any
	if minPrice != nil {
		value = minPrice.String()
	}
	return s.updateProduct(ctx, "min_price", value, id)
}

func (s *Store) SetLowStockThreshold(ctx context.Context, id string, threshold *int) (*domain.Product, error) {
	if threshold != nil && *threshold < 0 {
		return nil, domain.ErrInvalidRequest
	}
	var value any
	if threshold != nil {
		value = *threshold
	}
	return s.updateProduct(ctx, "low_stock_threshold", value, id)
}

// CommitSale runs the whole sale in one transaction. Product rows are locked
// in id order so concurrent commits over overlapping carts cannot deadlock,
// and every check runs against the locked rows before anything is written.
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, domain.Persistence(err)
	}
	defer func() { _ = tx.Rollback() }()

	locked := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `
			SELECT `+productColumns+`
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, id)
		p, err := scanProduct(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domain.ErrProductNotFound
			}
			return nil, domain.Persistence(err)
		}
		locked[id] = p
	}

	lines := make([]domain.SaleLine, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		product := locked[line.ProductID]
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
		if locked[id].Stock < requested[id] {
			return nil, &domain.StockError{ProductID: id, Requested: requested[id], Available: locked[id].Stock}
		}
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2
		`, requested[id], id); err != nil {
			return nil, domain.Persistence(err)
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
		PaymentReference: draft.PaymentReference,
		Cashier:          draft.Cashier,
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = s.now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, created_at, subtotal, vat, total, payment_method, payment_reference, cashier)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sale.ID, sale.CreatedAt, sale.Subtotal, sale.VAT, sale.Total, sale.PaymentMethod, nullString(sale.PaymentReference), sale.Cashier); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrInvalidRequest
		}
		return nil, domain.Persistence(err)
	}

	for i, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, name, quantity, price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sale.ID, i+1, line.ProductID, line.Name, line.Quantity, line.Price); err != nil {
			return nil, domain.Persistence(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Persistence(err)
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var (
		sale      domain.Sale
		reference sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, subtotal, vat, total, payment_method, payment_reference, cashier
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.CreatedAt, &sale.Subtotal, &sale.VAT, &sale.Total, &sale.PaymentMethod, &reference, &sale.Cashier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, domain.Persistence(err)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if reference.Valid {
		v := reference.String
		sale.PaymentReference = &v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, quantity, price
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no ASC
	`, id)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	defer rows.Close()

	sale.Lines = make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.Price); err != nil {
			return nil, domain.Persistence(err)
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence(err)
	}
	return &sale, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, domain.Persistence(err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence(err)
	}
	return users, nil
}

// EnsureUser inserts the account unless the username is already taken. It
// reports whether a row was written.
func (s *Store) EnsureUser(ctx context.Context, user domain.UserAccount) (bool, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO NOTHING
	`, strings.ToLower(strings.TrimSpace(user.Username)), user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		return false, domain.Persistence(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Persistence(err)
	}
	return n == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullString(val *string) any {
	if val == nil {
		return nil
	}
	return *val
}
