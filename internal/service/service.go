package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/lowstock"
	"pimutpos/backend/internal/payment"
	"pimutpos/backend/internal/pricing"
	"pimutpos/backend/internal/store"
	"pimutpos/backend/internal/xid"
)

// ErrForbidden is returned when the request actor lacks the required role.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

// PaymentCoordinator is the part of payment.Coordinator the service drives.
type PaymentCoordinator interface {
	Start(ctx context.Context, amount decimal.Decimal, phone string) (payment.Session, error)
	Poll(id string) (payment.Session, error)
	Cancel(id string) (payment.Session, error)
}

type Service struct {
	repo     store.Repository
	payments PaymentCoordinator
	notifier *lowstock.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(repo store.Repository, payments PaymentCoordinator, notifier *lowstock.Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = lowstock.NewNotifier(repo, log)
	}
	return &Service{
		repo:     repo,
		payments: payments,
		notifier: notifier,
		log:      log.Named("service"),
		now:      time.Now,
	}
}

var paymentMethods = []string{
	domain.PaymentCash,
	domain.PaymentMpesa,
	domain.PaymentBank,
	domain.PaymentCard,
	domain.PaymentCheque,
	domain.PaymentCredit,
}

func isSupportedPaymentMethod(method string) bool {
	return slices.Contains(paymentMethods, method)
}

// normalizeReference trims the reference and drops it when empty. Cash
// sales never carry one.
func normalizeReference(method string, reference string) *string {
	if method == domain.PaymentCash {
		return nil
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil
	}
	return &reference
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleCashier)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if len(req.Lines) == 0 {
		return domain.CheckoutResponse{}, domain.ErrEmptyCart
	}

	lines := make([]domain.CartLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" || line.Quantity < 1 || line.Quantity > domain.MaxQuantity {
			return domain.CheckoutResponse{}, domain.ErrInvalidRequest
		}
		if line.Price != nil && line.Price.IsNegative() {
			return domain.CheckoutResponse{}, domain.ErrInvalidRequest
		}
		lines = append(lines, line)
	}

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if !isSupportedPaymentMethod(method) {
		return domain.CheckoutResponse{}, domain.ErrInvalidRequest
	}

	draft := domain.SaleDraft{
		ID:               xid.New("sale"),
		Lines:            lines,
		PaymentMethod:    method,
		PaymentReference: normalizeReference(method, req.PaymentReference),
		Cashier:          actor.Username,
		CreatedAt:        s.now().UTC(),
	}

	sale, err := s.repo.CommitSale(ctx, draft)
	if err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			s.log.Error("commit sale failed", zap.String("sale_id", draft.ID), zap.Error(err))
		} else {
			s.log.Info("checkout rejected", zap.String("cashier", actor.Username), zap.String("kind", string(domain.KindOf(err))), zap.Error(err))
		}
		return domain.CheckoutResponse{}, err
	}

	s.log.Info("sale committed",
		zap.String("sale_id", sale.ID),
		zap.String("cashier", sale.Cashier),
		zap.String("payment_method", sale.PaymentMethod),
		zap.String("total", sale.Total.String()),
	)

	resp := toCheckoutResponse(sale)
	resp.LowStock = s.lowStockAfterSale(ctx, sale)
	return resp, nil
}

// lowStockAfterSale refreshes the notifier and returns the sold products that
// are now at or below their threshold. Refresh failures never fail a sale.
func (s *Service) lowStockAfterSale(ctx context.Context, sale *domain.Sale) []domain.Product {
	flagged, err := s.notifier.Refresh(ctx)
	if err != nil {
		s.log.Warn("low stock refresh failed", zap.String("sale_id", sale.ID), zap.Error(err))
		return nil
	}
	sold := make(map[string]struct{}, len(sale.Lines))
	for _, line := range sale.Lines {
		sold[line.ProductID] = struct{}{}
	}
	out := make([]domain.Product, 0)
	for _, p := range flagged {
		if _, ok := sold[p.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) refreshLowStock(ctx context.Context) {
	if _, err := s.notifier.Refresh(ctx); err != nil {
		s.log.Warn("low stock refresh failed", zap.Error(err))
	}
}

func toCheckoutResponse(sale *domain.Sale) domain.CheckoutResponse {
	items := 0
	for _, line := range sale.Lines {
		items += line.Quantity
	}
	return domain.CheckoutResponse{
		SaleID:           sale.ID,
		Subtotal:         sale.Subtotal,
		VAT:              sale.VAT,
		Total:            sale.Total,
		PaymentMethod:    sale.PaymentMethod,
		PaymentReference: sale.PaymentReference,
		Cashier:          sale.Cashier,
		ItemCount:        items,
		CreatedAt:        sale.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, domain.ErrInvalidRequest
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, domain.ErrInvalidRequest
	}
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, domain.ErrInvalidRequest
	}
	p, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (s *Service) LowStock(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStock(ctx)
}

// LowStockAlerts returns the notifier view computed after the most recent
// sale or stock change.
func (s *Service) LowStockAlerts() []domain.Product {
	return s.notifier.Snapshot()
}

// CheckLinePrice runs the floor guard for a cashier override before the
// line is added to the cart. A rejected price returns the filled response
// together with the floor error.
func (s *Service) CheckLinePrice(ctx context.Context, productID string, price decimal.Decimal) (domain.PriceCheckResponse, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return domain.PriceCheckResponse{}, err
	}
	resp := domain.PriceCheckResponse{
		ProductID: product.ID,
		Price:     price,
		MinPrice:  product.MinPrice,
	}
	if err := pricing.ValidateFloor(product, price); err != nil {
		return resp, err
	}
	resp.OK = true
	return resp, nil
}

func (s *Service) SetMinPrice(ctx context.Context, productID string, minPrice *decimal.Decimal) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}
	if minPrice != nil && minPrice.IsNegative() {
		return domain.Product{}, domain.ErrInvalidRequest
	}
	p, err := s.repo.SetMinPrice(ctx, strings.TrimSpace(productID), minPrice)
	if err != nil {
		return domain.Product{}, err
	}
	s.log.Info("min price updated", zap.String("product_id", p.ID), zap.Stringp("min_price", decimalString(p.MinPrice)))
	return *p, nil
}

func (s *Service) SetLowStockThreshold(ctx context.Context, productID string, threshold *int) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}
	if threshold != nil && *threshold < 0 {
		return domain.Product{}, domain.ErrInvalidRequest
	}
	p, err := s.repo.SetLowStockThreshold(ctx, strings.TrimSpace(productID), threshold)
	if err != nil {
		return domain.Product{}, err
	}
	s.refreshLowStock(ctx)
	return *p, nil
}

func (s *Service) SetStock(ctx context.Context, productID string, qty int) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}
	if qty < 0 {
		return domain.Product{}, domain.ErrInvalidRequest
	}
	p, err := s.repo.SetStock(ctx, strings.TrimSpace(productID), qty)
	if err != nil {
		return domain.Product{}, err
	}
	s.log.Info("stock set", zap.String("product_id", p.ID), zap.Int("stock", p.Stock))
	s.refreshLowStock(ctx)
	return *p, nil
}

// AdjustStock removes qty units outside of a sale, for breakage or
// shrinkage. It fails without change when stock cannot cover qty.
func (s *Service) AdjustStock(ctx context.Context, productID string, qty int) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}
	p, err := s.repo.DecrementStock(ctx, strings.TrimSpace(productID), qty)
	if err != nil {
		return domain.Product{}, err
	}
	s.log.Info("stock written off", zap.String("product_id", p.ID), zap.Int("qty", qty), zap.Int("stock", p.Stock))
	s.refreshLowStock(ctx)
	return *p, nil
}

func (s *Service) StartMobilePayment(ctx context.Context, req domain.MobilePaymentRequest) (payment.Session, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleCashier); err != nil {
		return payment.Session{}, err
	}
	if s.payments == nil {
		return payment.Session{}, domain.ErrGateway
	}
	return s.payments.Start(ctx, req.Amount, req.Phone)
}

func (s *Service) PollMobilePayment(ctx context.Context, id string) (payment.Session, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleCashier); err != nil {
		return payment.Session{}, err
	}
	if s.payments == nil {
		return payment.Session{}, payment.ErrSessionNotFound
	}
	return s.payments.Poll(strings.TrimSpace(id))
}

func (s *Service) CancelMobilePayment(ctx context.Context, id string) (payment.Session, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleCashier); err != nil {
		return payment.Session{}, err
	}
	if s.payments == nil {
		return payment.Session{}, payment.ErrSessionNotFound
	}
	return s.payments.Cancel(strings.TrimSpace(id))
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}
