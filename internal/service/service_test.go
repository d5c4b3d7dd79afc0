package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/lowstock"
	"pimutpos/backend/internal/payment"
	"pimutpos/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	payments := payment.NewCoordinator(payment.SimulatedGateway{}, payment.Options{Interval: time.Millisecond})
	t.Cleanup(payments.Close)
	return New(repo, payments, lowstock.NewNotifier(repo, nil), nil), repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func stockOf(t *testing.T, repo *memory.Store, id string) int {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestCheckoutRequiresSellingRole(t *testing.T) {
	svc, _ := newTestService(t)
	req := domain.CheckoutRequest{
		Lines:         []domain.CartLine{{ProductID: "prd-milk-500", Quantity: 1}},
		PaymentMethod: "cash",
	}

	_, err := svc.Checkout(context.Background(), req)
	assert.ErrorIs(t, err, ErrForbidden)

	assistant := WithActor(context.Background(), domain.Actor{Username: "assistant", Role: domain.RoleAssistant})
	_, err = svc.Checkout(assistant, req)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCheckoutCashDropsReference(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines:            []domain.CartLine{{ProductID: "prd-milk-500", Quantity: 2}},
		PaymentMethod:    " CASH ",
		PaymentReference: "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentCash, resp.PaymentMethod)
	assert.Nil(t, resp.PaymentReference)
	assert.Equal(t, "cashier", resp.Cashier)
	assert.Equal(t, "151", resp.Total.String())
	assert.Equal(t, 2, resp.ItemCount)
}

func TestCheckoutTrimsNonCashReference(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines:            []domain.CartLine{{ProductID: "prd-tea-250", Quantity: 1}},
		PaymentMethod:    "mpesa",
		PaymentReference: "  QK12345  ",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.PaymentReference)
	assert.Equal(t, "QK12345", *resp.PaymentReference)

	resp, err = svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines:            []domain.CartLine{{ProductID: "prd-tea-250", Quantity: 1}},
		PaymentMethod:    "card",
		PaymentReference: "   ",
	})
	require.NoError(t, err)
	assert.Nil(t, resp.PaymentReference, "blank reference is dropped")
}

func TestCheckoutRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		req  domain.CheckoutRequest
		want error
	}{
		{name: "empty cart", req: domain.CheckoutRequest{PaymentMethod: "cash"}, want: domain.ErrEmptyCart},
		{name: "unknown method", req: domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: "prd-milk-500", Quantity: 1}}, PaymentMethod: "barter"}, want: domain.ErrInvalidRequest},
		{name: "missing method", req: domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: "prd-milk-500", Quantity: 1}}}, want: domain.ErrInvalidRequest},
		{name: "zero quantity", req: domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: "prd-milk-500"}}, PaymentMethod: "cash"}, want: domain.ErrInvalidRequest},
		{name: "quantity over cap", req: domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: "prd-milk-500", Quantity: domain.MaxQuantity + 1}}, PaymentMethod: "cash"}, want: domain.ErrInvalidRequest},
		{name: "unknown product", req: domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: "prd-nope", Quantity: 1}}, PaymentMethod: "cash"}, want: domain.ErrProductNotFound},
		{name: "over stock", req: domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: "prd-bread-400", Quantity: 5}}, PaymentMethod: "cash"}, want: domain.ErrInsufficientStock},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Checkout(cashierCtx(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCheckoutRepeatedLinesCannotWrapStock(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prd-milk-500", Quantity: math.MaxInt32},
			{ProductID: "prd-milk-500", Quantity: math.MaxInt32},
			{ProductID: "prd-milk-500", Quantity: 2},
		},
		PaymentMethod: "cash",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, 60, stockOf(t, repo, "prd-milk-500"))
}

func TestCheckoutEnforcesPriceFloor(t *testing.T) {
	svc, repo := newTestService(t)
	low := decimal.NewFromInt(190)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines:         []domain.CartLine{{ProductID: "prd-unga-2kg", Quantity: 1, Price: &low}},
		PaymentMethod: "cash",
	})
	var floorErr *domain.PriceFloorError
	require.ErrorAs(t, err, &floorErr)
	assert.Equal(t, "195", floorErr.MinPrice.String())
	assert.Equal(t, 40, stockOf(t, repo, "prd-unga-2kg"), "stock untouched")
}

func TestCheckoutReportsLowStockForSoldProducts(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prd-milk-500", Quantity: 46},
			{ProductID: "prd-soap-bar", Quantity: 1},
		},
		PaymentMethod: "cash",
	})
	require.NoError(t, err)
	require.Len(t, resp.LowStock, 1)
	assert.Equal(t, "prd-milk-500", resp.LowStock[0].ID)
	assert.Equal(t, 14, resp.LowStock[0].Stock)

	alerts := svc.LowStockAlerts()
	ids := make([]string, 0, len(alerts))
	for _, p := range alerts {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"prd-bread-400", "prd-milk-500"}, ids)
}

func TestGetSaleAfterCheckout(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines:         []domain.CartLine{{ProductID: "prd-rice-1kg", Quantity: 2}},
		PaymentMethod: "bank",
	})
	require.NoError(t, err)

	sale, err := svc.GetSale(context.Background(), resp.SaleID)
	require.NoError(t, err)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, "Pishori Rice 1kg", sale.Lines[0].Name)
	assert.True(t, sale.Total.Equal(resp.Total))
}

func TestCheckLinePrice(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.CheckLinePrice(context.Background(), "prd-sugar-1kg", decimal.NewFromInt(170))
	require.NoError(t, err)
	assert.True(t, resp.OK, "price at floor passes")

	resp, err = svc.CheckLinePrice(context.Background(), "prd-sugar-1kg", decimal.NewFromInt(169))
	assert.ErrorIs(t, err, domain.ErrPriceBelowFloor)
	assert.False(t, resp.OK)
	assert.NotNil(t, resp.MinPrice)

	_, err = svc.CheckLinePrice(context.Background(), "prd-soap-bar", decimal.NewFromInt(1))
	assert.NoError(t, err, "product without floor accepts any price")
}

func TestAdminOnlyCatalogUpdates(t *testing.T) {
	svc, _ := newTestService(t)
	floor := decimal.NewFromInt(100)
	threshold := 3

	_, err := svc.SetMinPrice(cashierCtx(), "prd-soap-bar", &floor)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.SetLowStockThreshold(cashierCtx(), "prd-soap-bar", &threshold)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.SetStock(cashierCtx(), "prd-soap-bar", 1)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.AdjustStock(cashierCtx(), "prd-soap-bar", 1)
	assert.ErrorIs(t, err, ErrForbidden)
}

func alertIDs(svc *Service) []string {
	ids := make([]string, 0)
	for _, alert := range svc.LowStockAlerts() {
		ids = append(ids, alert.ID)
	}
	return ids
}

func TestSetStockRefreshesAlerts(t *testing.T) {
	svc, _ := newTestService(t)
	threshold := 10

	_, err := svc.SetLowStockThreshold(adminCtx(), "prd-soap-bar", &threshold)
	require.NoError(t, err)
	p, err := svc.SetStock(adminCtx(), "prd-soap-bar", 10)
	require.NoError(t, err)
	assert.True(t, p.LowStock, "soap flagged at threshold")
	assert.Contains(t, alertIDs(svc), "prd-soap-bar")

	_, err = svc.SetLowStockThreshold(adminCtx(), "prd-soap-bar", nil)
	require.NoError(t, err)
	assert.NotContains(t, alertIDs(svc), "prd-soap-bar")
}

func TestSetMinPriceValidation(t *testing.T) {
	svc, _ := newTestService(t)
	negative := decimal.NewFromInt(-1)

	_, err := svc.SetMinPrice(adminCtx(), "prd-soap-bar", &negative)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	floor := decimal.NewFromInt(110)
	p, err := svc.SetMinPrice(adminCtx(), "prd-soap-bar", &floor)
	require.NoError(t, err)
	require.NotNil(t, p.MinPrice)
	assert.True(t, p.MinPrice.Equal(floor))

	_, err = svc.SetMinPrice(adminCtx(), "prd-nope", &floor)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestAdjustStockWritesOff(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.AdjustStock(adminCtx(), "prd-bread-400", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock)

	_, err = svc.AdjustStock(adminCtx(), "prd-bread-400", 3)
	var stockErr *domain.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Available)
}

func TestMobilePaymentLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	req := domain.MobilePaymentRequest{Amount: decimal.NewFromInt(100), Phone: "0712345678"}

	_, err := svc.StartMobilePayment(context.Background(), req)
	assert.ErrorIs(t, err, ErrForbidden)

	session, err := svc.StartMobilePayment(cashierCtx(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, err = svc.PollMobilePayment(cashierCtx(), session.ID)
		return err == nil && session.Status.IsTerminal()
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, payment.StatusConfirmed, session.Status)
	require.NotNil(t, session.Reference)
	assert.Equal(t, payment.SimulatedReceipt, *session.Reference)

	cancelled, err := svc.CancelMobilePayment(cashierCtx(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, cancelled.Status, "resolved session untouched by cancel")

	_, err = svc.PollMobilePayment(cashierCtx(), "pay-missing")
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)
}
