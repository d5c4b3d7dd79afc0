package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/pricing"
)

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	databaseURL := os.Getenv("PIMUTPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PIMUTPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, pricing.DefaultVATRate)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate())

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	cashier := fmt.Sprintf("it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE cashier = $1)`, cashier)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE cashier = $1`, cashier)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, stock)
		VALUES ($1, 'Integration Item', 'Test', 100, 3)
	`, productID)
	require.NoError(t, err)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitSale(ctx, domain.SaleDraft{
				Lines:         []domain.CartLine{{ProductID: productID, Quantity: 1}},
				PaymentMethod: domain.PaymentCash,
				Cashier:       cashier,
			})
			if err != nil && !errors.Is(err, domain.ErrInsufficientStock) {
				assert.Failf(t, "unexpected commit error", "%v", err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	p, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
}
