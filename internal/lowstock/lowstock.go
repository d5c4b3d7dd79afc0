// Package lowstock tracks which products have fallen to their restock
// threshold.
package lowstock

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"pimutpos/backend/internal/domain"
)

// Lister is the slice of the catalog the notifier reads.
type Lister interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type Notifier struct {
	catalog Lister
	log     *zap.Logger

	// refreshMu orders refreshes so an older catalog read never replaces
	// a newer view.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	flagged []domain.Product
	seen    map[string]struct{}
}

func NewNotifier(catalog Lister, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		catalog: catalog,
		log:     log.Named("lowstock"),
		seen:    make(map[string]struct{}),
	}
}

// Refresh recomputes the low-stock view from current catalog state and logs
// products that crossed their threshold since the previous refresh.
func (n *Notifier) Refresh(ctx context.Context) ([]domain.Product, error) {
	n.refreshMu.Lock()
	defer n.refreshMu.Unlock()

	products, err := n.catalog.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	flagged := make([]domain.Product, 0)
	for _, p := range products {
		if p.IsLowStock() {
			flagged = append(flagged, p.WithLowStockFlag())
		}
	}
	slices.SortFunc(flagged, func(a, b domain.Product) int {
		if a.Stock != b.Stock {
			return cmp.Compare(a.Stock, b.Stock)
		}
		return cmp.Compare(a.Name, b.Name)
	})

	n.mu.Lock()
	next := make(map[string]struct{}, len(flagged))
	for _, p := range flagged {
		next[p.ID] = struct{}{}
		if _, already := n.seen[p.ID]; !already {
			n.log.Warn("product reached low stock",
				zap.String("product_id", p.ID),
				zap.String("name", p.Name),
				zap.Int("stock", p.Stock),
				zap.Int("threshold", *p.LowStockThreshold),
			)
		}
	}
	n.seen = next
	n.flagged = flagged
	n.mu.Unlock()

	return slices.Clone(flagged), nil
}

// Snapshot returns the view computed by the last Refresh.
func (n *Notifier) Snapshot() []domain.Product {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.flagged)
}
