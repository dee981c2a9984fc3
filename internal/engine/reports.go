package engine

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/cache"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
)

// Reports are read-only views over the ledger and the register. None of
// them write; a stock audit mismatch is reported, never repaired.
type Reports struct {
	*core
	group singleflight.Group
}

func newReports(c *core) *Reports {
	return &Reports{core: c}
}

func (r *Reports) CashSummary(ctx context.Context, sessionID string) (*domain.CashSummary, error) {
	session, err := r.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := &domain.CashSummary{
		SessionID:      session.ID,
		Status:         session.Status,
		InitialAmount:  session.InitialAmount,
		SalesTotal:     session.SalesTotal,
		CashInTotal:    session.CashInTotal,
		CashOutTotal:   session.CashOutTotal,
		ExpectedAmount: session.ExpectedAmount(),
	}
	if variance, ok := session.Variance(); ok {
		final := *session.FinalAmount
		level := domain.ClassifyVariance(variance, r.cfg.VarianceTolerance)
		summary.FinalAmount = &final
		summary.Variance = &variance
		summary.VarianceLevel = &level
	}
	return summary, nil
}

// LowStockProducts lists active products at or below their minimum, most
// critical first. Results come from the report cache when present.
func (r *Reports) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	if cached, hit, err := r.cache.GetProducts(ctx, cache.KeyLowStock); err != nil {
		r.log.Error(ctx, "read low-stock report from cache", err)
	} else if hit {
		return cached, nil
	}

	// Callers share one fetch per generation. The fetch outlives any single
	// caller, so it runs on a detached context bounded by the operation
	// timeout.
	gen := r.lowStockGen.Load()
	v, err, _ := r.group.Do(cache.KeyLowStock+":"+strconv.FormatUint(gen, 10), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OperationTimeout)
		defer cancel()

		products, err := r.repo.ListProducts(fetchCtx)
		if err != nil {
			return nil, err
		}
		low := filterLowStock(products)
		if r.lowStockGen.Load() != gen {
			return low, nil
		}
		if err := r.cache.SetProducts(fetchCtx, cache.KeyLowStock, low, r.cfg.ReportCacheTTL); err != nil {
			r.log.Error(ctx, "write low-stock report to cache", err)
		}
		return low, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]domain.Product)), nil
}

func filterLowStock(products []domain.Product) []domain.Product {
	low := make([]domain.Product, 0)
	for _, p := range products {
		if p.Active && p.StockQuantity <= p.MinStockQuantity {
			low = append(low, p)
		}
	}
	slices.SortFunc(low, func(a, b domain.Product) int {
		if d := a.StockGap() - b.StockGap(); d != 0 {
			return d
		}
		return strings.Compare(a.Name, b.Name)
	})
	return low
}

// InvalidateLowStock drops the cached report after catalog edits.
func (r *Reports) InvalidateLowStock(ctx context.Context) {
	r.invalidateLowStock(ctx)
}

// StockAudit replays every movement of a product and compares the sum with
// the cached stock_quantity.
func (r *Reports) StockAudit(ctx context.Context, productID string) (*domain.StockAudit, error) {
	product, err := r.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	movements, err := r.repo.ListMovements(ctx, productID)
	if err != nil {
		return nil, err
	}

	audit := &domain.StockAudit{
		ProductID:        product.ID,
		CachedQuantity:   product.StockQuantity,
		ReplayedQuantity: domain.ReplayStock(movements),
		MovementCount:    len(movements),
	}
	audit.Consistent = audit.CachedQuantity == audit.ReplayedQuantity
	if !audit.Consistent {
		r.log.Warn(r.log.WithFields(ctx, map[string]any{
			"product_id":        audit.ProductID,
			"cached_quantity":   audit.CachedQuantity,
			"replayed_quantity": audit.ReplayedQuantity,
		}), "stock projection does not match movement log")
	}
	return audit, nil
}

// AuditAll runs StockAudit over the whole catalog.
func (r *Reports) AuditAll(ctx context.Context) ([]domain.StockAudit, error) {
	products, err := r.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	audits := make([]domain.StockAudit, 0, len(products))
	for _, p := range products {
		audit, err := r.StockAudit(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		audits = append(audits, *audit)
	}
	return audits, nil
}

var paymentOrder = []domain.PaymentMethod{domain.PaymentCash, domain.PaymentPix, domain.PaymentCard}

func (r *Reports) SalesSummary(ctx context.Context, sessionID string) (*domain.SalesSummary, error) {
	if _, err := r.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	sales, err := r.repo.ListSales(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := &domain.SalesSummary{SessionID: sessionID, ByPayment: []domain.PaymentTotal{}}
	byMethod := make(map[domain.PaymentMethod]*domain.PaymentTotal, len(paymentOrder))
	for _, sale := range sales {
		summary.Count++
		summary.Gross = summary.Gross.Add(sale.TotalAmount)
		summary.Discounts = summary.Discounts.Add(sale.Discount)
		summary.Net = summary.Net.Add(sale.FinalAmount)

		entry, ok := byMethod[sale.PaymentMethod]
		if !ok {
			entry = &domain.PaymentTotal{PaymentMethod: sale.PaymentMethod, Total: money.Zero}
			byMethod[sale.PaymentMethod] = entry
		}
		entry.Count++
		entry.Total = entry.Total.Add(sale.FinalAmount)
	}
	for _, method := range paymentOrder {
		if entry, ok := byMethod[method]; ok {
			summary.ByPayment = append(summary.ByPayment, *entry)
		}
	}
	return summary, nil
}
