package cache

import (
	"context"
	"time"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
)

const KeyLowStock = "frankstein:reports:low-stock"

// ReportCache holds read-model snapshots that may be served slightly stale.
type ReportCache interface {
	GetProducts(ctx context.Context, key string) ([]domain.Product, bool, error)
	SetProducts(ctx context.Context, key string, value []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type NoopReportCache struct{}

func (NoopReportCache) GetProducts(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) SetProducts(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
