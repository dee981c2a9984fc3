package domain

import "github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"

type VarianceLevel string

const (
	VarianceBalanced VarianceLevel = "balanced"
	VarianceMinor    VarianceLevel = "minor"
	VarianceCritical VarianceLevel = "critical"
)

// ClassifyVariance grades a close-out difference against a tolerance.
func ClassifyVariance(variance money.Money, tolerance money.Money) VarianceLevel {
	switch {
	case variance.IsZero():
		return VarianceBalanced
	case variance.Abs().Cmp(tolerance) <= 0:
		return VarianceMinor
	default:
		return VarianceCritical
	}
}

type CashSummary struct {
	SessionID      string         `json:"session_id"`
	Status         SessionStatus  `json:"status"`
	InitialAmount  money.Money    `json:"initial_amount"`
	SalesTotal     money.Money    `json:"sales_total"`
	CashInTotal    money.Money    `json:"cash_in_total"`
	CashOutTotal   money.Money    `json:"cash_out_total"`
	ExpectedAmount money.Money    `json:"expected_amount"`
	FinalAmount    *money.Money   `json:"final_amount,omitempty"`
	Variance       *money.Money   `json:"variance,omitempty"`
	VarianceLevel  *VarianceLevel `json:"variance_level,omitempty"`
}

type StockAudit struct {
	ProductID        string `json:"product_id"`
	CachedQuantity   int    `json:"cached_quantity"`
	ReplayedQuantity int    `json:"replayed_quantity"`
	MovementCount    int    `json:"movement_count"`
	Consistent       bool   `json:"consistent"`
}

type PaymentTotal struct {
	PaymentMethod PaymentMethod `json:"payment_method"`
	Count         int           `json:"count"`
	Total         money.Money   `json:"total"`
}

type SalesSummary struct {
	SessionID string         `json:"session_id"`
	Count     int            `json:"count"`
	Gross     money.Money    `json:"gross"`
	Discounts money.Money    `json:"discounts"`
	Net       money.Money    `json:"net"`
	ByPayment []PaymentTotal `json:"by_payment"`
}
