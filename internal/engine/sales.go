package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/xid"
)

// Sales commits a cart as one unit: the sale with its items, one out
// movement per item and the register credit land together or not at all.
type Sales struct {
	*core
	ledger   *Ledger
	register *Register
}

type CartLine struct {
	ProductID         string
	Quantity          int
	UnitPriceOverride *money.Money
}

type SaleInput struct {
	Items          []CartLine
	Discount       money.Money
	PaymentMethod  domain.PaymentMethod
	AmountReceived *money.Money
	EmployeeID     string
	SessionID      string
	// IdempotencyKey makes retries safe: a repeated key returns the sale
	// already committed under it.
	IdempotencyKey string
}

func validateCart(in SaleInput) error {
	if len(in.Items) == 0 {
		return apperror.ErrEmptyCart
	}
	for i, line := range in.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			return apperror.Newf(apperror.KindProductNotFound, "line %d has no product", i+1)
		}
		if line.Quantity <= 0 {
			return apperror.Newf(apperror.KindInvalidQuantity, "line %d: quantity must be positive, got %d", i+1, line.Quantity)
		}
		if line.UnitPriceOverride != nil && line.UnitPriceOverride.IsNegative() {
			return apperror.Newf(apperror.KindInvalidAmount, "line %d: unit price must not be negative", i+1)
		}
	}
	switch in.PaymentMethod {
	case domain.PaymentCash, domain.PaymentPix, domain.PaymentCard:
	default:
		return apperror.Newf(apperror.KindInvalidPaymentMethod, "unknown payment method %q", in.PaymentMethod)
	}
	if in.Discount.IsNegative() {
		return apperror.Newf(apperror.KindInvalidDiscount, "discount must not be negative, got %s", in.Discount)
	}
	if in.AmountReceived != nil && in.AmountReceived.IsNegative() {
		return apperror.New(apperror.KindInvalidAmount, "amount received must not be negative")
	}
	return nil
}

func (s *Sales) CommitSale(ctx context.Context, in SaleInput) (*domain.Sale, error) {
	if err := validateCart(in); err != nil {
		return nil, err
	}
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)

	var committed domain.Sale
	err := s.run(ctx, "commit_sale", func(ctx context.Context, tx store.Tx) error {
		sale, err := s.commitTx(ctx, tx, in)
		if err != nil {
			return err
		}
		committed = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	if committed.Duplicate {
		s.log.Info(s.log.WithFields(ctx, map[string]any{
			"sale_id":         committed.ID,
			"idempotency_key": committed.IdempotencyKey,
		}), "duplicate sale request answered from ledger")
		return &committed, nil
	}

	s.metrics.IncSale(string(committed.PaymentMethod))
	s.metrics.AddMovements(string(domain.MovementOut), len(committed.Items))
	s.invalidateLowStock(ctx)
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"sale_id":        committed.ID,
		"session_id":     committed.CashRegisterID,
		"final_amount":   committed.FinalAmount.String(),
		"payment_method": committed.PaymentMethod,
		"items":          len(committed.Items),
	}), "sale committed")
	return &committed, nil
}

func (s *Sales) commitTx(ctx context.Context, tx store.Tx, in SaleInput) (domain.Sale, error) {
	if in.IdempotencyKey != "" {
		existing, err := tx.FindSaleByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return domain.Sale{}, err
		}
		if existing != nil {
			existing.Duplicate = true
			return *existing, nil
		}
	}

	// Lock rows in id order so concurrent carts cannot deadlock each other.
	ids := make([]string, 0, len(in.Items))
	for _, line := range in.Items {
		ids = append(ids, line.ProductID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	products := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			return domain.Sale{}, err
		}
		products[id] = *product
	}

	items := make([]domain.SaleItem, 0, len(in.Items))
	var total money.Money
	for _, line := range in.Items {
		product := products[line.ProductID]
		unitPrice := product.Price
		if line.UnitPriceOverride != nil {
			unitPrice = *line.UnitPriceOverride
		}
		lineTotal, err := unitPrice.CheckedMul(line.Quantity)
		if err != nil {
			return domain.Sale{}, err
		}
		if total, err = total.CheckedAdd(lineTotal); err != nil {
			return domain.Sale{}, err
		}
		items = append(items, domain.SaleItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   unitPrice,
			TotalPrice:  lineTotal,
		})
	}

	if in.Discount.Cmp(total) > 0 {
		return domain.Sale{}, apperror.Newf(apperror.KindInvalidDiscount, "discount %s exceeds total %s", in.Discount, total)
	}
	final := total.Sub(in.Discount)

	var received, change *money.Money
	if in.PaymentMethod == domain.PaymentCash {
		got := money.Zero
		if in.AmountReceived != nil {
			got = *in.AmountReceived
		}
		if got.Cmp(final) < 0 {
			return domain.Sale{}, apperror.Newf(apperror.KindInsufficientPayment, "received %s, due %s", got, final)
		}
		diff := got.Sub(final)
		received, change = &got, &diff
	}

	if _, err := lockOpenSession(ctx, tx, in.SessionID); err != nil {
		return domain.Sale{}, err
	}

	requested := make(map[string]int, len(products))
	for _, line := range in.Items {
		requested[line.ProductID] += line.Quantity
	}
	for _, line := range in.Items {
		product := products[line.ProductID]
		if want := requested[line.ProductID]; want > product.StockQuantity {
			return domain.Sale{}, apperror.InsufficientStock(product.ID, want-product.StockQuantity)
		}
	}

	sale := domain.Sale{
		ID:             xid.New("sale"),
		Items:          items,
		TotalAmount:    total,
		Discount:       in.Discount,
		FinalAmount:    final,
		PaymentMethod:  in.PaymentMethod,
		AmountReceived: received,
		ChangeAmount:   change,
		CashRegisterID: in.SessionID,
		EmployeeID:     in.EmployeeID,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      s.now(),
	}
	if err := tx.CreateSale(ctx, sale); err != nil {
		return domain.Sale{}, err
	}
	for _, item := range sale.Items {
		if _, err := s.ledger.RecordMovementTx(ctx, tx, MovementInput{
			ProductID:   item.ProductID,
			Type:        domain.MovementOut,
			Quantity:    item.Quantity,
			Reason:      domain.ReasonSale,
			EmployeeID:  in.EmployeeID,
			ReferenceID: sale.ID,
		}); err != nil {
			return domain.Sale{}, err
		}
	}
	if err := s.register.RecordSaleTx(ctx, tx, in.SessionID, final); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func (s *Sales) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

func (s *Sales) ListSales(ctx context.Context, sessionID string) ([]domain.Sale, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, sessionID)
}
