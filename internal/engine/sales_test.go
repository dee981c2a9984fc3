package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store/memory"
)

func moneyPtr(cents int64) *money.Money {
	m := money.FromCents(cents)
	return &m
}

func openSession(t *testing.T, eng *Engine, initialCents int64) *domain.CashRegisterSession {
	t.Helper()
	session, err := eng.Register.Open(context.Background(), money.FromCents(initialCents), testEmployee)
	require.NoError(t, err)
	return session
}

func TestCommitCashSaleScenario(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-long", "Cerveja Long Neck", 699, 10, 0)
	session := openSession(t, eng, 10000)

	received, err := money.Parse("20.00")
	require.NoError(t, err)
	sale, err := eng.Sales.CommitSale(ctx, SaleInput{
		Items:          []CartLine{{ProductID: "prod-long", Quantity: 2}},
		PaymentMethod:  domain.PaymentCash,
		AmountReceived: &received,
		EmployeeID:     testEmployee,
		SessionID:      session.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, "13.98", sale.FinalAmount.String())
	assert.Equal(t, "13.98", sale.TotalAmount.String())
	require.NotNil(t, sale.ChangeAmount)
	assert.Equal(t, "6.02", sale.ChangeAmount.String())
	assert.False(t, sale.Duplicate)
	require.Len(t, sale.Items, 1)
	assert.Equal(t, "Cerveja Long Neck", sale.Items[0].ProductName)
	assert.Equal(t, money.FromCents(699), sale.Items[0].UnitPrice)
	assert.Equal(t, money.FromCents(1398), sale.Items[0].TotalPrice)

	current, err := eng.Register.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "13.98", current.SalesTotal.String())
	assert.Equal(t, "113.98", current.ExpectedAmount().String())

	assert.Equal(t, 8, stockOf(t, eng, "prod-long"))
	movements, err := eng.Ledger.Movements(ctx, "prod-long")
	require.NoError(t, err)
	var saleMovements []domain.StockMovement
	for _, m := range movements {
		if m.ReferenceID == sale.ID {
			saleMovements = append(saleMovements, m)
		}
	}
	require.Len(t, saleMovements, 1)
	assert.Equal(t, domain.MovementOut, saleMovements[0].Type)
	assert.Equal(t, 2, saleMovements[0].Quantity)

	stored, err := eng.Sales.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.FinalAmount, stored.FinalAmount)
}

func TestCommitSaleInsufficientStockScenario(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-1", "Energético", 899, 3, 0)
	session := openSession(t, eng, 10000)

	_, err := eng.Sales.CommitSale(ctx, SaleInput{
		Items:         []CartLine{{ProductID: "prod-1", Quantity: 5}},
		PaymentMethod: domain.PaymentPix,
		EmployeeID:    testEmployee,
		SessionID:     session.ID,
	})
	require.ErrorIs(t, err, apperror.ErrInsufficientStock)
	te := apperror.As(err)
	require.NotNil(t, te)
	assert.Equal(t, "prod-1", te.ProductID())
	assert.Equal(t, 2, te.Shortfall())

	assert.Equal(t, 3, stockOf(t, eng, "prod-1"))
	sales, err := eng.Sales.ListSales(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCommitSalePreconditions(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-1", "Água", 250, 10, 0)
	addProduct(t, eng, repo, "prod-2", "Gelo", 1500, 1, 0)
	session := openSession(t, eng, 5000)

	closedEng, closedRepo := newTestEngine(t)
	addProduct(t, closedEng, closedRepo, "prod-1", "Água", 250, 10, 0)
	closed := openSession(t, closedEng, 0)
	_, err := closedEng.Register.Close(ctx, closed.ID, 0)
	require.NoError(t, err)

	line := []CartLine{{ProductID: "prod-1", Quantity: 2}}
	cases := []struct {
		name string
		eng  *Engine
		in   SaleInput
		want error
	}{
		{"empty cart", eng, SaleInput{PaymentMethod: domain.PaymentPix, SessionID: session.ID}, apperror.ErrEmptyCart},
		{"zero quantity", eng, SaleInput{Items: []CartLine{{ProductID: "prod-1", Quantity: 0}}, PaymentMethod: domain.PaymentPix, SessionID: session.ID}, apperror.ErrInvalidQuantity},
		{"unknown payment", eng, SaleInput{Items: line, PaymentMethod: "cheque", SessionID: session.ID}, apperror.ErrInvalidPaymentMethod},
		{"negative discount", eng, SaleInput{Items: line, Discount: money.FromCents(-1), PaymentMethod: domain.PaymentPix, SessionID: session.ID}, apperror.ErrInvalidDiscount},
		{"discount above total", eng, SaleInput{Items: line, Discount: money.FromCents(501), PaymentMethod: domain.PaymentPix, SessionID: session.ID}, apperror.ErrInvalidDiscount},
		{"cash short", eng, SaleInput{Items: line, PaymentMethod: domain.PaymentCash, AmountReceived: moneyPtr(499), SessionID: session.ID}, apperror.ErrInsufficientPayment},
		{"cash missing", eng, SaleInput{Items: line, PaymentMethod: domain.PaymentCash, SessionID: session.ID}, apperror.ErrInsufficientPayment},
		{"payment checked before session", eng, SaleInput{Items: line, PaymentMethod: domain.PaymentCash, AmountReceived: moneyPtr(1), SessionID: "reg-none"}, apperror.ErrInsufficientPayment},
		{"unknown session", eng, SaleInput{Items: line, PaymentMethod: domain.PaymentCard, SessionID: "reg-none"}, apperror.ErrSessionNotOpen},
		{"closed session", closedEng, SaleInput{Items: line, PaymentMethod: domain.PaymentCard, SessionID: closed.ID}, apperror.ErrSessionNotOpen},
		{"session checked before stock", closedEng, SaleInput{Items: []CartLine{{ProductID: "prod-1", Quantity: 99}}, PaymentMethod: domain.PaymentCard, SessionID: closed.ID}, apperror.ErrSessionNotOpen},
		{"unknown product", eng, SaleInput{Items: []CartLine{{ProductID: "prod-x", Quantity: 1}}, PaymentMethod: domain.PaymentPix, SessionID: session.ID}, apperror.ErrProductNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.eng.Sales.CommitSale(ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, 10, stockOf(t, eng, "prod-1"))
	assert.Equal(t, 1, stockOf(t, eng, "prod-2"))
	current, err := eng.Register.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, current.SalesTotal.IsZero())
}

func TestStockIsCheckedPerProductAcrossLines(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-a", "Água", 250, 10, 0)
	addProduct(t, eng, repo, "prod-b", "Gelo", 1500, 3, 0)
	session := openSession(t, eng, 0)

	_, err := eng.Sales.CommitSale(ctx, SaleInput{
		Items: []CartLine{
			{ProductID: "prod-a", Quantity: 4},
			{ProductID: "prod-b", Quantity: 2},
			{ProductID: "prod-a", Quantity: 4},
			{ProductID: "prod-b", Quantity: 2},
		},
		PaymentMethod: domain.PaymentCard,
		SessionID:     session.ID,
	})
	require.ErrorIs(t, err, apperror.ErrInsufficientStock)
	te := apperror.As(err)
	require.NotNil(t, te)
	assert.Equal(t, "prod-b", te.ProductID())
	assert.Equal(t, 1, te.Shortfall())
	assert.Equal(t, 10, stockOf(t, eng, "prod-a"))

	sale, err := eng.Sales.CommitSale(ctx, SaleInput{
		Items: []CartLine{
			{ProductID: "prod-a", Quantity: 4},
			{ProductID: "prod-a", Quantity: 6},
		},
		PaymentMethod: domain.PaymentCard,
		SessionID:     session.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stockOf(t, eng, "prod-a"))

	movements, err := eng.Ledger.Movements(ctx, "prod-a")
	require.NoError(t, err)
	refs := 0
	for _, m := range movements {
		if m.ReferenceID == sale.ID {
			refs++
		}
	}
	assert.Equal(t, 2, refs)
}

func TestNonCashSaleHasNoChange(t *testing.T) {
	eng, repo := newTestEngine(t)
	addProduct(t, eng, repo, "prod-1", "Refrigerante", 1099, 5, 0)
	session := openSession(t, eng, 0)

	sale, err := eng.Sales.CommitSale(context.Background(), SaleInput{
		Items:          []CartLine{{ProductID: "prod-1", Quantity: 1}},
		Discount:       money.FromCents(99),
		PaymentMethod:  domain.PaymentPix,
		AmountReceived: moneyPtr(5000),
		SessionID:      session.ID,
	})
	require.NoError(t, err)
	assert.Nil(t, sale.ChangeAmount)
	assert.Nil(t, sale.AmountReceived)
	assert.Equal(t, money.FromCents(1000), sale.FinalAmount)
}

func TestCashChangeIsReceivedMinusFinal(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-1", "Cerveja", 499, 1000, 0)
	session := openSession(t, eng, 0)

	for qty := 1; qty <= 8; qty++ {
		for _, extra := range []int64{0, 1, 37, 5000} {
			final := money.FromCents(499).Mul(qty)
			received := final.Add(money.FromCents(extra))
			sale, err := eng.Sales.CommitSale(ctx, SaleInput{
				Items:          []CartLine{{ProductID: "prod-1", Quantity: qty}},
				PaymentMethod:  domain.PaymentCash,
				AmountReceived: &received,
				SessionID:      session.ID,
			})
			require.NoError(t, err)
			require.NotNil(t, sale.ChangeAmount)
			assert.Equal(t, received.Sub(sale.FinalAmount), *sale.ChangeAmount)
			assert.False(t, sale.ChangeAmount.IsNegative())
		}
	}
}

func TestPriceOverrideAndSnapshot(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-1", "Vodka", 3990, 5, 0)
	session := openSession(t, eng, 0)

	sale, err := eng.Sales.CommitSale(ctx, SaleInput{
		Items:         []CartLine{{ProductID: "prod-1", Quantity: 1, UnitPriceOverride: moneyPtr(3500)}, {ProductID: "prod-1", Quantity: 1}},
		PaymentMethod: domain.PaymentCard,
		SessionID:     session.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, money.FromCents(7490), sale.TotalAmount)

	product, err := repo.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	product.Price = money.FromCents(4590)
	product.Name = "Vodka Importada"
	require.NoError(t, repo.UpdateProduct(ctx, *product))

	stored, err := eng.Sales.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, money.FromCents(3990), stored.Items[1].UnitPrice)
	assert.Equal(t, "Vodka", stored.Items[1].ProductName)
}

func TestOverflowingLineTotalIsRejected(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-1", "Vodka", 3990, 10, 0)
	session := openSession(t, eng, 0)

	for _, items := range [][]CartLine{
		{{ProductID: "prod-1", Quantity: 4, UnitPriceOverride: moneyPtr(1 << 62)}},
		{{ProductID: "prod-1", Quantity: 1, UnitPriceOverride: moneyPtr(1 << 62)}, {ProductID: "prod-1", Quantity: 1, UnitPriceOverride: moneyPtr(1 << 62)}},
	} {
		_, err := eng.Sales.CommitSale(ctx, SaleInput{
			Items:         items,
			PaymentMethod: domain.PaymentCash,
			EmployeeID:    testEmployee,
			SessionID:     session.ID,
		})
		assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
	}

	product, err := repo.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, 10, product.StockQuantity)
	sales, err := eng.Sales.ListSales(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, sales)
	current, err := eng.Register.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, current.SalesTotal.IsZero())
}

func TestIdempotencyKeyReturnsCommittedSale(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-1", "Água", 250, 10, 0)
	session := openSession(t, eng, 0)

	in := SaleInput{
		Items:          []CartLine{{ProductID: "prod-1", Quantity: 3}},
		PaymentMethod:  domain.PaymentCard,
		SessionID:      session.ID,
		IdempotencyKey: "pdv-1-000042",
	}
	first, err := eng.Sales.CommitSale(ctx, in)
	require.NoError(t, err)
	second, err := eng.Sales.CommitSale(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 7, stockOf(t, eng, "prod-1"))
	current, err := eng.Register.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, money.FromCents(750), current.SalesTotal)
}

// failingTx breaks the register credit, the last step of a commit.
type failingTx struct {
	store.Tx
}

func (failingTx) UpdateSession(context.Context, domain.CashRegisterSession) error {
	return errors.New("connection reset")
}

type failingRepo struct {
	store.Repository
}

func (f failingRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return f.Repository.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

func TestFailedCommitLeavesNoTrace(t *testing.T) {
	base := memory.New()
	seed := New(base, DefaultConfig())
	addProduct(t, seed, base, "prod-1", "Cerveja", 499, 6, 0)
	session := openSession(t, seed, 10000)

	eng := New(failingRepo{Repository: base}, DefaultConfig())
	ctx := context.Background()
	_, err := eng.Sales.CommitSale(ctx, SaleInput{
		Items:          []CartLine{{ProductID: "prod-1", Quantity: 4}},
		PaymentMethod:  domain.PaymentCash,
		AmountReceived: moneyPtr(5000),
		SessionID:      session.ID,
		IdempotencyKey: "retry-me",
	})
	require.EqualError(t, err, "connection reset")

	assert.Equal(t, 6, stockOf(t, seed, "prod-1"))
	movements, err := seed.Ledger.Movements(ctx, "prod-1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
	sales, err := seed.Sales.ListSales(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, sales)
	current, err := seed.Register.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, current.SalesTotal.IsZero())

	retried, err := seed.Sales.CommitSale(ctx, SaleInput{
		Items:          []CartLine{{ProductID: "prod-1", Quantity: 4}},
		PaymentMethod:  domain.PaymentCash,
		AmountReceived: moneyPtr(5000),
		SessionID:      session.ID,
		IdempotencyKey: "retry-me",
	})
	require.NoError(t, err)
	assert.False(t, retried.Duplicate)
	assert.Equal(t, 2, stockOf(t, seed, "prod-1"))
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	eng, repo := newTestEngine(t)
	addProduct(t, eng, repo, "prod-1", "Gelo", 1500, 5, 0)
	session := openSession(t, eng, 0)

	var wg sync.WaitGroup
	results := make([]error, 12)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = eng.Sales.CommitSale(context.Background(), SaleInput{
				Items:         []CartLine{{ProductID: "prod-1", Quantity: 1}},
				PaymentMethod: domain.PaymentPix,
				SessionID:     session.ID,
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperror.ErrInsufficientStock)
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 0, stockOf(t, eng, "prod-1"))

	current, err := eng.Register.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, money.FromCents(7500), current.SalesTotal)
}
