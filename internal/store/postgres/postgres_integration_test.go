package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/engine"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("FRANKSTEIN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set FRANKSTEIN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	// Leftovers from an earlier run would block Open.
	_, err = s.db.ExecContext(ctx, `
		UPDATE cash_register_sessions
		SET status = 'closed', closed_at = now(),
			final_cents = initial_cents + sales_cents + cash_in_cents - cash_out_cents
		WHERE status = 'open'
	`)
	require.NoError(t, err)
	return s
}

func TestSaleLifecycleAgainstPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	eng := engine.New(s, engine.DefaultConfig())

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	now := time.Now().UTC()
	require.NoError(t, s.CreateProduct(ctx, domain.Product{
		ID: productID, Name: "Cerveja IT", Category: "cervejas", Price: money.FromCents(699),
		MinStockQuantity: 2, Active: true, CreatedAt: now, UpdatedAt: now,
	}))
	_, err := eng.Ledger.SetOpeningBalance(ctx, productID, 10, "emp-it")
	require.NoError(t, err)

	session, err := eng.Register.Open(ctx, money.FromCents(10000), "emp-it")
	require.NoError(t, err)
	_, err = eng.Register.Open(ctx, money.FromCents(10000), "emp-it")
	require.ErrorIs(t, err, apperror.ErrSessionAlreadyOpen)

	received := money.FromCents(2000)
	in := engine.SaleInput{
		Items:          []engine.CartLine{{ProductID: productID, Quantity: 2}},
		PaymentMethod:  domain.PaymentCash,
		AmountReceived: &received,
		EmployeeID:     "emp-it",
		SessionID:      session.ID,
		IdempotencyKey: fmt.Sprintf("idem-it-%d", stamp),
	}
	sale, err := eng.Sales.CommitSale(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, sale.ChangeAmount)
	assert.Equal(t, money.FromCents(602), *sale.ChangeAmount)

	again, err := eng.Sales.CommitSale(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, sale.ID, again.ID)
	require.Len(t, again.Items, 1)

	_, err = eng.Sales.CommitSale(ctx, engine.SaleInput{
		Items:         []engine.CartLine{{ProductID: productID, Quantity: 50}},
		PaymentMethod: domain.PaymentPix,
		SessionID:     session.ID,
	})
	require.ErrorIs(t, err, apperror.ErrInsufficientStock)

	stock, err := eng.Ledger.CurrentStock(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 8, stock)

	audit, err := eng.Reports.StockAudit(ctx, productID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
	assert.Equal(t, 2, audit.MovementCount)

	current, err := eng.Register.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, money.FromCents(11398), current.ExpectedAmount())

	closed, err := eng.Register.Close(ctx, session.ID, money.FromCents(11398))
	require.NoError(t, err)
	assert.Equal(t, domain.SessionClosed, closed.Status)

	sales, err := eng.Sales.ListSales(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "Cerveja IT", sales[0].Items[0].ProductName)
}

func TestOpenSessionIndexRejectsSecondOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	first := domain.CashRegisterSession{ID: fmt.Sprintf("reg-it-a-%d", stamp), Status: domain.SessionOpen, OpenedAt: time.Now().UTC()}
	second := domain.CashRegisterSession{ID: fmt.Sprintf("reg-it-b-%d", stamp), Status: domain.SessionOpen, OpenedAt: time.Now().UTC()}

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSession(ctx, first)
	}))
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSession(ctx, second)
	})
	require.ErrorIs(t, err, apperror.ErrSessionAlreadyOpen)

	closedAt := time.Now().UTC()
	final := money.Zero
	first.Status = domain.SessionClosed
	first.ClosedAt = &closedAt
	first.FinalAmount = &final
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateSession(ctx, first)
	}))

	first.SalesTotal = money.FromCents(100)
	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateSession(ctx, first)
	})
	require.Error(t, err)
}

func TestMovementLogIsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	eng := engine.New(s, engine.DefaultConfig())

	productID := fmt.Sprintf("prod-it-log-%d", time.Now().UnixNano())
	now := time.Now().UTC()
	require.NoError(t, s.CreateProduct(ctx, domain.Product{
		ID: productID, Name: "Gelo IT", Category: "gelo", Price: money.FromCents(1500), Active: true, CreatedAt: now, UpdatedAt: now,
	}))
	movement, err := eng.Ledger.SetOpeningBalance(ctx, productID, 4, "emp-it")
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE stock_movements SET quantity = 40 WHERE id = $1`, movement.ID)
	require.Error(t, err)
	_, err = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE id = $1`, movement.ID)
	require.Error(t, err)

	_, err = eng.Ledger.SetOpeningBalance(ctx, productID, 4, "emp-it")
	require.ErrorIs(t, err, apperror.ErrOpeningBalanceExists)
}

func TestCreateProductRollsBackWithTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	productID := fmt.Sprintf("prod-it-tx-%d", time.Now().UnixNano())
	now := time.Now().UTC()
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateProduct(ctx, domain.Product{
			ID: productID, Name: "Agua IT", Category: "agua", Price: money.FromCents(250), Active: true, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.EqualError(t, err, "abort")

	_, err = s.GetProduct(ctx, productID)
	assert.ErrorIs(t, err, apperror.ErrProductNotFound)
}
