package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
)

func TestWithinTxRollsBackEveryWrite(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	before, err := s.GetProduct(ctx, "prod-agua-500")
	require.NoError(t, err)
	movementsBefore, err := s.ListMovements(ctx, "prod-agua-500")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.SetStockQuantity(ctx, "prod-agua-500", before.StockQuantity-3))
		require.NoError(t, tx.AppendMovement(ctx, domain.StockMovement{
			ID: "mov-x", ProductID: "prod-agua-500", Type: domain.MovementOut, Quantity: 3,
		}))
		require.NoError(t, tx.CreateSession(ctx, domain.CashRegisterSession{ID: "reg-x", Status: domain.SessionOpen}))
		require.NoError(t, tx.CreateSale(ctx, domain.Sale{ID: "sale-x", CashRegisterID: "reg-x", IdempotencyKey: "k1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.GetProduct(ctx, "prod-agua-500")
	require.NoError(t, err)
	assert.Equal(t, before.StockQuantity, after.StockQuantity)

	movementsAfter, err := s.ListMovements(ctx, "prod-agua-500")
	require.NoError(t, err)
	assert.Len(t, movementsAfter, len(movementsBefore))

	open, err := s.GetOpenSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, open)

	_, err = s.GetSale(ctx, "sale-x")
	assert.ErrorIs(t, err, apperror.ErrSaleNotFound)
}

func TestCreateSessionRejectsSecondOpen(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSession(ctx, domain.CashRegisterSession{ID: "reg-1", Status: domain.SessionOpen})
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSession(ctx, domain.CashRegisterSession{ID: "reg-2", Status: domain.SessionOpen})
	})
	assert.ErrorIs(t, err, apperror.ErrSessionAlreadyOpen)
}

func TestUpdateSessionClearsOpenPointerOnClose(t *testing.T) {
	s := New()
	ctx := context.Background()
	session := domain.CashRegisterSession{ID: "reg-1", Status: domain.SessionOpen, OpenedAt: time.Now()}

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSession(ctx, session)
	}))
	session.Status = domain.SessionClosed
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateSession(ctx, session)
	}))

	open, err := s.GetOpenSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, open)

	history, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SessionClosed, history[0].Status)
}

func TestExpiredContextSurfacesTimeout(t *testing.T) {
	s := NewSeeded()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := s.WithinTx(ctx, func(context.Context, store.Tx) error { return nil })
	assert.ErrorIs(t, err, apperror.ErrPersistenceTimeout)

	_, err = s.GetProduct(ctx, "prod-agua-500")
	assert.ErrorIs(t, err, apperror.ErrPersistenceTimeout)
}

func TestSeededStockMatchesOpeningMovements(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, products)
	for _, p := range products {
		movements, err := s.ListMovements(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.StockQuantity, domain.ReplayStock(movements), p.ID)
	}
}

func TestUpdateProductKeepsStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	p, err := s.GetProduct(ctx, "prod-vodka-1l")
	require.NoError(t, err)
	changed := *p
	changed.StockQuantity = 999
	changed.Name = "Vodka Premium"
	require.NoError(t, s.UpdateProduct(ctx, changed))

	got, err := s.GetProduct(ctx, "prod-vodka-1l")
	require.NoError(t, err)
	assert.Equal(t, "Vodka Premium", got.Name)
	assert.Equal(t, p.StockQuantity, got.StockQuantity)
}

func TestEmployeeEmailIsUnique(t *testing.T) {
	s := NewSeeded()
	err := s.CreateEmployee(context.Background(), domain.Employee{ID: "emp-new", Email: "GESTOR@frankstein.local"})
	assert.ErrorIs(t, err, apperror.ErrAlreadyExists)
}
