package engine

import (
	"context"
	"errors"
	"math/rand"
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

func TestRecordMovementUpdatesProjectionAndLog(t *testing.T) {
	eng, repo := newTestEngine(t)
	addProduct(t, eng, repo, "prod-1", "Cerveja Lata", 499, 10, 2)
	ctx := context.Background()

	in, err := eng.Ledger.RecordMovement(ctx, MovementInput{
		ProductID: "prod-1", Type: domain.MovementIn, Quantity: 5, Reason: "compra fornecedor", EmployeeID: testEmployee,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementIn, in.Type)

	out, err := eng.Ledger.RecordMovement(ctx, MovementInput{
		ProductID: "prod-1", Type: domain.MovementOut, Quantity: 3, Reason: "avaria", EmployeeID: testEmployee, ReferenceID: "ocorrencia-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "ocorrencia-7", out.ReferenceID)
	assert.Equal(t, 12, stockOf(t, eng, "prod-1"))

	movements, err := eng.Ledger.Movements(ctx, "prod-1")
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, domain.ReasonInitialStock, movements[0].Reason)
	assert.Equal(t, out.ID, movements[2].ID)
	assert.Equal(t, 12, domain.ReplayStock(movements))
}

func TestOutMovementCannotDriveStockNegative(t *testing.T) {
	eng, repo := newTestEngine(t)
	addProduct(t, eng, repo, "prod-1", "Cerveja Lata", 499, 3, 0)

	_, err := eng.Ledger.RecordMovement(context.Background(), MovementInput{
		ProductID: "prod-1", Type: domain.MovementOut, Quantity: 5, EmployeeID: testEmployee,
	})
	require.ErrorIs(t, err, apperror.ErrInsufficientStock)
	te := apperror.As(err)
	require.NotNil(t, te)
	assert.Equal(t, "prod-1", te.ProductID())
	assert.Equal(t, 2, te.Shortfall())
	assert.Equal(t, 3, stockOf(t, eng, "prod-1"))

	movements, err := eng.Ledger.Movements(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestRecordMovementRejectsBadInput(t *testing.T) {
	eng, repo := newTestEngine(t)
	addProduct(t, eng, repo, "prod-1", "Cerveja Lata", 499, 3, 0)
	ctx := context.Background()

	for _, qty := range []int{0, -1} {
		_, err := eng.Ledger.RecordMovement(ctx, MovementInput{ProductID: "prod-1", Type: domain.MovementIn, Quantity: qty})
		assert.ErrorIs(t, err, apperror.ErrInvalidQuantity)
	}

	_, err := eng.Ledger.RecordMovement(ctx, MovementInput{ProductID: "missing", Type: domain.MovementIn, Quantity: 1})
	assert.ErrorIs(t, err, apperror.ErrProductNotFound)

	_, err = eng.Ledger.RecordMovement(ctx, MovementInput{ProductID: "prod-1", Type: "sideways", Quantity: 1})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestSetOpeningBalance(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	addProduct(t, eng, repo, "prod-1", "Refrigerante", 1099, 12, 0)

	assert.Equal(t, 12, stockOf(t, eng, "prod-1"))
	_, err := eng.Ledger.SetOpeningBalance(ctx, "prod-1", 5, testEmployee)
	require.ErrorIs(t, err, apperror.ErrOpeningBalanceExists)
	assert.Equal(t, 12, stockOf(t, eng, "prod-1"))

	_, err = eng.Ledger.SetOpeningBalance(ctx, "missing", 5, testEmployee)
	assert.ErrorIs(t, err, apperror.ErrProductNotFound)

	_, err = eng.Ledger.SetOpeningBalance(ctx, "prod-1", -1, testEmployee)
	assert.ErrorIs(t, err, apperror.ErrInvalidQuantity)
}

func TestZeroOpeningBalanceRecordsNothing(t *testing.T) {
	eng, repo := newTestEngine(t)
	addProduct(t, eng, repo, "prod-1", "Gelo", 1500, 0, 5)

	movements, err := eng.Ledger.Movements(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.Equal(t, 0, stockOf(t, eng, "prod-1"))
}

func newProduct(id, barcode string) domain.Product {
	return domain.Product{
		ID:       id,
		Name:     "Agua Mineral",
		Barcode:  barcode,
		Category: "bebidas",
		Price:    money.FromCents(250),
		Active:   true,
	}
}

func TestCreateProductBooksOpeningBalance(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	movement, err := eng.Ledger.CreateProduct(ctx, newProduct("prod-agua", "7890000000001"), 24, testEmployee)
	require.NoError(t, err)
	require.NotNil(t, movement)
	assert.Equal(t, domain.ReasonInitialStock, movement.Reason)
	assert.Equal(t, 24, stockOf(t, eng, "prod-agua"))

	empty, err := eng.Ledger.CreateProduct(ctx, newProduct("prod-gelo", ""), 0, testEmployee)
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.Equal(t, 0, stockOf(t, eng, "prod-gelo"))
}

// failingMovementTx refuses every ledger append.
type failingMovementTx struct {
	store.Tx
}

func (failingMovementTx) AppendMovement(context.Context, domain.StockMovement) error {
	return errors.New("disk full")
}

type failingMovementRepo struct {
	store.Repository
}

func (f failingMovementRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return f.Repository.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failingMovementTx{Tx: tx})
	})
}

func TestCreateProductRollsBackWhenOpeningBalanceFails(t *testing.T) {
	base := memory.New()
	eng := New(failingMovementRepo{Repository: base}, DefaultConfig())
	ctx := context.Background()

	_, err := eng.Ledger.CreateProduct(ctx, newProduct("prod-agua", "7890000000001"), 24, testEmployee)
	require.EqualError(t, err, "disk full")

	_, err = base.GetProduct(ctx, "prod-agua")
	assert.ErrorIs(t, err, apperror.ErrProductNotFound)

	// The barcode is free again once the insert is undone.
	healthy := New(base, DefaultConfig())
	_, err = healthy.Ledger.CreateProduct(ctx, newProduct("prod-agua-2", "7890000000001"), 6, testEmployee)
	require.NoError(t, err)
	assert.Equal(t, 6, stockOf(t, healthy, "prod-agua-2"))
}

func TestCreateProductRejectsNegativeOpeningBalance(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Ledger.CreateProduct(ctx, newProduct("prod-agua", ""), -1, testEmployee)
	assert.ErrorIs(t, err, apperror.ErrInvalidQuantity)
	_, err = repo.GetProduct(ctx, "prod-agua")
	assert.ErrorIs(t, err, apperror.ErrProductNotFound)
}

func TestStockConservationUnderRandomMovements(t *testing.T) {
	eng, repo := newTestEngine(t)
	ctx := context.Background()
	ids := []string{"prod-a", "prod-b", "prod-c"}
	for _, id := range ids {
		addProduct(t, eng, repo, id, id, 100, 5, 0)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 400; i++ {
		id := ids[rng.Intn(len(ids))]
		before := stockOf(t, eng, id)
		in := MovementInput{ProductID: id, Type: domain.MovementIn, Quantity: 1 + rng.Intn(6), EmployeeID: testEmployee}
		if rng.Intn(2) == 0 {
			in.Type = domain.MovementOut
		}

		_, err := eng.Ledger.RecordMovement(ctx, in)
		after := stockOf(t, eng, id)
		if in.Type == domain.MovementOut && in.Quantity > before {
			require.ErrorIs(t, err, apperror.ErrInsufficientStock)
			require.Equal(t, before, after)
		} else {
			require.NoError(t, err)
		}
		require.GreaterOrEqual(t, after, 0)

		movements, err := eng.Ledger.Movements(ctx, id)
		require.NoError(t, err)
		require.Equal(t, after, domain.ReplayStock(movements), "step %d", i)
	}
}

func TestConcurrentOutMovementsNeverOversell(t *testing.T) {
	eng, repo := newTestEngine(t)
	addProduct(t, eng, repo, "prod-1", "Vodka", 3990, 7, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Ledger.RecordMovement(context.Background(), MovementInput{
				ProductID: "prod-1", Type: domain.MovementOut, Quantity: 1, EmployeeID: testEmployee,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, succeeded)
	assert.Equal(t, 0, stockOf(t, eng, "prod-1"))
}
