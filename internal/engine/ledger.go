package engine

import (
	"context"
	"strings"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/xid"
)

// Ledger owns stock. stock_quantity only ever changes together with an
// appended StockMovement, inside one transaction.
type Ledger struct {
	*core
}

type MovementInput struct {
	ProductID   string
	Type        domain.MovementType
	Quantity    int
	Reason      string
	EmployeeID  string
	ReferenceID string
}

func validateMovement(in MovementInput) error {
	if strings.TrimSpace(in.ProductID) == "" {
		return apperror.New(apperror.KindProductNotFound, "product id is required")
	}
	if !in.Type.Valid() {
		return apperror.Newf(apperror.KindValidation, "unknown movement type %q", in.Type)
	}
	if in.Quantity <= 0 {
		return apperror.Newf(apperror.KindInvalidQuantity, "quantity must be positive, got %d", in.Quantity)
	}
	return nil
}

func (l *Ledger) RecordMovement(ctx context.Context, in MovementInput) (*domain.StockMovement, error) {
	if err := validateMovement(in); err != nil {
		return nil, err
	}

	var recorded domain.StockMovement
	err := l.run(ctx, "record_movement", func(ctx context.Context, tx store.Tx) error {
		movement, err := l.RecordMovementTx(ctx, tx, in)
		if err != nil {
			return err
		}
		recorded = movement
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.AddMovements(string(recorded.Type), 1)
	l.invalidateLowStock(ctx)
	return &recorded, nil
}

// RecordMovementTx applies a movement inside a caller-owned transaction.
func (l *Ledger) RecordMovementTx(ctx context.Context, tx store.Tx, in MovementInput) (domain.StockMovement, error) {
	if err := validateMovement(in); err != nil {
		return domain.StockMovement{}, err
	}

	product, err := tx.GetProductForUpdate(ctx, in.ProductID)
	if err != nil {
		return domain.StockMovement{}, err
	}

	movement := domain.StockMovement{
		ID:          xid.New("mov"),
		ProductID:   product.ID,
		Type:        in.Type,
		Quantity:    in.Quantity,
		Reason:      strings.TrimSpace(in.Reason),
		ReferenceID: in.ReferenceID,
		EmployeeID:  in.EmployeeID,
		CreatedAt:   l.now(),
	}
	next := product.StockQuantity + movement.Signed()
	if next < 0 {
		return domain.StockMovement{}, apperror.InsufficientStock(product.ID, -next)
	}

	if err := tx.AppendMovement(ctx, movement); err != nil {
		return domain.StockMovement{}, err
	}
	if err := tx.SetStockQuantity(ctx, product.ID, next); err != nil {
		return domain.StockMovement{}, err
	}
	return movement, nil
}

// SetOpeningBalance records the first stock entry of a product. A zero
// balance is accepted and records nothing.
func (l *Ledger) SetOpeningBalance(ctx context.Context, productID string, quantity int, employeeID string) (*domain.StockMovement, error) {
	if quantity < 0 {
		return nil, apperror.Newf(apperror.KindInvalidQuantity, "opening balance must not be negative, got %d", quantity)
	}

	var recorded *domain.StockMovement
	err := l.run(ctx, "set_opening_balance", func(ctx context.Context, tx store.Tx) error {
		movement, err := l.openingBalanceTx(ctx, tx, productID, quantity, employeeID)
		recorded = movement
		return err
	})
	if err != nil {
		return nil, err
	}
	l.afterOpeningBalance(ctx, recorded)
	return recorded, nil
}

// CreateProduct inserts a product and books its opening balance in one
// transaction, so a failure leaves neither behind.
func (l *Ledger) CreateProduct(ctx context.Context, product domain.Product, openingQuantity int, employeeID string) (*domain.StockMovement, error) {
	if openingQuantity < 0 {
		return nil, apperror.Newf(apperror.KindInvalidQuantity, "opening balance must not be negative, got %d", openingQuantity)
	}

	var recorded *domain.StockMovement
	err := l.run(ctx, "create_product", func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateProduct(ctx, product); err != nil {
			return err
		}
		movement, err := l.openingBalanceTx(ctx, tx, product.ID, openingQuantity, employeeID)
		recorded = movement
		return err
	})
	if err != nil {
		return nil, err
	}
	l.afterOpeningBalance(ctx, recorded)
	return recorded, nil
}

func (l *Ledger) openingBalanceTx(ctx context.Context, tx store.Tx, productID string, quantity int, employeeID string) (*domain.StockMovement, error) {
	if _, err := tx.GetProductForUpdate(ctx, productID); err != nil {
		return nil, err
	}
	count, err := tx.CountMovements(ctx, productID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, apperror.Newf(apperror.KindOpeningBalanceExists, "product %s already has %d movements", productID, count)
	}
	if quantity == 0 {
		return nil, nil
	}

	movement, err := l.RecordMovementTx(ctx, tx, MovementInput{
		ProductID:  productID,
		Type:       domain.MovementIn,
		Quantity:   quantity,
		Reason:     domain.ReasonInitialStock,
		EmployeeID: employeeID,
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func (l *Ledger) afterOpeningBalance(ctx context.Context, recorded *domain.StockMovement) {
	if recorded != nil {
		l.metrics.AddMovements(string(domain.MovementIn), 1)
	}
	l.invalidateLowStock(ctx)
}

// CurrentStock returns the cached projection.
func (l *Ledger) CurrentStock(ctx context.Context, productID string) (int, error) {
	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.StockQuantity, nil
}

func (l *Ledger) Movements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	return l.repo.ListMovements(ctx, productID)
}
