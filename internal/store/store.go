package store

import (
	"context"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
)

// Reader serves the non-transactional reads. Results may be a recent but
// stale snapshot relative to concurrent writers.
type Reader interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error)

	GetSession(ctx context.Context, id string) (*domain.CashRegisterSession, error)
	// GetOpenSession returns nil, nil when no session is open.
	GetOpenSession(ctx context.Context) (*domain.CashRegisterSession, error)
	ListSessions(ctx context.Context, limit int) ([]domain.CashRegisterSession, error)
	ListCashTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, sessionID string) ([]domain.Sale, error)

	GetEmployee(ctx context.Context, id string) (*domain.Employee, error)
	GetEmployeeByEmail(ctx context.Context, email string) (*domain.Employee, error)
	ListEmployees(ctx context.Context) ([]domain.Employee, error)
}

type Repository interface {
	Reader

	// WithinTx runs fn as one serializable unit. Any error from fn rolls
	// every write back. Store failures are reported as apperror kinds.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Catalog and staff writes. UpdateProduct never touches stock_quantity.
	CreateProduct(ctx context.Context, product domain.Product) error
	UpdateProduct(ctx context.Context, product domain.Product) error
	CreateEmployee(ctx context.Context, employee domain.Employee) error
	SetEmployeeActive(ctx context.Context, id string, active bool) (*domain.Employee, error)
}

// Tx is the locked, write-capable view handed to WithinTx callbacks.
type Tx interface {
	// CreateProduct inserts a product with zero stock.
	CreateProduct(ctx context.Context, product domain.Product) error
	GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error)
	CountMovements(ctx context.Context, productID string) (int, error)
	AppendMovement(ctx context.Context, movement domain.StockMovement) error
	SetStockQuantity(ctx context.Context, productID string, quantity int) error

	GetSessionForUpdate(ctx context.Context, id string) (*domain.CashRegisterSession, error)
	HasOpenSession(ctx context.Context) (bool, error)
	CreateSession(ctx context.Context, session domain.CashRegisterSession) error
	UpdateSession(ctx context.Context, session domain.CashRegisterSession) error
	AppendCashTransaction(ctx context.Context, txn domain.CashTransaction) error

	// FindSaleByIdempotencyKey returns nil, nil when the key is unused.
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	CreateSale(ctx context.Context, sale domain.Sale) error
}
