package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translate(err, "begin transaction")
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return translate(err, "transaction")
	}
	if err := sqlTx.Commit(); err != nil {
		return translate(err, "commit")
	}
	return nil
}

// Products.

const productColumns = `id, name, category, price_cents, cost_cents, stock_quantity, min_stock_quantity,
	COALESCE(barcode, ''), COALESCE(volume, ''), active, created_at, updated_at`

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.StockQuantity, &p.MinStockQuantity,
		&p.Barcode, &p.Volume, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func getProduct(ctx context.Context, q queryer, id string, lock bool) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanProduct(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Newf(apperror.KindProductNotFound, "product %s not found", id)
		}
		return nil, translate(err, "load product")
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, s.db, id, false)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY category, name`)
	if err != nil {
		return nil, translate(err, "list products")
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, translate(err, "scan product")
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list products")
	}
	return products, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, type, quantity, reason, COALESCE(reference_id, ''), employee_id, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY seq
	`, productID)
	if err != nil {
		return nil, translate(err, "list movements")
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity, &m.Reason, &m.ReferenceID, &m.EmployeeID, &m.CreatedAt); err != nil {
			return nil, translate(err, "scan movement")
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list movements")
	}
	return movements, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) error {
	return createProduct(ctx, s.db, product)
}

func createProduct(ctx context.Context, q queryer, product domain.Product) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, cost_cents, stock_quantity, min_stock_quantity,
			barcode, volume, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,$9,$10,$11)
	`, product.ID, product.Name, product.Category, product.Price.Cents(), product.Cost.Cents(), product.MinStockQuantity,
		nullIfEmpty(product.Barcode), nullIfEmpty(product.Volume), product.Active, product.CreatedAt, product.UpdatedAt)
	return translate(err, "create product")
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, cost_cents = $5, min_stock_quantity = $6,
			barcode = $7, volume = $8, active = $9, updated_at = $10
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.Price.Cents(), product.Cost.Cents(), product.MinStockQuantity,
		nullIfEmpty(product.Barcode), nullIfEmpty(product.Volume), product.Active, product.UpdatedAt)
	if err != nil {
		return translate(err, "update product")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate(err, "update product")
	}
	if affected == 0 {
		return apperror.Newf(apperror.KindProductNotFound, "product %s not found", product.ID)
	}
	return nil
}

// Sessions.

const sessionColumns = `id, status, opened_at, closed_at, initial_cents, sales_cents, cash_in_cents, cash_out_cents, final_cents, employee_id`

func scanSession(row scanner) (domain.CashRegisterSession, error) {
	var (
		session  domain.CashRegisterSession
		closedAt sql.NullTime
		final    sql.NullInt64
	)
	err := row.Scan(&session.ID, &session.Status, &session.OpenedAt, &closedAt, &session.InitialAmount,
		&session.SalesTotal, &session.CashInTotal, &session.CashOutTotal, &final, &session.EmployeeID)
	if err != nil {
		return session, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	if final.Valid {
		m := money.FromCents(final.Int64)
		session.FinalAmount = &m
	}
	return session, nil
}

func getSession(ctx context.Context, q queryer, id string, lock bool) (*domain.CashRegisterSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM cash_register_sessions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	session, err := scanSession(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Newf(apperror.KindSessionNotFound, "session %s not found", id)
		}
		return nil, translate(err, "load session")
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CashRegisterSession, error) {
	return getSession(ctx, s.db, id, false)
}

func (s *Store) GetOpenSession(ctx context.Context) (*domain.CashRegisterSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM cash_register_sessions WHERE status = 'open'`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err, "load open session")
	}
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]domain.CashRegisterSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM cash_register_sessions ORDER BY opened_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list sessions")
	}
	defer rows.Close()

	sessions := make([]domain.CashRegisterSession, 0, 16)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, translate(err, "scan session")
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list sessions")
	}
	return sessions, nil
}

func (s *Store) ListCashTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cash_register_id, type, amount_cents, description, employee_id, created_at
		FROM cash_transactions
		WHERE cash_register_id = $1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, translate(err, "list cash transactions")
	}
	defer rows.Close()

	txns := make([]domain.CashTransaction, 0, 16)
	for rows.Next() {
		var t domain.CashTransaction
		if err := rows.Scan(&t.ID, &t.CashRegisterID, &t.Type, &t.Amount, &t.Description, &t.EmployeeID, &t.CreatedAt); err != nil {
			return nil, translate(err, "scan cash transaction")
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list cash transactions")
	}
	return txns, nil
}

// Sales.

const saleColumns = `id, total_cents, discount_cents, final_cents, payment_method, received_cents, change_cents,
	cash_register_id, employee_id, COALESCE(idempotency_key, ''), created_at`

func scanSale(row scanner) (domain.Sale, error) {
	var (
		sale     domain.Sale
		received sql.NullInt64
		change   sql.NullInt64
	)
	err := row.Scan(&sale.ID, &sale.TotalAmount, &sale.Discount, &sale.FinalAmount, &sale.PaymentMethod,
		&received, &change, &sale.CashRegisterID, &sale.EmployeeID, &sale.IdempotencyKey, &sale.CreatedAt)
	if err != nil {
		return sale, err
	}
	if received.Valid {
		m := money.FromCents(received.Int64)
		sale.AmountReceived = &m
	}
	if change.Valid {
		m := money.FromCents(change.Int64)
		sale.ChangeAmount = &m
	}
	return sale, nil
}

// loadSaleItems fills Items for every sale in place.
func loadSaleItems(ctx context.Context, q queryer, sales []domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sales))
	index := make(map[string]int, len(sales))
	for i := range sales {
		ids = append(ids, sales[i].ID)
		index[sales[i].ID] = i
		sales[i].Items = make([]domain.SaleItem, 0, 4)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT sale_id, product_id, product_name, quantity, unit_price_cents, total_price_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, ids)
	if err != nil {
		return translate(err, "list sale items")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			saleID string
			item   domain.SaleItem
		)
		if err := rows.Scan(&saleID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return translate(err, "scan sale item")
		}
		i := index[saleID]
		sales[i].Items = append(sales[i].Items, item)
	}
	return translate(rows.Err(), "list sale items")
}

func findSale(ctx context.Context, q queryer, where string, arg any) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	batch := []domain.Sale{sale}
	if err := loadSaleItems(ctx, q, batch); err != nil {
		return nil, err
	}
	return &batch[0], nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := findSale(ctx, s.db, `id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Newf(apperror.KindSaleNotFound, "sale %s not found", id)
		}
		return nil, translate(err, "load sale")
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, sessionID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE cash_register_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, translate(err, "list sales")
	}
	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, translate(err, "scan sale")
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, translate(err, "list sales")
	}
	_ = rows.Close()

	if err := loadSaleItems(ctx, s.db, sales); err != nil {
		return nil, err
	}
	return sales, nil
}

// Employees.

const employeeColumns = `id, name, email, COALESCE(phone, ''), role, hire_date, active, password_hash, created_at`

func scanEmployee(row scanner) (domain.Employee, error) {
	var e domain.Employee
	err := row.Scan(&e.ID, &e.Name, &e.Email, &e.Phone, &e.Role, &e.HireDate, &e.Active, &e.PasswordHash, &e.CreatedAt)
	return e, err
}

func (s *Store) GetEmployee(ctx context.Context, id string) (*domain.Employee, error) {
	e, err := scanEmployee(s.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Newf(apperror.KindEmployeeNotFound, "employee %s not found", id)
		}
		return nil, translate(err, "load employee")
	}
	return &e, nil
}

func (s *Store) GetEmployeeByEmail(ctx context.Context, email string) (*domain.Employee, error) {
	e, err := scanEmployee(s.db.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE email = $1`, normalizeEmail(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindEmployeeNotFound, "employee not found")
		}
		return nil, translate(err, "load employee")
	}
	return &e, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+employeeColumns+` FROM employees ORDER BY name`)
	if err != nil {
		return nil, translate(err, "list employees")
	}
	defer rows.Close()

	employees := make([]domain.Employee, 0, 16)
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, translate(err, "scan employee")
		}
		employees = append(employees, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list employees")
	}
	return employees, nil
}

func (s *Store) CreateEmployee(ctx context.Context, employee domain.Employee) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (id, name, email, phone, role, hire_date, active, password_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, employee.ID, employee.Name, normalizeEmail(employee.Email), nullIfEmpty(employee.Phone), string(employee.Role),
		nowDateUTC(employee.HireDate), employee.Active, employee.PasswordHash, employee.CreatedAt)
	return translate(err, "create employee")
}

func (s *Store) SetEmployeeActive(ctx context.Context, id string, active bool) (*domain.Employee, error) {
	e, err := scanEmployee(s.db.QueryRowContext(ctx,
		`UPDATE employees SET active = $2 WHERE id = $1 RETURNING `+employeeColumns, id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Newf(apperror.KindEmployeeNotFound, "employee %s not found", id)
		}
		return nil, translate(err, "update employee")
	}
	return &e, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullMoney(val *money.Money) any {
	if val == nil {
		return nil
	}
	return val.Cents()
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
