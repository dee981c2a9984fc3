package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
)

// pgTx is a serializable transaction; locked reads use SELECT ... FOR UPDATE.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateProduct(ctx context.Context, product domain.Product) error {
	return createProduct(ctx, t.tx, product)
}

func (t *pgTx) GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id, true)
}

func (t *pgTx) CountMovements(ctx context.Context, productID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT count(*) FROM stock_movements WHERE product_id = $1`, productID).Scan(&n)
	return n, translate(err, "count movements")
}

func (t *pgTx) AppendMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, type, quantity, reason, reference_id, employee_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.ProductID, string(m.Type), m.Quantity, m.Reason, nullIfEmpty(m.ReferenceID), m.EmployeeID, m.CreatedAt)
	return translate(err, "append movement")
}

func (t *pgTx) SetStockQuantity(ctx context.Context, productID string, quantity int) error {
	if quantity < 0 {
		return apperror.Newf(apperror.KindInternal, "refusing negative stock %d for product %s", quantity, productID)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products SET stock_quantity = $2, updated_at = now() WHERE id = $1
	`, productID, quantity)
	if err != nil {
		return translate(err, "set stock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate(err, "set stock")
	}
	if affected == 0 {
		return apperror.Newf(apperror.KindProductNotFound, "product %s not found", productID)
	}
	return nil
}

func (t *pgTx) GetSessionForUpdate(ctx context.Context, id string) (*domain.CashRegisterSession, error) {
	return getSession(ctx, t.tx, id, true)
}

func (t *pgTx) HasOpenSession(ctx context.Context) (bool, error) {
	var open bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM cash_register_sessions WHERE status = 'open')`).Scan(&open)
	return open, translate(err, "check open session")
}

func (t *pgTx) CreateSession(ctx context.Context, s domain.CashRegisterSession) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_register_sessions (id, status, opened_at, closed_at, initial_cents, sales_cents,
			cash_in_cents, cash_out_cents, final_cents, employee_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, s.ID, string(s.Status), s.OpenedAt, nullTime(s.ClosedAt), s.InitialAmount.Cents(), s.SalesTotal.Cents(),
		s.CashInTotal.Cents(), s.CashOutTotal.Cents(), nullMoney(s.FinalAmount), s.EmployeeID)
	return translate(err, "create session")
}

func (t *pgTx) UpdateSession(ctx context.Context, s domain.CashRegisterSession) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cash_register_sessions
		SET status = $2, closed_at = $3, sales_cents = $4, cash_in_cents = $5, cash_out_cents = $6, final_cents = $7
		WHERE id = $1
	`, s.ID, string(s.Status), nullTime(s.ClosedAt), s.SalesTotal.Cents(), s.CashInTotal.Cents(), s.CashOutTotal.Cents(),
		nullMoney(s.FinalAmount))
	if err != nil {
		return translate(err, "update session")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate(err, "update session")
	}
	if affected == 0 {
		return apperror.Newf(apperror.KindSessionNotFound, "session %s not found", s.ID)
	}
	return nil
}

func (t *pgTx) AppendCashTransaction(ctx context.Context, c domain.CashTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, cash_register_id, type, amount_cents, description, employee_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, c.ID, c.CashRegisterID, string(c.Type), c.Amount.Cents(), c.Description, c.EmployeeID, c.CreatedAt)
	return translate(err, "append cash transaction")
}

func (t *pgTx) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	sale, err := findSale(ctx, t.tx, `idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err, "find sale by idempotency key")
	}
	return sale, nil
}

func (t *pgTx) CreateSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, total_cents, discount_cents, final_cents, payment_method, received_cents, change_cents,
			cash_register_id, employee_id, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.TotalAmount.Cents(), sale.Discount.Cents(), sale.FinalAmount.Cents(), string(sale.PaymentMethod),
		nullMoney(sale.AmountReceived), nullMoney(sale.ChangeAmount), sale.CashRegisterID, sale.EmployeeID,
		nullIfEmpty(sale.IdempotencyKey), sale.CreatedAt)
	if err != nil {
		return translate(err, "create sale")
	}

	for i, item := range sale.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, product_name, quantity, unit_price_cents, total_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, i+1, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice.Cents(), item.TotalPrice.Cents())
		if err != nil {
			return translate(err, "create sale item")
		}
	}
	return nil
}
