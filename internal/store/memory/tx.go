package memory

import (
	"context"
	"slices"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
)

// memTx runs with Store.mu held for writing. Every mutation pushes an undo
// step so a failed callback leaves the maps exactly as they were.
type memTx struct {
	s      *Store
	undo   []func()
	closed bool
}

func (t *memTx) begin(ctx context.Context) error {
	if t.closed {
		return apperror.New(apperror.KindInternal, "transaction already finished")
	}
	return ctxErr(ctx)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) CreateProduct(ctx context.Context, product domain.Product) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	if err := t.s.insertProduct(product); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { delete(t.s.products, product.ID) })
	return nil
}

func (t *memTx) GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	p, ok := t.s.products[id]
	if !ok {
		return nil, apperror.Newf(apperror.KindProductNotFound, "product %s not found", id)
	}
	return &p, nil
}

func (t *memTx) CountMovements(ctx context.Context, productID string) (int, error) {
	if err := t.begin(ctx); err != nil {
		return 0, err
	}
	return len(t.s.movements[productID]), nil
}

func (t *memTx) AppendMovement(ctx context.Context, movement domain.StockMovement) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	if _, ok := t.s.products[movement.ProductID]; !ok {
		return apperror.Newf(apperror.KindProductNotFound, "product %s not found", movement.ProductID)
	}
	prev := t.s.movements[movement.ProductID]
	t.s.movements[movement.ProductID] = append(slices.Clip(prev), movement)
	t.undo = append(t.undo, func() {
		if prev == nil {
			delete(t.s.movements, movement.ProductID)
			return
		}
		t.s.movements[movement.ProductID] = prev
	})
	return nil
}

func (t *memTx) SetStockQuantity(ctx context.Context, productID string, quantity int) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	p, ok := t.s.products[productID]
	if !ok {
		return apperror.Newf(apperror.KindProductNotFound, "product %s not found", productID)
	}
	if quantity < 0 {
		return apperror.Newf(apperror.KindInternal, "stock for %s would become %d", productID, quantity)
	}
	prev := p
	p.StockQuantity = quantity
	t.s.products[productID] = p
	t.undo = append(t.undo, func() { t.s.products[productID] = prev })
	return nil
}

func (t *memTx) GetSessionForUpdate(ctx context.Context, id string) (*domain.CashRegisterSession, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	session, ok := t.s.sessions[id]
	if !ok {
		return nil, apperror.Newf(apperror.KindSessionNotFound, "session %s not found", id)
	}
	return cloneSession(session), nil
}

func (t *memTx) HasOpenSession(ctx context.Context) (bool, error) {
	if err := t.begin(ctx); err != nil {
		return false, err
	}
	return t.s.openSessionID != "", nil
}

func (t *memTx) CreateSession(ctx context.Context, session domain.CashRegisterSession) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	if _, exists := t.s.sessions[session.ID]; exists {
		return apperror.Newf(apperror.KindAlreadyExists, "session %s already exists", session.ID)
	}
	if session.IsOpen() && t.s.openSessionID != "" {
		return apperror.ErrSessionAlreadyOpen
	}

	prevOrder := t.s.sessionOrder
	prevOpen := t.s.openSessionID
	t.s.sessions[session.ID] = *cloneSession(session)
	t.s.sessionOrder = append(slices.Clip(prevOrder), session.ID)
	if session.IsOpen() {
		t.s.openSessionID = session.ID
	}
	t.undo = append(t.undo, func() {
		delete(t.s.sessions, session.ID)
		t.s.sessionOrder = prevOrder
		t.s.openSessionID = prevOpen
	})
	return nil
}

func (t *memTx) UpdateSession(ctx context.Context, session domain.CashRegisterSession) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	prev, ok := t.s.sessions[session.ID]
	if !ok {
		return apperror.Newf(apperror.KindSessionNotFound, "session %s not found", session.ID)
	}
	prevOpen := t.s.openSessionID
	if session.IsOpen() && prevOpen != "" && prevOpen != session.ID {
		return apperror.ErrSessionAlreadyOpen
	}

	t.s.sessions[session.ID] = *cloneSession(session)
	switch {
	case session.IsOpen():
		t.s.openSessionID = session.ID
	case prevOpen == session.ID:
		t.s.openSessionID = ""
	}
	t.undo = append(t.undo, func() {
		t.s.sessions[session.ID] = prev
		t.s.openSessionID = prevOpen
	})
	return nil
}

func (t *memTx) AppendCashTransaction(ctx context.Context, txn domain.CashTransaction) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	if _, ok := t.s.sessions[txn.CashRegisterID]; !ok {
		return apperror.Newf(apperror.KindSessionNotFound, "session %s not found", txn.CashRegisterID)
	}
	prev := t.s.cashTxns[txn.CashRegisterID]
	t.s.cashTxns[txn.CashRegisterID] = append(slices.Clip(prev), txn)
	t.undo = append(t.undo, func() {
		if prev == nil {
			delete(t.s.cashTxns, txn.CashRegisterID)
			return
		}
		t.s.cashTxns[txn.CashRegisterID] = prev
	})
	return nil
}

func (t *memTx) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	id, ok := t.s.salesByIdemKey[key]
	if !ok {
		return nil, nil
	}
	return cloneSale(t.s.sales[id]), nil
}

func (t *memTx) CreateSale(ctx context.Context, sale domain.Sale) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	if _, exists := t.s.sales[sale.ID]; exists {
		return apperror.Newf(apperror.KindAlreadyExists, "sale %s already exists", sale.ID)
	}
	if sale.IdempotencyKey != "" {
		if _, exists := t.s.salesByIdemKey[sale.IdempotencyKey]; exists {
			return apperror.Newf(apperror.KindAlreadyExists, "idempotency key %s already used", sale.IdempotencyKey)
		}
	}

	stored := *cloneSale(sale)
	stored.Duplicate = false
	prevBySession := t.s.salesBySession[sale.CashRegisterID]
	t.s.sales[sale.ID] = stored
	t.s.salesBySession[sale.CashRegisterID] = append(slices.Clip(prevBySession), sale.ID)
	if sale.IdempotencyKey != "" {
		t.s.salesByIdemKey[sale.IdempotencyKey] = sale.ID
	}
	t.undo = append(t.undo, func() {
		delete(t.s.sales, sale.ID)
		if prevBySession == nil {
			delete(t.s.salesBySession, sale.CashRegisterID)
		} else {
			t.s.salesBySession[sale.CashRegisterID] = prevBySession
		}
		if sale.IdempotencyKey != "" {
			delete(t.s.salesByIdemKey, sale.IdempotencyKey)
		}
	})
	return nil
}
