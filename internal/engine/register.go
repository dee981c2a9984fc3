package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/xid"
)

// Register drives the till lifecycle: no session, open, closed. At most one
// session is open at any time.
type Register struct {
	*core
}

type TransactionInput struct {
	SessionID   string
	Type        domain.CashTransactionType
	Amount      money.Money
	Description string
	EmployeeID  string
}

func (r *Register) Open(ctx context.Context, initialAmount money.Money, employeeID string) (*domain.CashRegisterSession, error) {
	if initialAmount.IsNegative() {
		return nil, apperror.Newf(apperror.KindInvalidAmount, "initial amount must not be negative, got %s", initialAmount)
	}

	var opened domain.CashRegisterSession
	err := r.run(ctx, "register_open", func(ctx context.Context, tx store.Tx) error {
		open, err := tx.HasOpenSession(ctx)
		if err != nil {
			return err
		}
		if open {
			return apperror.ErrSessionAlreadyOpen
		}
		opened = domain.CashRegisterSession{
			ID:            xid.New("reg"),
			Status:        domain.SessionOpen,
			OpenedAt:      r.now(),
			InitialAmount: initialAmount,
			EmployeeID:    employeeID,
		}
		return tx.CreateSession(ctx, opened)
	})
	if err != nil {
		return nil, err
	}

	r.log.Info(r.log.WithFields(ctx, map[string]any{
		"session_id":     opened.ID,
		"initial_amount": opened.InitialAmount.String(),
	}), "cash register opened")
	return &opened, nil
}

// lockOpenSession loads the session for update and rejects it unless open.
// An unknown id is reported as SessionNotOpen.
func lockOpenSession(ctx context.Context, tx store.Tx, sessionID string) (*domain.CashRegisterSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperror.New(apperror.KindSessionNotOpen, "no cash register session given")
	}
	session, err := tx.GetSessionForUpdate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperror.ErrSessionNotFound) {
			return nil, apperror.Wrap(apperror.KindSessionNotOpen, err, "cash register session is not open")
		}
		return nil, err
	}
	if !session.IsOpen() {
		return nil, apperror.Newf(apperror.KindSessionNotOpen, "cash register session %s is %s", sessionID, session.Status)
	}
	return session, nil
}

// RecordSaleTx credits salesTotal inside a caller-owned transaction.
func (r *Register) RecordSaleTx(ctx context.Context, tx store.Tx, sessionID string, amount money.Money) error {
	if amount.IsNegative() {
		return apperror.Newf(apperror.KindInvalidAmount, "sale amount must not be negative, got %s", amount)
	}
	session, err := lockOpenSession(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if session.SalesTotal, err = session.SalesTotal.CheckedAdd(amount); err != nil {
		return err
	}
	return tx.UpdateSession(ctx, *session)
}

func (r *Register) RecordSale(ctx context.Context, sessionID string, amount money.Money) error {
	return r.run(ctx, "register_record_sale", func(ctx context.Context, tx store.Tx) error {
		return r.RecordSaleTx(ctx, tx, sessionID, amount)
	})
}

func (r *Register) RecordTransaction(ctx context.Context, in TransactionInput) (*domain.CashTransaction, error) {
	if !in.Type.Valid() {
		return nil, apperror.Newf(apperror.KindValidation, "unknown cash transaction type %q", in.Type)
	}
	if !in.Amount.IsPositive() {
		return nil, apperror.Newf(apperror.KindInvalidAmount, "amount must be positive, got %s", in.Amount)
	}

	var recorded domain.CashTransaction
	err := r.run(ctx, "register_transaction", func(ctx context.Context, tx store.Tx) error {
		session, err := lockOpenSession(ctx, tx, in.SessionID)
		if err != nil {
			return err
		}

		recorded = domain.CashTransaction{
			ID:             xid.New("ctx"),
			CashRegisterID: session.ID,
			Type:           in.Type,
			Amount:         in.Amount,
			Description:    strings.TrimSpace(in.Description),
			EmployeeID:     in.EmployeeID,
			CreatedAt:      r.now(),
		}
		if in.Type == domain.CashIn {
			session.CashInTotal, err = session.CashInTotal.CheckedAdd(in.Amount)
		} else {
			session.CashOutTotal, err = session.CashOutTotal.CheckedAdd(in.Amount)
		}
		if err != nil {
			return err
		}

		if err := tx.AppendCashTransaction(ctx, recorded); err != nil {
			return err
		}
		return tx.UpdateSession(ctx, *session)
	})
	if err != nil {
		return nil, err
	}
	return &recorded, nil
}

// Close stores the counted amount and closes the session. Variance is not
// stored; reports derive it from finalAmount and the running totals.
func (r *Register) Close(ctx context.Context, sessionID string, countedAmount money.Money) (*domain.CashRegisterSession, error) {
	if countedAmount.IsNegative() {
		return nil, apperror.Newf(apperror.KindInvalidAmount, "counted amount must not be negative, got %s", countedAmount)
	}

	var closed domain.CashRegisterSession
	err := r.run(ctx, "register_close", func(ctx context.Context, tx store.Tx) error {
		session, err := lockOpenSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		closedAt := r.now()
		counted := countedAmount
		session.Status = domain.SessionClosed
		session.ClosedAt = &closedAt
		session.FinalAmount = &counted
		if err := tx.UpdateSession(ctx, *session); err != nil {
			return err
		}
		closed = *session
		return nil
	})
	if err != nil {
		return nil, err
	}

	variance, _ := closed.Variance()
	r.log.Info(r.log.WithFields(ctx, map[string]any{
		"session_id":      closed.ID,
		"expected_amount": closed.ExpectedAmount().String(),
		"final_amount":    countedAmount.String(),
		"variance":        variance.String(),
	}), "cash register closed")
	return &closed, nil
}

func (r *Register) ExpectedAmount(ctx context.Context, sessionID string) (money.Money, error) {
	session, err := r.repo.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return session.ExpectedAmount(), nil
}

// Current returns the open session or SessionNotOpen.
func (r *Register) Current(ctx context.Context) (*domain.CashRegisterSession, error) {
	session, err := r.repo.GetOpenSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperror.ErrSessionNotOpen
	}
	return session, nil
}

func (r *Register) Get(ctx context.Context, sessionID string) (*domain.CashRegisterSession, error) {
	return r.repo.GetSession(ctx, sessionID)
}

func (r *Register) Transactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	return r.repo.ListCashTransactions(ctx, sessionID)
}

// List returns session history, newest first.
func (r *Register) List(ctx context.Context, limit int) ([]domain.CashRegisterSession, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.repo.ListSessions(ctx, limit)
}
