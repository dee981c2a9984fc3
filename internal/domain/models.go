package domain

import (
	"strings"
	"time"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
)

type Product struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Category         string      `json:"category"`
	Price            money.Money `json:"price"`
	Cost             money.Money `json:"cost"`
	StockQuantity    int         `json:"stock_quantity"`
	MinStockQuantity int         `json:"min_stock_quantity"`
	Barcode          string      `json:"barcode,omitempty"`
	Volume           string      `json:"volume,omitempty"`
	Active           bool        `json:"active"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// StockGap is how far the product sits above its minimum; negative means below.
func (p Product) StockGap() int {
	return p.StockQuantity - p.MinStockQuantity
}

type MovementType string

const (
	MovementIn  MovementType = "in"
	MovementOut MovementType = "out"
)

func (t MovementType) Valid() bool {
	return t == MovementIn || t == MovementOut
}

const ReasonInitialStock = "initial stock"
const ReasonSale = "sale"

type StockMovement struct {
	ID          string       `json:"id"`
	ProductID   string       `json:"product_id"`
	Type        MovementType `json:"type"`
	Quantity    int          `json:"quantity"`
	Reason      string       `json:"reason"`
	ReferenceID string       `json:"reference_id,omitempty"`
	EmployeeID  string       `json:"employee_id"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Signed returns +quantity for "in" and -quantity for "out".
func (m StockMovement) Signed() int {
	if m.Type == MovementOut {
		return -m.Quantity
	}
	return m.Quantity
}

// ReplayStock sums the signed quantities of a movement log.
func ReplayStock(movements []StockMovement) int {
	total := 0
	for _, m := range movements {
		total += m.Signed()
	}
	return total
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

type CashRegisterSession struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	OpenedAt      time.Time     `json:"opened_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
	InitialAmount money.Money   `json:"initial_amount"`
	SalesTotal    money.Money   `json:"sales_total"`
	CashInTotal   money.Money   `json:"cash_in_total"`
	CashOutTotal  money.Money   `json:"cash_out_total"`
	FinalAmount   *money.Money  `json:"final_amount,omitempty"`
	EmployeeID    string        `json:"employee_id"`
}

func (s CashRegisterSession) IsOpen() bool {
	return s.Status == SessionOpen
}

// ExpectedAmount is initial + sales + cash in - cash out. Never stored.
func (s CashRegisterSession) ExpectedAmount() money.Money {
	return s.InitialAmount.Add(s.SalesTotal).Add(s.CashInTotal).Sub(s.CashOutTotal)
}

// Variance is counted minus expected, available once the session is closed.
func (s CashRegisterSession) Variance() (money.Money, bool) {
	if s.Status != SessionClosed || s.FinalAmount == nil {
		return 0, false
	}
	return s.FinalAmount.Sub(s.ExpectedAmount()), true
}

type CashTransactionType string

const (
	CashIn  CashTransactionType = "cash_in"
	CashOut CashTransactionType = "cash_out"
)

func (t CashTransactionType) Valid() bool {
	return t == CashIn || t == CashOut
}

type CashTransaction struct {
	ID             string              `json:"id"`
	CashRegisterID string              `json:"cash_register_id"`
	Type           CashTransactionType `json:"type"`
	Amount         money.Money         `json:"amount"`
	Description    string              `json:"description"`
	EmployeeID     string              `json:"employee_id"`
	CreatedAt      time.Time           `json:"created_at"`
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentPix  PaymentMethod = "pix"
	PaymentCard PaymentMethod = "card"
)

// ParsePaymentMethod accepts the canonical names and the Portuguese labels
// used by the front counter ("dinheiro", "cartao").
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cash", "dinheiro":
		return PaymentCash, true
	case "pix":
		return PaymentPix, true
	case "card", "cartao", "cartão":
		return PaymentCard, true
	}
	return "", false
}

type SaleItem struct {
	ProductID   string      `json:"product_id"`
	ProductName string      `json:"product_name"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	TotalPrice  money.Money `json:"total_price"`
}

type Sale struct {
	ID             string        `json:"id"`
	Items          []SaleItem    `json:"items"`
	TotalAmount    money.Money   `json:"total_amount"`
	Discount       money.Money   `json:"discount"`
	FinalAmount    money.Money   `json:"final_amount"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	AmountReceived *money.Money  `json:"amount_received,omitempty"`
	ChangeAmount   *money.Money  `json:"change_amount,omitempty"`
	CashRegisterID string        `json:"cash_register_id"`
	EmployeeID     string        `json:"employee_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Duplicate      bool          `json:"duplicate,omitempty"`
}

type Role string

const (
	RoleManager Role = "gestor"
	RoleStaff   Role = "funcionario"
)

func (r Role) Valid() bool {
	return r == RoleManager || r == RoleStaff
}

type Employee struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	Role         Role      `json:"role"`
	HireDate     time.Time `json:"hire_date"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Actor is the authenticated caller attached to a request context.
type Actor struct {
	EmployeeID string
	Email      string
	Role       Role
}

func (a Actor) IsManager() bool {
	return a.Role == RoleManager
}
