package domain

import (
	"time"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	EmployeeID  string `json:"employee_id"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type ProductCreateRequest struct {
	Name             string      `json:"name" validate:"required,max=120"`
	Category         string      `json:"category" validate:"required,max=60"`
	Price            money.Money `json:"price" validate:"gte=0"`
	Cost             money.Money `json:"cost" validate:"gte=0"`
	MinStockQuantity int         `json:"min_stock_quantity" validate:"gte=0"`
	InitialStock     int         `json:"initial_stock" validate:"gte=0"`
	Barcode          string      `json:"barcode,omitempty" validate:"omitempty,max=64"`
	Volume           string      `json:"volume,omitempty" validate:"omitempty,max=32"`
}

// ProductUpdateRequest has no stock field: stock only changes through movements.
type ProductUpdateRequest struct {
	Name             *string      `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Category         *string      `json:"category,omitempty" validate:"omitempty,min=1,max=60"`
	Price            *money.Money `json:"price,omitempty" validate:"omitempty,gte=0"`
	Cost             *money.Money `json:"cost,omitempty" validate:"omitempty,gte=0"`
	MinStockQuantity *int         `json:"min_stock_quantity,omitempty" validate:"omitempty,gte=0"`
	Barcode          *string      `json:"barcode,omitempty" validate:"omitempty,max=64"`
	Volume           *string      `json:"volume,omitempty" validate:"omitempty,max=32"`
	Active           *bool        `json:"active,omitempty"`
}

type StockAdjustRequest struct {
	Type     MovementType `json:"type" validate:"required,oneof=in out"`
	Quantity int          `json:"quantity" validate:"required,gt=0"`
	Reason   string       `json:"reason" validate:"required,max=200"`
}

type RegisterOpenRequest struct {
	InitialAmount money.Money `json:"initial_amount" validate:"gte=0"`
}

type CashTransactionRequest struct {
	Type        CashTransactionType `json:"type" validate:"required,oneof=cash_in cash_out"`
	Amount      money.Money         `json:"amount" validate:"gt=0"`
	Description string              `json:"description" validate:"max=200"`
}

type RegisterCloseRequest struct {
	CountedAmount money.Money `json:"counted_amount" validate:"gte=0"`
}

type SaleItemRequest struct {
	ProductID         string       `json:"product_id" validate:"required"`
	Quantity          int          `json:"quantity"`
	UnitPriceOverride *money.Money `json:"unit_price_override,omitempty"`
}

// SaleRequest leaves quantity, discount and payment checks to the engine so
// the caller gets the precise error kind.
type SaleRequest struct {
	RegisterID     string            `json:"register_id" validate:"required"`
	Items          []SaleItemRequest `json:"items" validate:"dive"`
	Discount       money.Money       `json:"discount"`
	PaymentMethod  string            `json:"payment_method" validate:"required"`
	AmountReceived *money.Money      `json:"amount_received,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

type EmployeeCreateRequest struct {
	Name     string     `json:"name" validate:"required,max=120"`
	Email    string     `json:"email" validate:"required,email"`
	Phone    string     `json:"phone,omitempty" validate:"omitempty,max=32"`
	Role     Role       `json:"role" validate:"required,oneof=gestor funcionario"`
	Password string     `json:"password" validate:"required,min=8,max=72"`
	HireDate *time.Time `json:"hire_date,omitempty"`
}

type EmployeeUpdateRequest struct {
	Active *bool `json:"active" validate:"required"`
}
