// Package apperror defines the typed failures raised by the ledger engine and
// the stores behind it. Every error carries a Kind; callers match on kinds
// with errors.Is against the exported sentinels.
package apperror

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidAmount        Kind = "INVALID_AMOUNT"
	KindInvalidQuantity      Kind = "INVALID_QUANTITY"
	KindInvalidDiscount      Kind = "INVALID_DISCOUNT"
	KindInsufficientPayment  Kind = "INSUFFICIENT_PAYMENT"
	KindInvalidPaymentMethod Kind = "INVALID_PAYMENT_METHOD"
	KindEmptyCart            Kind = "EMPTY_CART"
	KindValidation           Kind = "VALIDATION_ERROR"

	KindProductNotFound  Kind = "PRODUCT_NOT_FOUND"
	KindSessionNotFound  Kind = "SESSION_NOT_FOUND"
	KindSaleNotFound     Kind = "SALE_NOT_FOUND"
	KindEmployeeNotFound Kind = "EMPLOYEE_NOT_FOUND"
	KindAlreadyExists    Kind = "ALREADY_EXISTS"

	KindSessionNotOpen       Kind = "SESSION_NOT_OPEN"
	KindSessionAlreadyOpen   Kind = "SESSION_ALREADY_OPEN"
	KindOpeningBalanceExists Kind = "OPENING_BALANCE_EXISTS"
	KindInsufficientStock    Kind = "INSUFFICIENT_STOCK"

	KindPersistenceTimeout  Kind = "PERSISTENCE_TIMEOUT"
	KindPersistenceConflict Kind = "PERSISTENCE_CONFLICT"

	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindInternal     Kind = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByKind = map[Kind]Metadata{
	KindInvalidAmount:        {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid amount"},
	KindInvalidQuantity:      {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid quantity"},
	KindInvalidDiscount:      {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid discount"},
	KindInsufficientPayment:  {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "insufficient payment"},
	KindInvalidPaymentMethod: {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid payment method"},
	KindEmptyCart:            {HTTPStatus: http.StatusBadRequest, PublicMessage: "cart is empty"},
	KindValidation:           {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed"},

	KindProductNotFound:  {HTTPStatus: http.StatusNotFound, PublicMessage: "product not found"},
	KindSessionNotFound:  {HTTPStatus: http.StatusNotFound, PublicMessage: "cash register session not found"},
	KindSaleNotFound:     {HTTPStatus: http.StatusNotFound, PublicMessage: "sale not found"},
	KindEmployeeNotFound: {HTTPStatus: http.StatusNotFound, PublicMessage: "employee not found"},
	KindAlreadyExists:    {HTTPStatus: http.StatusConflict, PublicMessage: "resource already exists"},

	KindSessionNotOpen:       {HTTPStatus: http.StatusConflict, PublicMessage: "cash register session is not open"},
	KindSessionAlreadyOpen:   {HTTPStatus: http.StatusConflict, PublicMessage: "a cash register session is already open"},
	KindOpeningBalanceExists: {HTTPStatus: http.StatusConflict, PublicMessage: "product already has stock movements"},
	KindInsufficientStock:    {HTTPStatus: http.StatusConflict, PublicMessage: "insufficient stock"},

	KindPersistenceTimeout:  {HTTPStatus: http.StatusGatewayTimeout, Retryable: true, PublicMessage: "persistence timeout"},
	KindPersistenceConflict: {HTTPStatus: http.StatusConflict, Retryable: true, PublicMessage: "concurrent update, retry"},

	KindUnauthorized: {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
	KindForbidden:    {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	KindInternal:     {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error"},
}

func MetadataFor(kind Kind) Metadata {
	if meta, ok := metadataByKind[kind]; ok {
		return meta
	}
	return metadataByKind[KindInternal]
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrInvalidAmount        = New(KindInvalidAmount, "invalid amount")
	ErrInvalidQuantity      = New(KindInvalidQuantity, "invalid quantity")
	ErrInvalidDiscount      = New(KindInvalidDiscount, "invalid discount")
	ErrInsufficientPayment  = New(KindInsufficientPayment, "insufficient payment")
	ErrInvalidPaymentMethod = New(KindInvalidPaymentMethod, "invalid payment method")
	ErrEmptyCart            = New(KindEmptyCart, "cart is empty")
	ErrValidation           = New(KindValidation, "validation failed")
	ErrProductNotFound      = New(KindProductNotFound, "product not found")
	ErrSessionNotFound      = New(KindSessionNotFound, "cash register session not found")
	ErrSaleNotFound         = New(KindSaleNotFound, "sale not found")
	ErrEmployeeNotFound     = New(KindEmployeeNotFound, "employee not found")
	ErrAlreadyExists        = New(KindAlreadyExists, "already exists")
	ErrSessionNotOpen       = New(KindSessionNotOpen, "cash register session is not open")
	ErrSessionAlreadyOpen   = New(KindSessionAlreadyOpen, "a cash register session is already open")
	ErrOpeningBalanceExists = New(KindOpeningBalanceExists, "product already has stock movements")
	ErrInsufficientStock    = New(KindInsufficientStock, "insufficient stock")
	ErrPersistenceTimeout   = New(KindPersistenceTimeout, "persistence timeout")
	ErrPersistenceConflict  = New(KindPersistenceConflict, "persistence conflict")
	ErrUnauthorized         = New(KindUnauthorized, "unauthorized")
	ErrForbidden            = New(KindForbidden, "forbidden")
)

type Error struct {
	kind      Kind
	message   string
	productID string
	shortfall int
	cause     error
}

func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return New(kind, message)
	}
	return &Error{kind: kind, message: message, cause: err}
}

// InsufficientStock names the product that cannot be served and by how many units.
func InsufficientStock(productID string, shortfall int) *Error {
	return &Error{
		kind:      KindInsufficientStock,
		message:   fmt.Sprintf("insufficient stock for product %s (short by %d)", productID, shortfall),
		productID: productID,
		shortfall: shortfall,
	}
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.kind
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) ProductID() string {
	if e == nil {
		return ""
	}
	return e.productID
}

func (e *Error) Shortfall() int {
	if e == nil {
		return 0
	}
	return e.shortfall
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.kind == t.kind
}

// As returns the first *Error in the chain, or nil.
func As(err error) *Error {
	var te *Error
	if stdErrors.As(err, &te) {
		return te
	}
	return nil
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if te := As(err); te != nil {
		return te.kind
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(KindOf(err)).Retryable
}
