package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/engine"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/logger"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the application layer behind the HTTP API. It resolves the
// acting employee, enforces roles, and routes every stock change through the
// engine's ledger.
type Service struct {
	repo   store.Repository
	engine *engine.Engine
	log    *logger.Logger
	now    func() time.Time
}

func New(repo store.Repository, eng *engine.Engine, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		repo:   repo,
		engine: eng,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.EmployeeID == "" {
		return domain.Actor{}, apperror.New(apperror.KindUnauthorized, "authentication required")
	}
	return actor, nil
}

func requireManager(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return actor, err
	}
	if !actor.IsManager() {
		return actor, apperror.New(apperror.KindForbidden, "gestor role required")
	}
	return actor, nil
}

func (s *Service) audit(ctx context.Context, actor domain.Actor, action, entity, entityID, detail string) {
	s.log.Audit(s.log.WithEmployeeID(ctx, actor.EmployeeID), action, entity, entityID, detail)
}

// Catalog.

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, strings.TrimSpace(id))
}

func validateProduct(p domain.Product) error {
	if p.Name == "" || p.Category == "" {
		return apperror.New(apperror.KindValidation, "name and category are required")
	}
	if p.Price.IsNegative() || p.Cost.IsNegative() {
		return apperror.New(apperror.KindInvalidAmount, "price and cost must not be negative")
	}
	if p.MinStockQuantity < 0 {
		return apperror.New(apperror.KindInvalidQuantity, "minimum stock must not be negative")
	}
	return nil
}

// CreateProduct registers a product and books the initial stock as its
// opening-balance movement in the same transaction.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}
	if req.InitialStock < 0 {
		return nil, apperror.New(apperror.KindInvalidQuantity, "initial stock must not be negative")
	}

	now := s.now()
	product := domain.Product{
		ID:               xid.New("prod"),
		Name:             strings.TrimSpace(req.Name),
		Category:         strings.TrimSpace(req.Category),
		Price:            req.Price,
		Cost:             req.Cost,
		MinStockQuantity: req.MinStockQuantity,
		Barcode:          strings.TrimSpace(req.Barcode),
		Volume:           strings.TrimSpace(req.Volume),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := validateProduct(product); err != nil {
		return nil, err
	}
	if _, err := s.engine.Ledger.CreateProduct(ctx, product, req.InitialStock, actor.EmployeeID); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "product_create", "product", product.ID,
		fmt.Sprintf("name=%s,price=%s,initial_stock=%d", product.Name, product.Price, req.InitialStock))
	return s.repo.GetProduct(ctx, product.ID)
}

// UpdateProduct edits catalog fields. Stock is not among them.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}

	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		product.Name = strings.TrimSpace(*req.Name)
	}
	if req.Category != nil {
		product.Category = strings.TrimSpace(*req.Category)
	}
	if req.Price != nil {
		product.Price = *req.Price
	}
	if req.Cost != nil {
		product.Cost = *req.Cost
	}
	if req.MinStockQuantity != nil {
		product.MinStockQuantity = *req.MinStockQuantity
	}
	if req.Barcode != nil {
		product.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.Volume != nil {
		product.Volume = strings.TrimSpace(*req.Volume)
	}
	if req.Active != nil {
		product.Active = *req.Active
	}
	if err := validateProduct(*product); err != nil {
		return nil, err
	}
	product.UpdatedAt = s.now()

	if err := s.repo.UpdateProduct(ctx, *product); err != nil {
		return nil, err
	}
	s.engine.Reports.InvalidateLowStock(ctx)

	s.audit(ctx, actor, "product_update", "product", product.ID,
		fmt.Sprintf("price=%s,min_stock=%d,active=%t", product.Price, product.MinStockQuantity, product.Active))
	return s.repo.GetProduct(ctx, product.ID)
}

func (s *Service) ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	return s.engine.Ledger.Movements(ctx, strings.TrimSpace(productID))
}

// AdjustStock books a manual movement such as a supplier delivery or breakage.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustRequest) (*domain.StockMovement, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperror.New(apperror.KindValidation, "reason is required")
	}

	movement, err := s.engine.Ledger.RecordMovement(ctx, engine.MovementInput{
		ProductID:  strings.TrimSpace(productID),
		Type:       req.Type,
		Quantity:   req.Quantity,
		Reason:     reason,
		EmployeeID: actor.EmployeeID,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "stock_adjust", "product", movement.ProductID,
		fmt.Sprintf("type=%s,qty=%d,reason=%s", movement.Type, movement.Quantity, movement.Reason))
	return movement, nil
}

// Cash register.

func (s *Service) OpenRegister(ctx context.Context, req domain.RegisterOpenRequest) (*domain.CashRegisterSession, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	session, err := s.engine.Register.Open(ctx, req.InitialAmount, actor.EmployeeID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "register_open", "cash_register", session.ID, "initial="+session.InitialAmount.String())
	return session, nil
}

func (s *Service) CurrentRegister(ctx context.Context) (*domain.CashRegisterSession, error) {
	return s.engine.Register.Current(ctx)
}

func (s *Service) ListRegisters(ctx context.Context, limit int) ([]domain.CashRegisterSession, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}
	return s.engine.Register.List(ctx, limit)
}

func (s *Service) RecordCashTransaction(ctx context.Context, registerID string, req domain.CashTransactionRequest) (*domain.CashTransaction, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	txn, err := s.engine.Register.RecordTransaction(ctx, engine.TransactionInput{
		SessionID:   strings.TrimSpace(registerID),
		Type:        req.Type,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		EmployeeID:  actor.EmployeeID,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, string(txn.Type), "cash_register", txn.CashRegisterID,
		fmt.Sprintf("amount=%s,description=%s", txn.Amount, txn.Description))
	return txn, nil
}

func (s *Service) ListCashTransactions(ctx context.Context, registerID string) ([]domain.CashTransaction, error) {
	return s.engine.Register.Transactions(ctx, strings.TrimSpace(registerID))
}

// CloseRegister closes the session and answers with its reconciliation.
func (s *Service) CloseRegister(ctx context.Context, registerID string, req domain.RegisterCloseRequest) (*domain.CashSummary, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	session, err := s.engine.Register.Close(ctx, strings.TrimSpace(registerID), req.CountedAmount)
	if err != nil {
		return nil, err
	}
	summary, err := s.engine.Reports.CashSummary(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	detail := "counted=" + req.CountedAmount.String()
	if summary.Variance != nil {
		detail += ",variance=" + summary.Variance.String()
	}
	s.audit(ctx, actor, "register_close", "cash_register", session.ID, detail)
	return summary, nil
}

func (s *Service) CashSummary(ctx context.Context, registerID string) (*domain.CashSummary, error) {
	return s.engine.Reports.CashSummary(ctx, strings.TrimSpace(registerID))
}

// Sales.

// CommitSale records a sale for the acting employee. headerKey, when set,
// wins over the idempotency key in the body.
func (s *Service) CommitSale(ctx context.Context, req domain.SaleRequest, headerKey string) (*domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	method, ok := domain.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		method = domain.PaymentMethod(req.PaymentMethod)
	}
	key := strings.TrimSpace(headerKey)
	if key == "" {
		key = req.IdempotencyKey
	}

	lines := make([]engine.CartLine, 0, len(req.Items))
	overrides := 0
	for _, item := range req.Items {
		if item.UnitPriceOverride != nil {
			if !actor.IsManager() {
				return nil, apperror.New(apperror.KindForbidden, "price override requires gestor role")
			}
			overrides++
		}
		lines = append(lines, engine.CartLine{
			ProductID:         strings.TrimSpace(item.ProductID),
			Quantity:          item.Quantity,
			UnitPriceOverride: item.UnitPriceOverride,
		})
	}

	sale, err := s.engine.Sales.CommitSale(ctx, engine.SaleInput{
		Items:          lines,
		Discount:       req.Discount,
		PaymentMethod:  method,
		AmountReceived: req.AmountReceived,
		EmployeeID:     actor.EmployeeID,
		SessionID:      strings.TrimSpace(req.RegisterID),
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	if !sale.Duplicate {
		s.audit(ctx, actor, "sale_commit", "sale", sale.ID,
			fmt.Sprintf("final=%s,payment=%s,items=%d,price_overrides=%d", sale.FinalAmount, sale.PaymentMethod, len(sale.Items), overrides))
	}
	return sale, nil
}

// ListSales returns the sales booked against one register session.
func (s *Service) ListSales(ctx context.Context, registerID string) ([]domain.Sale, error) {
	return s.engine.Sales.ListSales(ctx, strings.TrimSpace(registerID))
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.engine.Sales.GetSale(ctx, strings.TrimSpace(id))
}

// Reports.

func (s *Service) LowStock(ctx context.Context) ([]domain.Product, error) {
	return s.engine.Reports.LowStockProducts(ctx)
}

func (s *Service) StockAudit(ctx context.Context, productID string) (*domain.StockAudit, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}
	return s.engine.Reports.StockAudit(ctx, strings.TrimSpace(productID))
}

func (s *Service) SalesSummary(ctx context.Context, registerID string) (*domain.SalesSummary, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}
	return s.engine.Reports.SalesSummary(ctx, strings.TrimSpace(registerID))
}

// Employees.

func (s *Service) CreateEmployee(ctx context.Context, req domain.EmployeeCreateRequest) (*domain.Employee, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" || !strings.Contains(email, "@") {
		return nil, apperror.New(apperror.KindValidation, "name and a valid email are required")
	}
	if !req.Role.Valid() {
		return nil, apperror.Newf(apperror.KindValidation, "unknown role %q", req.Role)
	}
	if len(req.Password) < 8 {
		return nil, apperror.New(apperror.KindValidation, "password must be at least 8 characters")
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, err, "hash password")
	}

	now := s.now()
	hireDate := now
	if req.HireDate != nil {
		hireDate = req.HireDate.UTC()
	}
	employee := domain.Employee{
		ID:           xid.New("emp"),
		Name:         name,
		Email:        email,
		Phone:        strings.TrimSpace(req.Phone),
		Role:         req.Role,
		HireDate:     hireDate,
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    now,
	}
	if err := s.repo.CreateEmployee(ctx, employee); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "employee_create", "employee", employee.ID, fmt.Sprintf("email=%s,role=%s", employee.Email, employee.Role))
	return &employee, nil
}

func (s *Service) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListEmployees(ctx)
}

func (s *Service) SetEmployeeActive(ctx context.Context, id string, active bool) (*domain.Employee, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == actor.EmployeeID && !active {
		return nil, apperror.New(apperror.KindValidation, "you cannot deactivate your own account")
	}

	employee, err := s.repo.SetEmployeeActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "employee_set_active", "employee", employee.ID, fmt.Sprintf("active=%t", active))
	return employee, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
