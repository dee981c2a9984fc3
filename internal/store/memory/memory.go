package memory

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
)

// Store keeps every aggregate in maps behind one RWMutex. WithinTx holds the
// write lock for the whole callback, which makes each unit serializable; an
// undo journal restores the maps when the callback fails.
type Store struct {
	mu sync.RWMutex

	products        map[string]domain.Product
	movements       map[string][]domain.StockMovement
	sessions        map[string]domain.CashRegisterSession
	sessionOrder    []string
	openSessionID   string
	cashTxns        map[string][]domain.CashTransaction
	sales           map[string]domain.Sale
	salesBySession  map[string][]string
	salesByIdemKey  map[string]string
	employees       map[string]domain.Employee
	employeeByEmail map[string]string
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		movements:       make(map[string][]domain.StockMovement),
		sessions:        make(map[string]domain.CashRegisterSession),
		cashTxns:        make(map[string][]domain.CashTransaction),
		sales:           make(map[string]domain.Sale),
		salesBySession:  make(map[string][]string),
		salesByIdemKey:  make(map[string]string),
		employees:       make(map[string]domain.Employee),
		employeeByEmail: make(map[string]string),
	}
}

const (
	SeedManagerID = "emp-seed-gestor"
	SeedStaffID   = "emp-seed-funcionario"
)

// NewSeeded returns a store with a small beverage catalog and two accounts
// for local runs. Passwords come from FRANKSTEIN_SEED_MANAGER_PASSWORD and
// FRANKSTEIN_SEED_STAFF_PASSWORD, falling back to dev defaults.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	managerPwd := envOr("FRANKSTEIN_SEED_MANAGER_PASSWORD", "gestor123")
	staffPwd := envOr("FRANKSTEIN_SEED_STAFF_PASSWORD", "funcionario123")
	if os.Getenv("FRANKSTEIN_SEED_MANAGER_PASSWORD") == "" || os.Getenv("FRANKSTEIN_SEED_STAFF_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials")
	}

	for _, seed := range []struct {
		id, name, email, password string
		role                      domain.Role
	}{
		{SeedManagerID, "Gestor Frankstein", "gestor@frankstein.local", managerPwd, domain.RoleManager},
		{SeedStaffID, "Caixa Frankstein", "caixa@frankstein.local", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("email", seed.email).Msg("hash seed password")
		}
		s.employees[seed.id] = domain.Employee{
			ID:           seed.id,
			Name:         seed.name,
			Email:        seed.email,
			Role:         seed.role,
			HireDate:     now,
			Active:       true,
			PasswordHash: string(hash),
			CreatedAt:    now,
		}
		s.employeeByEmail[seed.email] = seed.id
	}

	catalog := []struct {
		id, name, category, volume string
		price, cost                int64
		stock, min                 int
	}{
		{"prod-cerveja-lata", "Cerveja Pilsen Lata", "cervejas", "350ml", 499, 310, 240, 48},
		{"prod-cerveja-long", "Cerveja Puro Malte Long Neck", "cervejas", "355ml", 699, 420, 96, 24},
		{"prod-refri-2l", "Refrigerante Cola", "refrigerantes", "2L", 1099, 720, 36, 12},
		{"prod-agua-500", "Água Mineral sem Gás", "águas", "500ml", 250, 90, 120, 30},
		{"prod-energetico", "Energético", "energéticos", "250ml", 899, 560, 10, 12},
		{"prod-vodka-1l", "Vodka Nacional", "destilados", "1L", 3990, 2450, 8, 4},
		{"prod-gelo-5kg", "Gelo em Cubos", "conveniência", "5kg", 1500, 700, 5, 5},
	}
	for _, c := range catalog {
		s.products[c.id] = domain.Product{
			ID:               c.id,
			Name:             c.name,
			Category:         c.category,
			Price:            money.FromCents(c.price),
			Cost:             money.FromCents(c.cost),
			StockQuantity:    c.stock,
			MinStockQuantity: c.min,
			Volume:           c.volume,
			Active:           true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.movements[c.id] = []domain.StockMovement{{
			ID:         "mov-seed-" + strings.TrimPrefix(c.id, "prod-"),
			ProductID:  c.id,
			Type:       domain.MovementIn,
			Quantity:   c.stock,
			Reason:     domain.ReasonInitialStock,
			EmployeeID: SeedManagerID,
			CreatedAt:  now,
		}}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.KindPersistenceTimeout, err, "memory store")
	}
	return err
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	err := fn(ctx, tx)
	if err != nil {
		tx.rollback()
	}
	tx.closed = true
	return err
}

// Reads.

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, apperror.Newf(apperror.KindProductNotFound, "product %s not found", id)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, apperror.Newf(apperror.KindProductNotFound, "product %s not found", productID)
	}
	return slices.Clone(s.movements[productID]), nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CashRegisterSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, apperror.Newf(apperror.KindSessionNotFound, "session %s not found", id)
	}
	return cloneSession(session), nil
}

func (s *Store) GetOpenSession(ctx context.Context) (*domain.CashRegisterSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.openSessionID == "" {
		return nil, nil
	}
	return cloneSession(s.sessions[s.openSessionID]), nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]domain.CashRegisterSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = len(s.sessionOrder)
	}
	out := make([]domain.CashRegisterSession, 0, min(limit, len(s.sessionOrder)))
	for i := len(s.sessionOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *cloneSession(s.sessions[s.sessionOrder[i]]))
	}
	return out, nil
}

func (s *Store) ListCashTransactions(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, apperror.Newf(apperror.KindSessionNotFound, "session %s not found", sessionID)
	}
	return slices.Clone(s.cashTxns[sessionID]), nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, apperror.Newf(apperror.KindSaleNotFound, "sale %s not found", id)
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(ctx context.Context, sessionID string) ([]domain.Sale, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.salesBySession[sessionID]
	out := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneSale(s.sales[id]))
	}
	return out, nil
}

func (s *Store) GetEmployee(ctx context.Context, id string) (*domain.Employee, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.employees[id]
	if !ok {
		return nil, apperror.Newf(apperror.KindEmployeeNotFound, "employee %s not found", id)
	}
	return &e, nil
}

func (s *Store) GetEmployeeByEmail(ctx context.Context, email string) (*domain.Employee, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.employeeByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, apperror.New(apperror.KindEmployeeNotFound, "employee not found")
	}
	e := s.employees[id]
	return &e, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Employee, 0, len(s.employees))
	for _, e := range s.employees {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b domain.Employee) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Catalog and staff writes.

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertProduct(product)
}

// insertProduct requires s.mu held for writing.
func (s *Store) insertProduct(product domain.Product) error {
	if _, exists := s.products[product.ID]; exists {
		return apperror.Newf(apperror.KindAlreadyExists, "product %s already exists", product.ID)
	}
	if product.Barcode != "" {
		for _, p := range s.products {
			if p.Barcode == product.Barcode {
				return apperror.Newf(apperror.KindAlreadyExists, "barcode %s already registered", product.Barcode)
			}
		}
	}
	product.StockQuantity = 0
	s.products[product.ID] = product
	return nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[product.ID]
	if !ok {
		return apperror.Newf(apperror.KindProductNotFound, "product %s not found", product.ID)
	}
	if product.Barcode != "" {
		for id, p := range s.products {
			if id != product.ID && p.Barcode == product.Barcode {
				return apperror.Newf(apperror.KindAlreadyExists, "barcode %s already registered", product.Barcode)
			}
		}
	}
	product.StockQuantity = current.StockQuantity
	product.CreatedAt = current.CreatedAt
	s.products[product.ID] = product
	return nil
}

func (s *Store) CreateEmployee(ctx context.Context, employee domain.Employee) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(employee.Email))
	if _, exists := s.employeeByEmail[email]; exists {
		return apperror.Newf(apperror.KindAlreadyExists, "email %s already registered", email)
	}
	if _, exists := s.employees[employee.ID]; exists {
		return apperror.Newf(apperror.KindAlreadyExists, "employee %s already exists", employee.ID)
	}
	employee.Email = email
	s.employees[employee.ID] = employee
	s.employeeByEmail[email] = employee.ID
	return nil
}

func (s *Store) SetEmployeeActive(ctx context.Context, id string, active bool) (*domain.Employee, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.employees[id]
	if !ok {
		return nil, apperror.Newf(apperror.KindEmployeeNotFound, "employee %s not found", id)
	}
	e.Active = active
	s.employees[id] = e
	return &e, nil
}

func cloneSession(session domain.CashRegisterSession) *domain.CashRegisterSession {
	out := session
	if session.ClosedAt != nil {
		closedAt := *session.ClosedAt
		out.ClosedAt = &closedAt
	}
	if session.FinalAmount != nil {
		final := *session.FinalAmount
		out.FinalAmount = &final
	}
	return &out
}

func cloneSale(sale domain.Sale) *domain.Sale {
	out := sale
	out.Items = slices.Clone(sale.Items)
	if sale.AmountReceived != nil {
		received := *sale.AmountReceived
		out.AmountReceived = &received
	}
	if sale.ChangeAmount != nil {
		change := *sale.ChangeAmount
		out.ChangeAmount = &change
	}
	return &out
}
