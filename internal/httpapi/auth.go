package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
)

const tokenIssuer = "frankstein"

// EmployeeDirectory is the slice of the store the auth layer reads.
type EmployeeDirectory interface {
	GetEmployee(ctx context.Context, id string) (*domain.Employee, error)
	GetEmployeeByEmail(ctx context.Context, email string) (*domain.Employee, error)
}

type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	directory EmployeeDirectory
	now       func() time.Time
}

type frankClaims struct {
	jwtlib.RegisteredClaims
	Email string      `json:"email"`
	Role  domain.Role `json:"role"`
}

var errInvalidCredentials = apperror.New(apperror.KindUnauthorized, "invalid credentials")

func NewAuthManager(secret string, tokenTTL time.Duration, directory EmployeeDirectory) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		directory: directory,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	employee, err := a.directory.GetEmployeeByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, apperror.ErrEmployeeNotFound) {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !verifyPassword(employee.PasswordHash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !employee.Active {
		return domain.LoginResponse{}, apperror.New(apperror.KindUnauthorized, "account is inactive")
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(*employee, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, apperror.Wrap(apperror.KindInternal, err, "sign token")
	}

	return domain.LoginResponse{
		AccessToken: token,
		EmployeeID:  employee.ID,
		Role:        employee.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &frankClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, apperror.New(apperror.KindUnauthorized, "invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, apperror.New(apperror.KindUnauthorized, "invalid token subject")
	}
	return domain.Actor{EmployeeID: sub, Email: claims.Email, Role: claims.Role}, nil
}

// Authenticate parses the token and re-reads the employee, so deactivation
// and role changes take effect before the token expires.
func (a *AuthManager) Authenticate(ctx context.Context, tokenStr string) (domain.Actor, error) {
	actor, err := a.ParseToken(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	employee, err := a.directory.GetEmployee(ctx, actor.EmployeeID)
	if err != nil {
		if errors.Is(err, apperror.ErrEmployeeNotFound) {
			return domain.Actor{}, apperror.New(apperror.KindUnauthorized, "unknown employee")
		}
		return domain.Actor{}, err
	}
	if !employee.Active {
		return domain.Actor{}, apperror.New(apperror.KindUnauthorized, "account is inactive")
	}
	return domain.Actor{EmployeeID: employee.ID, Email: employee.Email, Role: employee.Role}, nil
}

func (a *AuthManager) sign(employee domain.Employee, expiresAt time.Time) (string, error) {
	claims := frankClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   employee.ID,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Email: employee.Email,
		Role:  employee.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
