// Package authpw provides email/password accounts with email verification
// and password reset.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"realmforge/api/internal/auth"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const (
	PurposeVerifyEmail   = "verify_email"
	PurposeResetPassword = "reset_password"

	minPasswordLength = 8
	verificationTTL   = 24 * time.Hour
	resetTTL          = time.Hour
)

var (
	ErrMissingFields      = errors.New("email and password are required")
	ErrInvalidEmail       = errors.New("email address is invalid")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the persistence the account flows need. Tokens are stored
// hashed; ConsumeAuthToken must fail for unknown, used or expired tokens.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateAccount(ctx context.Context, user store.User, workspaceName string) error
	SaveAuthToken(ctx context.Context, tokenHash, userID, purpose string, expiresAt time.Time) error
	ConsumeAuthToken(ctx context.Context, tokenHash, purpose string) (string, error)
	MarkEmailVerified(ctx context.Context, userID string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
}

type Service struct {
	store UserStore
	cost  int
	now   func() time.Time
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost, now: time.Now}
}

type SignUpRequest struct {
	Email    string
	Password string
	FullName string
}

type SignUpResponse struct {
	UserID            string
	VerificationToken string
}

// SignUp creates the account together with the user's personal workspace.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	fullName := strings.TrimSpace(req.FullName)
	if fullName == "" {
		fullName = strings.SplitN(email, "@", 2)[0]
	}

	user := store.User{
		ID:           util.NewID(),
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateAccount(ctx, user, fullName+"'s Workspace"); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	token := util.NewToken(32)
	if err := s.store.SaveAuthToken(ctx, auth.HashToken(token), user.ID, PurposeVerifyEmail, s.now().Add(verificationTTL)); err != nil {
		return nil, fmt.Errorf("save verification token: %w", err)
	}

	return &SignUpResponse{UserID: user.ID, VerificationToken: token}, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

type SignInResponse struct {
	User           store.User
	RequiresVerify bool
}

// SignIn checks the password before the verification flag so an unverified
// account never leaks through a wrong password.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrMissingFields
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &SignInResponse{User: user, RequiresVerify: !user.EmailVerified}, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	userID, err := s.store.ConsumeAuthToken(ctx, auth.HashToken(token), PurposeVerifyEmail)
	if err != nil {
		return ErrInvalidToken
	}
	if err := s.store.MarkEmailVerified(ctx, userID); err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

// RequestPasswordReset returns an empty token, and no error, for unknown
// addresses.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", nil
	}

	token := util.NewToken(32)
	if err := s.store.SaveAuthToken(ctx, auth.HashToken(token), user.ID, PurposeResetPassword, s.now().Add(resetTTL)); err != nil {
		return "", fmt.Errorf("save reset token: %w", err)
	}
	return token, nil
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if strings.TrimSpace(req.Token) == "" || req.NewPassword == "" {
		return ErrMissingFields
	}
	if len(req.NewPassword) < minPasswordLength {
		return ErrWeakPassword
	}

	userID, err := s.store.ConsumeAuthToken(ctx, auth.HashToken(strings.TrimSpace(req.Token)), PurposeResetPassword)
	if err != nil {
		return ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
