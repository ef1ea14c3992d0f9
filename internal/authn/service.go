package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"accesscore.org/internal/audit"
	"accesscore.org/internal/obs"
	"accesscore.org/internal/rbac"
	"accesscore.org/internal/store"
)

const (
	defaultTokenTTL = 15 * time.Minute
	defaultIssuer   = "accesscore"

	minPasswordLength = 8
)

var (
	ErrInvalidCredentials = errors.New("authn: invalid credentials")
	ErrUserDisabled       = errors.New("authn: user is disabled")
	ErrInvalidToken       = errors.New("authn: invalid token")
	ErrWeakPassword       = fmt.Errorf("authn: password must be at least %d characters", minPasswordLength)
)

// Claims is the verified JWT payload. Roles and permission names are
// resolved at issue time; long-lived callers must re-check against the
// authorization service rather than trust a stale token.
type Claims struct {
	Username    string   `json:"username"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Service handles account registration, credential verification and token
// issuance.
type Service struct {
	store    store.Store
	rbac     *rbac.Service
	recorder *audit.Recorder
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithTokenTTL configures access token lifetime.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
		return nil
	}
}

// WithRecorder attaches an audit recorder for login and account events.
func WithRecorder(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.recorder = r
		return nil
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the authentication service. The signing secret is
// required.
func NewService(st store.Store, authz *rbac.Service, secret string, opts ...ServiceOption) (*Service, error) {
	if st == nil {
		return nil, errors.New("authn: store is required")
	}
	if authz == nil {
		return nil, errors.New("authn: rbac service is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("authn: signing secret is required")
	}
	s := &Service{
		store:    st,
		rbac:     authz,
		secret:   []byte(secret),
		issuer:   defaultIssuer,
		tokenTTL: defaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register creates an active account with a hashed password.
func (s *Service) Register(ctx context.Context, username, email, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || email == "" {
		return store.User{}, fmt.Errorf("%w: username and email are required", rbac.ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return store.User{}, ErrWeakPassword
	}
	hash, err := HashPassword(password)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.store.Users(ctx).Create(ctx, &user); err != nil {
		return store.User{}, err
	}
	s.record(ctx, user, "register", nil, true, nil)
	return user, nil
}

// Login verifies credentials and issues a signed token. Disabled accounts
// are rejected after the password check so the two failures are not
// distinguishable by timing.
func (s *Service) Login(ctx context.Context, username, password string) (string, store.User, error) {
	user, err := s.store.Users(ctx).FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			obs.IncLogin("unknown_user")
			return "", store.User{}, ErrInvalidCredentials
		}
		return "", store.User{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		obs.IncLogin("bad_password")
		s.record(ctx, user, "login", nil, false, ErrInvalidCredentials)
		return "", store.User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		obs.IncLogin("disabled")
		s.record(ctx, user, "login", nil, false, ErrUserDisabled)
		return "", store.User{}, ErrUserDisabled
	}

	token, err := s.GenerateToken(ctx, user)
	if err != nil {
		return "", store.User{}, err
	}

	now := s.now().UTC()
	user, err = s.store.Users(ctx).Update(ctx, user.ID, store.UserUpdate{LastLoginAt: &now})
	if err != nil {
		return "", store.User{}, err
	}
	obs.IncLogin("ok")
	s.record(ctx, user, "login", nil, true, nil)
	return token, user, nil
}

// GenerateToken signs a token carrying the user's roles and effective
// permission names.
func (s *Service) GenerateToken(ctx context.Context, user store.User) (string, error) {
	roles, err := s.rbac.UserRoles(ctx, user.ID)
	if err != nil {
		return "", err
	}
	roleNames := make([]string, 0, len(roles))
	for _, r := range roles {
		roleNames = append(roleNames, r.Name)
	}
	perms, err := s.rbac.EffectivePermissions(ctx, user.ID)
	if err != nil {
		return "", err
	}
	permNames := make([]string, 0, len(perms))
	for _, p := range perms {
		permNames = append(permNames, p.Name)
	}

	now := s.now().UTC()
	claims := Claims{
		Username:    user.Username,
		Roles:       roleNames,
		Permissions: permNames,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseAndValidate verifies the signature and expiry and returns the claims.
func (s *Service) ParseAndValidate(ctx context.Context, tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// ChangePassword verifies the current password before setting a new one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		s.record(ctx, user, "change_password", nil, false, ErrInvalidCredentials)
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if _, err := s.store.Users(ctx).Update(ctx, userID, store.UserUpdate{PasswordHash: &hash}); err != nil {
		return err
	}
	s.record(ctx, user, "change_password", nil, true, nil)
	return nil
}

// ResetPassword sets a new password without checking the old one. Restricted
// to administrative callers by the transport layer.
func (s *Service) ResetPassword(ctx context.Context, userID, next string) error {
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if _, err := s.store.Users(ctx).Update(ctx, userID, store.UserUpdate{PasswordHash: &hash}); err != nil {
		return err
	}
	s.record(ctx, user, "reset_password", nil, true, nil)
	return nil
}

// SetActive enables or disables an account. Disabled accounts keep their
// role assignments but cannot log in.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) (store.User, error) {
	user, err := s.store.Users(ctx).Update(ctx, userID, store.UserUpdate{IsActive: &active})
	if err != nil {
		return store.User{}, err
	}
	action := "deactivate"
	if active {
		action = "activate"
	}
	s.record(ctx, user, action, nil, true, nil)
	return user, nil
}

func (s *Service) record(ctx context.Context, user store.User, action string, details store.Details, success bool, opErr error) {
	if s.recorder == nil {
		return
	}
	actor := audit.Actor{ID: user.ID, Username: user.Username}
	if success {
		s.recorder.Success(ctx, actor, action, "auth", "", details)
		return
	}
	s.recorder.Failure(ctx, actor, action, "auth", "", opErr, details)
}
