package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/go-authgate/chat-cli/session"
)

const defaultUserName = "User"

// Endpoints holds the authentication service paths.
type Endpoints struct {
	Login                string
	Register             string
	Refresh              string
	Status               string
	Logout               string
	PasswordReset        string
	PasswordResetConfirm string
}

// DefaultEndpoints returns the paths served by the authentication service.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:                "/auth/login/",
		Register:             "/auth/register/",
		Refresh:              "/auth/token/refresh/",
		Status:               "/auth/status/",
		Logout:               "/auth/logout/",
		PasswordReset:        "/password-reset/",
		PasswordResetConfirm: "/password-reset-confirm/",
	}
}

// User is the signed-in account.
type User struct {
	ID    string
	Email string
	Name  string
}

// AuthStatus is the result of a status check.
type AuthStatus struct {
	Authenticated bool
	User          *User
}

// AuthService talks to the authentication service.
type AuthService struct {
	client    *Client
	endpoints Endpoints
	logger    zerolog.Logger
}

// NewAuthService creates an AuthService on top of c, which must point at the
// authentication service.
func NewAuthService(c *Client, endpoints Endpoints) *AuthService {
	return &AuthService{
		client:    c,
		endpoints: endpoints,
		logger:    c.logger,
	}
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       any    `json:"user_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
}

// Login authenticates with email and password and stores the issued tokens,
// durably when remember is set and for the process lifetime otherwise.
func (s *AuthService) Login(ctx context.Context, email, password string, remember bool) (*User, error) {
	var resp loginResponse
	err := s.client.DoJSON(ctx, &Request{
		Method: http.MethodPost,
		Path:   s.endpoints.Login,
		Body:   loginRequest{Email: email, Password: password, RememberMe: remember},
		Public: true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if err := validateTokenResponse(resp.AccessToken, "", 0); err != nil {
		return nil, fmt.Errorf("invalid login response: %w", err)
	}

	persistence := session.Ephemeral
	if remember {
		persistence = session.Durable
	}
	s.client.store.Set(ctx, resp.AccessToken, resp.RefreshToken, persistence)

	user := &User{
		ID:    formatID(resp.UserID),
		Email: resp.Email,
		Name:  resp.Name,
	}
	if user.Email == "" {
		user.Email = email
	}
	if user.Name == "" {
		user.Name = defaultUserName
	}

	s.logger.Debug().Str("user_id", user.ID).Stringer("persistence", persistence).Msg("logged in")
	return user, nil
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new account. It does not sign in.
func (s *AuthService) Register(ctx context.Context, name, email, password string) error {
	err := s.client.DoJSON(ctx, &Request{
		Method: http.MethodPost,
		Path:   s.endpoints.Register,
		Body:   registerRequest{Name: name, Email: email, Password: password},
		Public: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	return nil
}

type statusResponse struct {
	Authenticated bool `json:"authenticated"`
	User          *struct {
		ID    any    `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"user"`
}

// Status asks the authentication service whether the stored session is
// valid. Without a stored session it reports unauthenticated without a
// network call. An expired session is reported as unauthenticated.
func (s *AuthService) Status(ctx context.Context) (*AuthStatus, error) {
	if _, ok := s.client.store.Session(ctx); !ok {
		return &AuthStatus{}, nil
	}

	var resp statusResponse
	err := s.client.DoJSON(ctx, &Request{
		Method: http.MethodGet,
		Path:   s.endpoints.Status,
	}, &resp)
	if errors.Is(err, ErrSessionExpired) {
		return &AuthStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("status check failed: %w", err)
	}

	status := &AuthStatus{Authenticated: resp.Authenticated}
	if resp.User != nil {
		status.User = &User{
			ID:    formatID(resp.User.ID),
			Email: resp.User.Email,
			Name:  resp.User.Name,
		}
		if status.User.Name == "" {
			status.User.Name = defaultUserName
		}
	}
	return status, nil
}

// Logout revokes the refresh token on the server and clears the local
// session. The local session is cleared even when the server call fails;
// that failure is returned for reporting only.
func (s *AuthService) Logout(ctx context.Context) error {
	defer s.client.store.Clear(context.WithoutCancel(ctx))

	refresh, ok := s.client.store.RefreshToken(ctx)
	if !ok {
		return nil
	}

	err := s.client.DoJSON(ctx, &Request{
		Method: http.MethodPost,
		Path:   s.endpoints.Logout,
		Body:   map[string]string{"refresh_token": refresh},
	}, nil)
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		s.logger.Warn().Err(err).Msg("server logout failed")
		return fmt.Errorf("server logout failed: %w", err)
	}
	return nil
}

// RequestPasswordReset asks the service to send a reset link to email.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	err := s.client.DoJSON(ctx, &Request{
		Method: http.MethodPost,
		Path:   s.endpoints.PasswordReset,
		Body:   map[string]string{"email": email},
		Public: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("password reset request failed: %w", err)
	}
	return nil
}

// ConfirmPasswordReset sets a new password using the uid and token from the
// reset link.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, uid, token, newPassword string) error {
	err := s.client.DoJSON(ctx, &Request{
		Method: http.MethodPost,
		Path:   s.endpoints.PasswordResetConfirm,
		Body: map[string]string{
			"uid":          uid,
			"token":        token,
			"new_password": newPassword,
		},
		Public: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("password reset failed: %w", err)
	}
	return nil
}

// formatID renders a JSON id that may be a number or a string.
func formatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}
