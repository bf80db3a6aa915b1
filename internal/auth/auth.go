package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/glamlocks/storefront/internal/api"
	"github.com/glamlocks/storefront/internal/events"
	"github.com/glamlocks/storefront/internal/storage"
	"github.com/glamlocks/storefront/pkg/logger"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// User is the backend's user snapshot, cached locally for display.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// CartMerger folds the guest cart into the user cart after login.
type CartMerger interface {
	MergeGuestCartOnLogin(ctx context.Context) error
}

// Service is the identity client: login, registration, logout, and the
// locally persisted token + user snapshot.
type Service struct {
	api    *api.Client
	store  storage.Store
	bus    *events.Bus
	merger CartMerger
}

// NewService creates an auth service. merger may be nil in tests.
func NewService(apiClient *api.Client, store storage.Store, bus *events.Bus, merger CartMerger) *Service {
	return &Service{api: apiClient, store: store, bus: bus, merger: merger}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterInput carries the registration form fields.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login authenticates and, on success, stores the credentials and
// merges the guest cart exactly once for this login event.
func (s *Service) Login(ctx context.Context, email, password string) (*User, error) {
	var resp authResponse
	err := s.api.Post(ctx, "auth:login", "/auth/login", credentialsRequest{Email: email, Password: password}, &resp)
	if err != nil {
		logger.Warn("Login failed", map[string]interface{}{
			"email": email,
			"error": err.Error(),
		})
		return nil, err
	}
	return s.completeLogin(ctx, resp)
}

// Register creates an account; a successful registration behaves like
// a login, guest-cart merge included.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*User, error) {
	var resp authResponse
	if err := s.api.Post(ctx, "auth:register", "/auth/register", input, &resp); err != nil {
		return nil, err
	}
	return s.completeLogin(ctx, resp)
}

func (s *Service) completeLogin(ctx context.Context, resp authResponse) (*User, error) {
	if err := s.storeCredentials(resp.Token, resp.User); err != nil {
		logger.Warn("Credentials not persisted, session is volatile", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("User logged in", map[string]interface{}{
		"user_id": resp.User.ID,
	})
	if s.bus != nil {
		s.bus.Publish(events.AuthChanged, &resp.User)
	}

	// Merge is ordered strictly after the login response and before
	// any subsequent cart read. Its failure does not fail the login.
	if s.merger != nil {
		if err := s.merger.MergeGuestCartOnLogin(ctx); err != nil {
			logger.Warn("Guest cart merge after login failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	user := resp.User
	return &user, nil
}

// Logout tells the backend (best-effort) and clears local credentials.
func (s *Service) Logout(ctx context.Context) {
	if err := s.api.Post(ctx, "auth:logout", "/auth/logout", nil, nil); err != nil {
		logger.Warn("Backend logout failed, clearing local session anyway", map[string]interface{}{
			"error": err.Error(),
		})
	}
	s.ClearCredentials()
}

// FetchCurrentUser refreshes the cached user snapshot from the backend.
func (s *Service) FetchCurrentUser(ctx context.Context) (*User, error) {
	if s.Token() == "" {
		return nil, ErrNotAuthenticated
	}
	var user User
	if err := s.api.Get(ctx, "auth:user", "/auth/user", &user); err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(user); err == nil {
		_ = s.store.Set(storage.KeyUser, raw)
	}
	return &user, nil
}

// CurrentUser returns the locally cached user snapshot, nil when
// logged out.
func (s *Service) CurrentUser() *User {
	raw, err := s.store.Get(storage.KeyUser)
	if err != nil {
		return nil
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil
	}
	return &user
}

// Token returns the stored bearer token, empty when logged out.
func (s *Service) Token() string {
	raw, err := s.store.Get(storage.KeyToken)
	if err != nil {
		return ""
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return ""
	}
	return token
}

// IsAuthenticated reports whether a usable (present, unexpired) token
// is stored.
func (s *Service) IsAuthenticated() bool {
	token := s.Token()
	return token != "" && !tokenExpired(token)
}

// ClearCredentials drops the stored token and user snapshot. Also used
// as the request layer's 401 hook; it never navigates.
func (s *Service) ClearCredentials() {
	_ = s.store.Delete(storage.KeyToken)
	_ = s.store.Delete(storage.KeyUser)
	logger.Info("Stored credentials cleared", nil)
	if s.bus != nil {
		s.bus.Publish(events.AuthChanged, (*User)(nil))
	}
}

func (s *Service) storeCredentials(token string, user User) error {
	rawToken, err := json.Marshal(token)
	if err != nil {
		return err
	}
	if err := s.store.Set(storage.KeyToken, rawToken); err != nil {
		return err
	}
	rawUser, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.store.Set(storage.KeyUser, rawUser)
}

// tokenExpired inspects the token's exp claim without verifying the
// signature; verification is the backend's job. Tokens that do not
// parse as JWTs are treated as opaque and assumed valid.
func tokenExpired(token string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
