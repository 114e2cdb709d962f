package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"khubot/internal/api"
	"khubot/internal/credential"
)

// User is the authenticated account
type User struct {
	DisplayName     string  `json:"display_name"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// Transport is the subset of the API client the session needs
type Transport interface {
	Authenticate(ctx context.Context, username, password string) (api.LoginResult, error)
	FetchConversation(ctx context.Context) (api.ChatList, error)
}

// Store owns the credential and the user derived from it
type Store struct {
	transport Transport
	jar       *credential.Jar
	logger    *slog.Logger

	mu   sync.RWMutex
	user *User
}

// NewStore creates a session store
func NewStore(transport Transport, jar *credential.Jar, logger *slog.Logger) *Store {
	return &Store{transport: transport, jar: jar, logger: logger}
}

// UserFromProfile builds a User from the profile returned by the API
func UserFromProfile(p api.Profile) User {
	return User{
		DisplayName:     strings.TrimSpace(p.FirstName + " " + p.LastName),
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		UsagePercentage: clampUsage(p.UsagePercent),
	}
}

// Restore rebuilds the session from a stored credential. It makes no remote
// call unless the credential is present and unexpired.
func (s *Store) Restore(ctx context.Context) error {
	_, claims, ok := s.jar.Token(ctx)
	if !ok {
		s.Logout(ctx)
		return nil
	}
	s.logger.Info("restoring session", "user_id", claims.UserID)

	list, err := s.transport.FetchConversation(ctx)
	if err != nil {
		s.logger.Warn("failed to restore session", "error", err)
		s.Logout(ctx)
		return err
	}

	s.setUser(UserFromProfile(list.Profile))
	return nil
}

// Login exchanges credentials for a token, persists it and loads the profile
func (s *Store) Login(ctx context.Context, username, password string) error {
	res, err := s.transport.Authenticate(ctx, username, password)
	if err != nil {
		s.logger.Warn("login failed", "username", username, "error", err)
		return err
	}

	expires := s.jar.Now().AddDate(0, 0, res.ExpiresInDays)
	if err := s.jar.Save(ctx, res.Token, expires); err != nil {
		return api.NewError(api.KindUnknown, "", fmt.Errorf("failed to persist credential: %w", err))
	}

	// the token must itself be valid before a user may be populated
	if _, _, ok := s.jar.Token(ctx); !ok {
		s.logger.Warn("login returned an unusable token", "username", username)
		return api.NewError(api.KindAuthentication, "", fmt.Errorf("issued token is expired or malformed"))
	}

	list, err := s.transport.FetchConversation(ctx)
	if err != nil {
		s.logger.Warn("failed to fetch profile after login", "username", username, "error", err)
		s.Logout(ctx)
		return api.NewError(api.KindAuthentication, api.UserMessage(err), err)
	}

	user := UserFromProfile(list.Profile)
	s.setUser(user)
	s.logger.Info("logged in", "username", username, "usage", user.UsagePercentage)
	return nil
}

// Logout clears the credential and the user. Safe to call repeatedly.
func (s *Store) Logout(ctx context.Context) {
	s.jar.Clear(ctx)

	s.mu.Lock()
	hadUser := s.user != nil
	s.user = nil
	s.mu.Unlock()

	if hadUser {
		s.logger.Info("logged out")
	}
}

// UpdateUsage replaces the usage percentage. No-op when logged out.
func (s *Store) UpdateUsage(percentage float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return
	}
	u := *s.user
	u.UsagePercentage = clampUsage(percentage)
	s.user = &u
}

// User returns a copy of the current user
func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// IsAuthenticated reports whether a user is loaded
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// Forget drops the in-memory user without touching the credential. The API
// client has already cleared the credential when this is called from its
// unauthorized hook.
func (s *Store) Forget() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
}

// ExpiresAt returns when the current credential expires
func (s *Store) ExpiresAt(ctx context.Context) (time.Time, bool) {
	_, claims, ok := s.jar.Token(ctx)
	if !ok {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (s *Store) setUser(u User) {
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
}

func clampUsage(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
