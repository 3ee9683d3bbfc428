package shell

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pukassein/anatoplus/guard"
	"github.com/pukassein/anatoplus/identity"
	"github.com/pukassein/anatoplus/internal"
	"github.com/pukassein/anatoplus/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// How long auth listeners may spend claiming the session and loading the profile.
var AuthListenerTimeout = 10 * time.Second

// ProfileLoader loads the profile row for a user. A nil profile with a nil error means the user has
// no profile yet.
type ProfileLoader interface {
	Profile(ctx context.Context, userID string) (*state.Profile, error)
}

// User is the signed in user as the client sees them.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
	PlanID   string `json:"plan_id,omitempty"`
}

// Shell is the composition root for one device: it owns the device's identity provider and
// session guard, and drives the guard from auth state changes.
type Shell struct {
	provider *identity.Provider
	guard    *guard.Guard
	profiles ProfileLoader

	mu            *sync.Mutex
	user          *User
	stopListening func()
}

func NewShell(provider *identity.Provider, g *guard.Guard, profiles ProfileLoader) *Shell {
	s := &Shell{
		provider: provider,
		guard:    g,
		profiles: profiles,
		mu:       &sync.Mutex{},
	}
	s.stopListening = provider.OnAuthStateChange(s.onAuthStateChange)
	return s
}

// DeviceID identifies this device to the HTTP API. It is the guard's device token.
func (s *Shell) DeviceID() string {
	return s.guard.Token()
}

func (s *Shell) Guard() *guard.Guard {
	return s.guard
}

// User returns the signed in user, or nil.
func (s *Shell) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// UserID returns the ID of the signed in user, or "".
func (s *Shell) UserID() string {
	if u := s.User(); u != nil {
		return u.ID
	}
	return ""
}

func (s *Shell) SignIn(ctx context.Context, accessToken string) (*User, error) {
	if _, err := s.provider.SignIn(ctx, accessToken); err != nil {
		return nil, err
	}
	return s.User(), nil
}

func (s *Shell) Refresh(ctx context.Context, accessToken string) (*User, error) {
	if _, err := s.provider.Refresh(ctx, accessToken); err != nil {
		return nil, err
	}
	return s.User(), nil
}

func (s *Shell) Reclaim(ctx context.Context) error {
	return s.guard.Reclaim(ctx)
}

func (s *Shell) SignOut() {
	s.provider.SignOut()
}

// Teardown signs out and stops listening to the identity provider. The shell cannot be used again.
func (s *Shell) Teardown() {
	s.provider.SignOut()
	s.stopListening()
	s.guard.Teardown()
}

func (s *Shell) onAuthStateChange(ev identity.AuthEvent, session *identity.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), AuthListenerTimeout)
	defer cancel()
	switch ev {
	case identity.EventSignedIn:
		ctx, span := internal.StartSpan(ctx, "Shell.SignedIn")
		defer span.End()
		// Initialize tears down any previous login on this device itself
		if _, err := s.guard.Initialize(ctx, session.UserID); err != nil {
			logger.Err(err).Str("device", s.DeviceID()).Msg("failed to initialise session guard")
		}
		s.setUser(s.loadUser(ctx, session))
	case identity.EventTokenRefreshed:
		// same user, so the claim stands. Only the profile may have changed.
		s.setUser(s.loadUser(ctx, session))
	case identity.EventSignedOut:
		s.guard.Teardown()
		s.setUser(nil)
	}
}

func (s *Shell) setUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// loadUser builds the user from the session and their profile row. Profiles may not exist yet, or
// fail to load: the user is still signed in, as a student with no plan.
func (s *Shell) loadUser(ctx context.Context, session *identity.Session) *User {
	u := &User{
		ID:    session.UserID,
		Email: session.Email,
		Role:  state.RoleStudent,
	}
	p, err := s.profiles.Profile(ctx, session.UserID)
	if err != nil {
		logger.Err(err).Str("user", session.UserID).Msg("failed to load profile")
		internal.CaptureWithUser(ctx, session.UserID, fmt.Errorf("load profile: %w", err))
	}
	if p != nil {
		u.Name = p.FullName
		if p.Role == state.RoleAdmin {
			u.Role = state.RoleAdmin
		}
		u.IsActive = p.IsActive
		if p.PlanID.Valid {
			u.PlanID = p.PlanID.String
		}
	}
	if u.Name == "" {
		u.Name = session.EmailLocalPart()
	}
	return u
}
