package identity

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrUnauthorised is returned when an access token is missing, malformed, expired or revoked.
var ErrUnauthorised = errors.New("unauthorised")

// Session is an authenticated user.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
}

// EmailLocalPart returns the part of the email before the @, used as a display name fallback.
func (s *Session) EmailLocalPart() string {
	local, _, _ := strings.Cut(s.Email, "@")
	return local
}

// Verifier turns an access token into a Session.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (*Session, error)
}

type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// Provider tracks the signed in session of a single client and tells listeners when it changes.
// A Provider is explicitly constructed and passed to whatever needs it: there is no global client.
type Provider struct {
	verifier Verifier

	mu        *sync.Mutex
	session   *Session
	listeners map[int]func(ev AuthEvent, s *Session)
	nextID    int
}

func NewProvider(v Verifier) *Provider {
	return &Provider{
		verifier:  v,
		mu:        &sync.Mutex{},
		listeners: make(map[int]func(ev AuthEvent, s *Session)),
	}
}

// GetCurrentSession returns the signed in session, or nil.
func (p *Provider) GetCurrentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// OnAuthStateChange registers fn to be called on sign in, sign out and token refresh. Listeners
// are called synchronously, in registration order, on the goroutine which changed the state.
// Call the returned function to stop listening.
func (p *Provider) OnAuthStateChange(fn func(ev AuthEvent, s *Session)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// SignIn verifies the access token and makes it the current session.
func (p *Provider) SignIn(ctx context.Context, accessToken string) (*Session, error) {
	s, err := p.verifier.Verify(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	p.setSession(EventSignedIn, s)
	return s, nil
}

// Refresh swaps in a new access token. If the new token belongs to a different user this is
// treated as a sign in, so listeners re-run their login logic.
func (p *Provider) Refresh(ctx context.Context, accessToken string) (*Session, error) {
	s, err := p.verifier.Verify(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	ev := EventTokenRefreshed
	if prev := p.GetCurrentSession(); prev == nil || prev.UserID != s.UserID {
		ev = EventSignedIn
	}
	p.setSession(ev, s)
	return s, nil
}

// SignOut clears the current session. Signing out when nobody is signed in does nothing.
func (p *Provider) SignOut() {
	if p.GetCurrentSession() == nil {
		return
	}
	p.setSession(EventSignedOut, nil)
}

func (p *Provider) setSession(ev AuthEvent, s *Session) {
	p.mu.Lock()
	p.session = s
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	listeners := make([]func(ev AuthEvent, s *Session), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, p.listeners[id])
	}
	p.mu.Unlock()

	l := logger.Debug().Str("event", string(ev))
	if s != nil {
		l = l.Str("user", s.UserID)
	}
	l.Msg("auth state change")
	for _, fn := range listeners {
		fn(ev, s)
	}
}
