package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pukassein/anatoplus/internal"
	"github.com/pukassein/anatoplus/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrNotInitialized is returned by Reclaim when the guard is not tracking a user.
var ErrNotInitialized = errors.New("session guard is not initialised")

// The profile column holding the session claim.
const FieldLastSessionID = "last_session_id"

// Claim reasons, recorded by stores which keep a claim log.
const (
	ReasonLogin   = "login"
	ReasonReclaim = "reclaim"
)

// ProfileStore persists the session claim on the user's profile row.
type ProfileStore interface {
	// UpdateProfileField upserts a single field of the user's profile row.
	UpdateProfileField(ctx context.Context, userID, field string, value interface{}) error
}

// Claimer is an optional ProfileStore extension. Stores which implement it are asked to claim the
// session directly so they can record why the claim was made.
type Claimer interface {
	ClaimSession(ctx context.Context, userID, sessionID, reason string) error
}

// ChangeFeed notifies subscribers about mutations to a single row.
type ChangeFeed interface {
	Subscribe(table, rowFilter, eventType string, fn func(rc *pubsub.RowChange)) (pubsub.Handle, error)
	Unsubscribe(h pubsub.Handle) error
}

type Option func(g *Guard)

// WithToken overrides the randomly generated device token.
func WithToken(token string) Option {
	return func(g *Guard) {
		g.token = token
	}
}

// WithMetrics makes the guard report to m. m must be shared between guards.
func WithMetrics(m *Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// Guard enforces "one active device per account" on a best-effort basis. Each device instance
// owns one Guard for its whole lifetime. Logging in claims the session by writing the device token
// to the user's profile; when the profile later carries somebody else's token, this device is
// blocked until it reclaims the session or logs out.
//
// Claims are last-write-wins with no lock: two devices logging in at the same moment may both
// think they are active until the change feed catches up, which takes about one round trip.
type Guard struct {
	store   ProfileStore
	feed    ChangeFeed
	token   string
	metrics *Metrics

	mu         *sync.Mutex
	userID     string
	state      State
	handle     pubsub.Handle
	subscribed bool
	protected  bool
	// bumped on every Initialize and Teardown. Callbacks from older subscriptions are dropped.
	generation uint64
	// set while a reclaim write is in flight, and whether our own token was echoed meanwhile
	reclaimInFlight bool
	echoSeen        bool
	changed         chan struct{}
}

func New(store ProfileStore, feed ChangeFeed, opts ...Option) *Guard {
	g := &Guard{
		store:   store,
		feed:    feed,
		mu:      &sync.Mutex{},
		state:   StateUnclaimed,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.token == "" {
		g.token = NewDeviceToken()
	}
	return g
}

// Token returns this device's token.
func (g *Guard) Token() string {
	return g.token
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsBlocked is true when another device holds the session and this one must not be used.
func (g *Guard) IsBlocked() bool {
	return g.State() == StateBlocked
}

// Protected is true if both the claim and the subscription succeeded for the current user.
func (g *Guard) Protected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.protected
}

// UserID returns the user being guarded, or "" before Initialize and after Teardown.
func (g *Guard) UserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userID
}

// Changed returns a channel which is closed the next time the state changes.
func (g *Guard) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// must hold g.mu
func (g *Guard) log() *zerolog.Logger {
	return g.logFor(g.userID)
}

func (g *Guard) logFor(userID string) *zerolog.Logger {
	l := logger.With().Str("user", userID).Str("device", g.token).Logger()
	return &l
}

// must hold g.mu
func (g *Guard) setStateLocked(s State) {
	if g.state == s {
		return
	}
	g.log().Debug().Stringer("from", g.state).Stringer("to", s).Msg("state change")
	g.metrics.onTransition(g.state, s)
	g.state = s
	close(g.changed)
	g.changed = make(chan struct{})
}

// Initialize claims the session for userID and starts watching the user's profile for claims made
// by other devices. It should be called once per successful authentication; if the guard is still
// tracking a previous login it is torn down first.
//
// Failures to subscribe or to write the claim never fail the login: they are logged and the
// device proceeds unprotected. The returned handle is zero in that case.
func (g *Guard) Initialize(ctx context.Context, userID string) (pubsub.Handle, error) {
	if userID == "" {
		return 0, fmt.Errorf("Initialize: missing user ID")
	}
	ctx, span := internal.StartSpan(ctx, "Guard.Initialize")
	defer span.End()

	g.mu.Lock()
	if g.state != StateUnclaimed {
		g.log().Warn().Str("new_user", userID).Msg("Initialize called without Teardown, tearing down first")
		g.teardownLocked()
	}
	g.generation++
	gen := g.generation
	g.userID = userID
	g.protected = false
	g.setStateLocked(StateActive)
	g.mu.Unlock()
	log := g.logFor(userID)

	// Subscribe before claiming: a claim made by another device between our write and our
	// subscription would otherwise never be seen.
	handle, err := g.feed.Subscribe(pubsub.TableProfiles, userID, pubsub.EventUpdate, func(rc *pubsub.RowChange) {
		g.onRowChange(gen, rc)
	})
	if err != nil {
		g.metrics.onFailure("subscribe")
		log.Warn().Err(err).Msg("failed to subscribe to profile changes, session is unprotected")
		internal.CaptureWithUser(ctx, userID, err)
		if !g.isGeneration(gen) {
			// logged out while subscribing, the claim would block whoever holds the session now
			return 0, nil
		}
		// still claim, so other devices learn that this one took over
		if err = g.claim(ctx, userID, ReasonLogin); err != nil {
			g.metrics.onFailure("claim")
			log.Warn().Err(err).Msg("failed to claim session")
		}
		return 0, nil
	}

	g.mu.Lock()
	if g.generation != gen {
		// torn down while subscribing
		g.mu.Unlock()
		g.unsubscribe(handle, log)
		return 0, nil
	}
	internal.Assert("no subscription is held before subscribing", !g.subscribed)
	g.handle = handle
	g.subscribed = true
	g.mu.Unlock()

	if err = g.claim(ctx, userID, ReasonLogin); err != nil {
		g.metrics.onFailure("claim")
		log.Warn().Err(err).Msg("failed to claim session, session is unprotected")
		internal.CaptureWithUser(ctx, userID, err)
		// without our token in the row, any later update to the profile would look like a takeover
		g.mu.Lock()
		if g.generation == gen {
			g.releaseSubscriptionLocked()
			g.setStateLocked(StateActive)
		}
		g.mu.Unlock()
		return 0, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation != gen {
		return 0, nil
	}
	g.protected = true
	g.log().Info().Msg("claimed session")
	return handle, nil
}

func (g *Guard) isGeneration(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation == gen
}

func (g *Guard) claim(ctx context.Context, userID, reason string) error {
	if c, ok := g.store.(Claimer); ok {
		return c.ClaimSession(ctx, userID, g.token, reason)
	}
	return g.store.UpdateProfileField(ctx, userID, FieldLastSessionID, g.token)
}

func (g *Guard) onRowChange(gen uint64, rc *pubsub.RowChange) {
	update, err := pubsub.DecodeProfileUpdate(rc)
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.generation {
		return
	}
	if err != nil {
		g.log().Warn().Err(err).Msg("ignoring malformed profile change")
		return
	}
	if update.UserID != g.userID {
		g.log().Warn().Str("row_user", update.UserID).Msg("ignoring profile change for another user")
		return
	}
	g.applyLocked(update.LastSessionID)
}

// OnRemoteUpdate applies the latest claimed session seen on the change feed. A foreign token blocks
// this device, its own token unblocks it, and nil changes nothing. The resulting state depends only
// on the latest value, so repeated notifications are harmless.
func (g *Guard) OnRemoteUpdate(newLastSessionID *string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applyLocked(newLastSessionID)
}

// must hold g.mu
func (g *Guard) applyLocked(newLastSessionID *string) {
	if g.state == StateUnclaimed || newLastSessionID == nil {
		return
	}
	if *newLastSessionID == g.token {
		if g.reclaimInFlight {
			g.echoSeen = true
		}
		g.setStateLocked(StateActive)
		return
	}
	if g.state != StateBlocked {
		g.log().Info().Str("claimed_by", *newLastSessionID).Msg("session claimed by another device")
	}
	g.setStateLocked(StateBlocked)
}

// Reclaim takes the session back from whichever device holds it, by claiming it again with this
// device's token. The other device is blocked once it sees the new claim. On success the guard is
// Reclaiming until the echo of its own write arrives; on failure it stays Blocked and the error is
// returned so the user can retry. Reclaiming while Active does nothing.
func (g *Guard) Reclaim(ctx context.Context) error {
	ctx, span := internal.StartSpan(ctx, "Guard.Reclaim")
	defer span.End()

	g.mu.Lock()
	switch g.state {
	case StateUnclaimed:
		g.mu.Unlock()
		return ErrNotInitialized
	case StateActive:
		g.mu.Unlock()
		return nil
	}
	gen := g.generation
	userID := g.userID
	g.reclaimInFlight = true
	g.echoSeen = false
	g.mu.Unlock()

	err := g.claim(ctx, userID, ReasonReclaim)

	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.generation {
		return ErrNotInitialized
	}
	g.reclaimInFlight = false
	if err != nil {
		g.metrics.onFailure("reclaim")
		g.log().Warn().Err(err).Msg("failed to reclaim session")
		return fmt.Errorf("reclaim: %w", err)
	}
	g.metrics.onReclaim()
	g.log().Info().Msg("reclaimed session")
	// If the echo already arrived the feed has decided the state, which may even be a newer
	// takeover. Otherwise unblock optimistically.
	if !g.echoSeen && g.state == StateBlocked {
		g.setStateLocked(StateReclaiming)
	}
	return nil
}

// Teardown stops watching the profile and forgets the user. The claim is left in place. Safe to
// call more than once.
func (g *Guard) Teardown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.teardownLocked()
}

// must hold g.mu
func (g *Guard) teardownLocked() {
	g.generation++
	g.releaseSubscriptionLocked()
	g.reclaimInFlight = false
	g.echoSeen = false
	if g.userID != "" {
		g.log().Info().Msg("teardown")
	}
	g.userID = ""
	g.setStateLocked(StateUnclaimed)
}

// must hold g.mu
func (g *Guard) releaseSubscriptionLocked() {
	internal.Assert("handle is zero when unsubscribed", g.subscribed || g.handle == 0)
	g.protected = false
	if !g.subscribed {
		return
	}
	g.subscribed = false
	h := g.handle
	g.handle = 0
	g.unsubscribe(h, g.log())
}

func (g *Guard) unsubscribe(h pubsub.Handle, log *zerolog.Logger) {
	if err := g.feed.Unsubscribe(h); err != nil {
		log.Warn().Err(err).Msg("failed to unsubscribe from profile changes")
	}
}
