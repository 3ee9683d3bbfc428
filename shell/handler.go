package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/pukassein/anatoplus/guard"
	"github.com/pukassein/anatoplus/identity"
	"github.com/pukassein/anatoplus/internal"
)

// DefaultPollTimeout is used for /status requests which do not specify a timeout.
var DefaultPollTimeout = 30 * time.Second

// MaxPollTimeout caps the timeout a client may ask for.
var MaxPollTimeout = 2 * time.Minute

// Store is everything the HTTP API needs from the profile store.
type Store interface {
	guard.ProfileStore
	ProfileLoader
}

// Handler serves the session API. Each successful login creates a new device with its own
// identity provider and session guard.
type Handler struct {
	Verifier identity.Verifier
	Store    Store
	Feed     guard.ChangeFeed
	Conns    *ConnMap
	Metrics  *guard.Metrics

	router *mux.Router
}

func NewHandler(v identity.Verifier, store Store, feed guard.ChangeFeed, conns *ConnMap, metrics *guard.Metrics) *Handler {
	h := &Handler{
		Verifier: v,
		Store:    store,
		Feed:     feed,
		Conns:    conns,
		Metrics:  metrics,
	}
	r := mux.NewRouter()
	r.Handle("/session/v1/login", serveJSON(h.login)).Methods(http.MethodPost)
	r.Handle("/session/v1/refresh", serveJSON(h.refresh)).Methods(http.MethodPost)
	r.Handle("/session/v1/status", serveJSON(h.status)).Methods(http.MethodGet)
	r.Handle("/session/v1/reclaim", serveJSON(h.reclaim)).Methods(http.MethodPost)
	r.Handle("/session/v1/logout", serveJSON(h.logout)).Methods(http.MethodPost)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

// serveJSON writes the returned value as JSON, or the returned error as a JSON error.
func serveJSON(fn func(req *http.Request) (interface{}, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		res, err := fn(req)
		if err != nil {
			var herr *internal.HandlerError
			if !errors.As(err, &herr) || herr.StatusCode >= 500 {
				hlog.FromRequest(req).Err(err).Msg("request failed")
				internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
			}
			internal.WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			hlog.FromRequest(req).Warn().Err(err).Msg("failed to write response")
		}
	})
}

type loginResponse struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	User     *User  `json:"user"`
}

type statusResponse struct {
	State   string `json:"state"`
	Blocked bool   `json:"blocked"`
}

type reclaimResponse struct {
	State string `json:"state"`
}

func (h *Handler) login(req *http.Request) (interface{}, error) {
	accessToken, err := bearerToken(req)
	if err != nil {
		return nil, err
	}
	ctx := req.Context()
	g := guard.New(h.Store, h.Feed, guard.WithMetrics(h.Metrics))
	s := NewShell(identity.NewProvider(h.Verifier), g, h.Store)
	user, err := s.SignIn(ctx, accessToken)
	if err != nil {
		s.Teardown()
		return nil, authError(err)
	}
	h.Conns.Add(s)
	internal.SetRequestContextUserID(ctx, user.ID)
	internal.SetRequestContextDeviceInfo(ctx, s.DeviceID(), g.State().String(), false)
	hlog.FromRequest(req).Info().Str("user", user.ID).Str("device", s.DeviceID()).
		Int("devices", h.Conns.NumDevices(user.ID)).Msg("login")
	return &loginResponse{
		DeviceID: s.DeviceID(),
		State:    g.State().String(),
		User:     user,
	}, nil
}

// refresh swaps in a new access token. A token for a different user re-runs login on the device,
// which is how a client switches account without a new device. device_id is only ever returned to
// the client which logged the device in, so holding it is what proves ownership here.
func (h *Handler) refresh(req *http.Request) (interface{}, error) {
	accessToken, err := bearerToken(req)
	if err != nil {
		return nil, err
	}
	s, err := h.deviceShell(req)
	if err != nil {
		return nil, err
	}
	user, err := s.Refresh(req.Context(), accessToken)
	if err != nil {
		return nil, authError(err)
	}
	h.Conns.Add(s)
	internal.SetRequestContextUserID(req.Context(), user.ID)
	return &loginResponse{
		DeviceID: s.DeviceID(),
		State:    s.Guard().State().String(),
		User:     user,
	}, nil
}

// status returns the device's session state. If since is given and matches the current state,
// it blocks until the state changes or the timeout expires.
func (h *Handler) status(req *http.Request) (interface{}, error) {
	s, err := h.authedShell(req)
	if err != nil {
		return nil, err
	}
	timeout, err := parseTimeout(req.URL)
	if err != nil {
		return nil, err
	}
	var since *guard.State
	if q := req.URL.Query().Get("since"); q != "" {
		st, err := guard.ParseState(q)
		if err != nil {
			return nil, &internal.HandlerError{
				StatusCode: http.StatusBadRequest,
				Err:        fmt.Errorf("since: %w", err),
			}
		}
		since = &st
	}
	g := s.Guard()
	ctx := req.Context()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	waited := false
	var st guard.State
waitLoop:
	for {
		// grab the channel before the state so a transition in between is not missed
		changed := g.Changed()
		st = g.State()
		if since == nil || st != *since {
			break
		}
		waited = true
		select {
		case <-changed:
		case <-timer.C:
			break waitLoop
		case <-ctx.Done():
			break waitLoop
		}
	}
	internal.SetRequestContextDeviceInfo(ctx, s.DeviceID(), st.String(), waited)
	return &statusResponse{
		State:   st.String(),
		Blocked: st == guard.StateBlocked,
	}, nil
}

func (h *Handler) reclaim(req *http.Request) (interface{}, error) {
	s, err := h.authedShell(req)
	if err != nil {
		return nil, err
	}
	ctx := req.Context()
	if err = s.Reclaim(ctx); err != nil {
		if errors.Is(err, guard.ErrNotInitialized) {
			return nil, internal.ExpiredSessionError()
		}
		return nil, &internal.HandlerError{
			StatusCode: http.StatusBadGateway,
			Err:        err,
		}
	}
	st := s.Guard().State()
	internal.SetRequestContextDeviceInfo(ctx, s.DeviceID(), st.String(), false)
	return &reclaimResponse{State: st.String()}, nil
}

// logout forgets the device. The claim on the profile is left alone, so another device which was
// blocked by this one stays blocked until it reclaims.
func (h *Handler) logout(req *http.Request) (interface{}, error) {
	s, err := h.authedShell(req)
	if err != nil {
		return nil, err
	}
	h.Conns.Remove(s.DeviceID())
	return struct{}{}, nil
}

// deviceShell returns the shell for the device_id query parameter.
func (h *Handler) deviceShell(req *http.Request) (*Shell, error) {
	deviceID := req.URL.Query().Get("device_id")
	if deviceID == "" {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("missing device_id"),
		}
	}
	s := h.Conns.Shell(deviceID)
	if s == nil {
		return nil, internal.ExpiredSessionError()
	}
	return s, nil
}

// authedShell returns the shell for the device_id query parameter, checking that the access token
// belongs to the user the device is signed in as.
func (h *Handler) authedShell(req *http.Request) (*Shell, error) {
	accessToken, err := bearerToken(req)
	if err != nil {
		return nil, err
	}
	session, err := h.Verifier.Verify(req.Context(), accessToken)
	if err != nil {
		return nil, authError(err)
	}
	internal.SetRequestContextUserID(req.Context(), session.UserID)
	s, err := h.deviceShell(req)
	if err != nil {
		return nil, err
	}
	if s.UserID() != session.UserID {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusForbidden,
			Err:        fmt.Errorf("device belongs to another user"),
		}
	}
	return s, nil
}

func bearerToken(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", &internal.HandlerError{
			StatusCode: http.StatusUnauthorized,
			Err:        fmt.Errorf("missing bearer token"),
		}
	}
	return token, nil
}

func authError(err error) error {
	if errors.Is(err, identity.ErrUnauthorised) {
		return &internal.HandlerError{
			StatusCode: http.StatusUnauthorized,
			Err:        err,
		}
	}
	return &internal.HandlerError{
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// parseTimeout reads the timeout query parameter in milliseconds.
func parseTimeout(u *url.URL) (time.Duration, error) {
	raw := u.Query().Get("timeout")
	if raw == "" {
		return DefaultPollTimeout, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, &internal.HandlerError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("timeout must be a non-negative number of milliseconds"),
		}
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout > MaxPollTimeout {
		timeout = MaxPollTimeout
	}
	return timeout, nil
}
