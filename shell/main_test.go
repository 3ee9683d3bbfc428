package shell

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pukassein/anatoplus/guard"
	"github.com/pukassein/anatoplus/pubsub"
	"github.com/pukassein/anatoplus/state"
)

// memoryStore is a profile store which publishes every write to a change feed, the way the
// database trigger does.
type memoryStore struct {
	mu       sync.Mutex
	profiles map[string]*state.Profile
	notifier pubsub.Notifier
	writeErr error
	loadErr  error
}

func newMemoryStore(n pubsub.Notifier) *memoryStore {
	return &memoryStore{
		profiles: make(map[string]*state.Profile),
		notifier: n,
	}
}

func (s *memoryStore) setProfile(p *state.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *memoryStore) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *memoryStore) UpdateProfileField(ctx context.Context, userID, field string, value interface{}) error {
	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	if field != state.FieldLastSessionID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", state.ErrUnknownField, field)
	}
	event := pubsub.EventUpdate
	p := s.profiles[userID]
	if p == nil {
		p = &state.Profile{UserID: userID, Role: state.RoleStudent}
		s.profiles[userID] = p
		event = pubsub.EventInsert
	}
	p.LastSessionID = sql.NullString{String: value.(string), Valid: true}
	record, _ := json.Marshal(map[string]interface{}{
		"user_id":         userID,
		"last_session_id": p.LastSessionID.String,
	})
	s.mu.Unlock()
	return pubsub.PublishRowChange(s.notifier, userID, &pubsub.RowChange{
		Table:  pubsub.TableProfiles,
		Event:  event,
		Record: record,
	})
}

func (s *memoryStore) Profile(ctx context.Context, userID string) (*state.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	p := s.profiles[userID]
	if p == nil {
		return nil, nil
	}
	cpy := *p
	return &cpy, nil
}

func (s *memoryStore) lastSessionID(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.profiles[userID]; p != nil {
		return p.LastSessionID.String
	}
	return ""
}

// countingFeed tracks which profiles have live subscriptions.
type countingFeed struct {
	*pubsub.Feed
	mu   sync.Mutex
	rows map[pubsub.Handle]string
}

func (f *countingFeed) Subscribe(table, rowFilter, eventType string, fn func(rc *pubsub.RowChange)) (pubsub.Handle, error) {
	h, err := f.Feed.Subscribe(table, rowFilter, eventType, fn)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.rows[h] = rowFilter
	f.mu.Unlock()
	return h, nil
}

func (f *countingFeed) Unsubscribe(h pubsub.Handle) error {
	f.mu.Lock()
	delete(f.rows, h)
	f.mu.Unlock()
	return f.Feed.Unsubscribe(h)
}

func (f *countingFeed) numSubscriptions(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row == userID {
			n++
		}
	}
	return n
}

func newFeed(t *testing.T) (*pubsub.PubSub, *countingFeed) {
	t.Helper()
	ps := pubsub.NewPubSub(100)
	t.Cleanup(func() { ps.Close() })
	return ps, &countingFeed{
		Feed: pubsub.NewFeed(ps),
		rows: make(map[pubsub.Handle]string),
	}
}

func waitForState(t *testing.T, g *guard.Guard, want guard.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		changed := g.Changed()
		if got := g.State(); got == want {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for state %s, got %s", want, g.State())
		}
		select {
		case <-changed:
		case <-time.After(remaining):
		}
	}
}
