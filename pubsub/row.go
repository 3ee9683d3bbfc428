package pubsub

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Row change events, named the way Postgres names trigger operations.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	// EventAll matches every event type when subscribing.
	EventAll = "*"
)

// RowChange is a single mutation of a single row. Record is the new row as sent by the
// database, it is deliberately untyped and must be decoded by whoever subscribed.
type RowChange struct {
	Table  string          `json:"table"`
	Event  string          `json:"event"`
	Record json.RawMessage `json:"record"`
}

func (r RowChange) Type() string { return "row" }

// RowChannel returns the channel name carrying changes for the row in table whose key is rowKey.
func RowChannel(table, rowKey string) string {
	return "row:" + table + ":" + rowKey
}

// Handle identifies a subscription made through a Feed.
type Handle uint64

// Feed is a change feed: it lets callers watch a single row of a single table for mutations.
type Feed struct {
	listener Listener
	mu       *sync.Mutex
	nextID   Handle
	subs     map[Handle]Subscription
}

func NewFeed(l Listener) *Feed {
	return &Feed{
		listener: l,
		mu:       &sync.Mutex{},
		subs:     make(map[Handle]Subscription),
	}
}

// Subscribe calls fn for each change of eventType (or every change if eventType is EventAll) to the
// row in table identified by rowFilter. The returned handle must be passed to Unsubscribe.
func (f *Feed) Subscribe(table, rowFilter, eventType string, fn func(rc *RowChange)) (Handle, error) {
	if table == "" || rowFilter == "" {
		return 0, fmt.Errorf("Feed.Subscribe: table and row filter are required")
	}
	eventType = strings.ToUpper(eventType)
	sub, err := f.listener.Subscribe(RowChannel(table, rowFilter), func(p Payload) {
		rc, ok := p.(*RowChange)
		if !ok {
			logger.Warn().Str("type", p.Type()).Str("table", table).Msg("Feed: ignoring non-row payload")
			return
		}
		if eventType != EventAll && rc.Event != eventType {
			return
		}
		fn(rc)
	})
	if err != nil {
		return 0, fmt.Errorf("Feed.Subscribe: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.subs[f.nextID] = sub
	return f.nextID, nil
}

// Unsubscribe stops the subscription identified by h. Unknown or already released handles are ignored.
func (f *Feed) Unsubscribe(h Handle) error {
	f.mu.Lock()
	sub, ok := f.subs[h]
	delete(f.subs, h)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// PublishRowChange sends rc to everyone watching the row identified by rowKey.
func PublishRowChange(n Notifier, rowKey string, rc *RowChange) error {
	return n.Notify(RowChannel(rc.Table, rowKey), rc)
}
