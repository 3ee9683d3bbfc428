package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/pukassein/anatoplus/internal"
)

// PGChannel is the Postgres NOTIFY channel which the profiles trigger writes to.
const PGChannel = "anatoplus_profiles"

// PGBridge LISTENs for row change notifications from Postgres and re-publishes them on a Notifier,
// keyed by the row's user_id.
type PGBridge struct {
	listener *pq.Listener
	notifier Notifier
	done     chan struct{}
	once     sync.Once
	// invoked after each notification is handled, for tests
	onHandled func(rc *RowChange, err error)
}

func NewPGBridge(postgresURI string, n Notifier) *PGBridge {
	b := &PGBridge{
		notifier: n,
		done:     make(chan struct{}),
	}
	b.listener = pq.NewListener(postgresURI, 500*time.Millisecond, time.Minute, b.onListenerEvent)
	return b
}

func (b *PGBridge) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		logger.Info().Msg("PGBridge: connected")
	case pq.ListenerEventDisconnected:
		logger.Warn().Err(err).Msg("PGBridge: disconnected")
	case pq.ListenerEventReconnected:
		// notifications sent while disconnected are lost
		logger.Warn().Msg("PGBridge: reconnected, change notifications may have been missed")
	case pq.ListenerEventConnectionAttemptFailed:
		logger.Err(err).Msg("PGBridge: connection attempt failed")
	}
}

// Start listening. Returns once LISTEN has been issued, notifications are handled on a goroutine
// until Close is called.
func (b *PGBridge) Start() error {
	if err := b.listener.Listen(PGChannel); err != nil {
		return fmt.Errorf("PGBridge: LISTEN %s: %w", PGChannel, err)
	}
	go b.run()
	return nil
}

func (b *PGBridge) run() {
	defer internal.ReportPanicsToSentry()
	for {
		select {
		case <-b.done:
			return
		case n := <-b.listener.Notify:
			if n == nil {
				// reconnection
				continue
			}
			rc, err := b.handle(n.Extra)
			if err != nil {
				logger.Err(err).Str("payload", n.Extra).Msg("PGBridge: failed to handle notification")
				sentry.CaptureException(err)
			}
			if b.onHandled != nil {
				b.onHandled(rc, err)
			}
		case <-time.After(90 * time.Second):
			go b.listener.Ping()
		}
	}
}

func (b *PGBridge) handle(payload string) (*RowChange, error) {
	parsed := gjson.Parse(payload)
	record := parsed.Get("record")
	rc := &RowChange{
		Table:  parsed.Get("table").Str,
		Event:  parsed.Get("event").Str,
		Record: []byte(record.Raw),
	}
	if rc.Table == "" || rc.Event == "" || !record.IsObject() {
		return nil, fmt.Errorf("malformed notification")
	}
	key := record.Get("user_id").Str
	if key == "" {
		return nil, fmt.Errorf("notification for %s has no user_id", rc.Table)
	}
	return rc, PublishRowChange(b.notifier, key, rc)
}

func (b *PGBridge) Close() error {
	b.once.Do(func() {
		close(b.done)
	})
	return b.listener.Close()
}
