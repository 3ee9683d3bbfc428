package pubsub

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// How long Notify will wait for a slow subscriber before giving up on the payload. A subscriber
// which timed out is then only sent payloads it can take straight away, until it catches up.
var NotifyTimeout = 5 * time.Second

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Subscription is a live registration of a callback on a channel.
type Subscription interface {
	// Stop delivering payloads to this subscription. Safe to call more than once.
	Unsubscribe() error
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Subscribe invokes fn for every payload sent to chanName, in the order they were sent, until
	// the subscription or the listener is closed. Does not block.
	Subscribe(chanName string, fn func(p Payload)) (Subscription, error)
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// PubSub is an in-process Notifier and Listener. Every subscription on a channel receives every
// payload sent to that channel.
type PubSub struct {
	subs       map[string]map[uint64]*memSub
	nextID     uint64
	mu         *sync.Mutex
	closed     bool
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		subs:       make(map[string]map[uint64]*memSub),
		mu:         &sync.Mutex{},
		bufferSize: bufferSize,
	}
}

type memSub struct {
	ps       *PubSub
	chanName string
	id       uint64
	ch       chan Payload
	done     chan struct{}
	once     sync.Once
	lagging  atomic.Bool
}

func (s *memSub) Unsubscribe() error {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *memSub) stopLocked() {
	s.once.Do(func() {
		close(s.done)
		chanSubs := s.ps.subs[s.chanName]
		delete(chanSubs, s.id)
		if len(chanSubs) == 0 {
			delete(s.ps.subs, s.chanName)
		}
	})
}

func (s *memSub) deliver(p Payload) error {
	if s.lagging.Load() {
		select {
		case s.ch <- p:
			s.lagging.Store(false)
			return nil
		case <-s.done:
			return nil
		default:
			return fmt.Errorf("subscriber %d on %s is lagging, dropped payload %v", s.id, s.chanName, p.Type())
		}
	}
	timer := time.NewTimer(NotifyTimeout)
	defer timer.Stop()
	select {
	case s.ch <- p:
		return nil
	case <-s.done:
		return nil
	case <-timer.C:
		s.lagging.Store(true)
		return fmt.Errorf("notify subscriber %d on %s with payload %v timed out", s.id, s.chanName, p.Type())
	}
}

func (s *memSub) run(fn func(p Payload)) {
	for {
		select {
		case <-s.done:
			return
		case p := <-s.ch:
			// unsubscribing races with delivery, prefer dropping the payload
			select {
			case <-s.done:
				return
			default:
			}
			fn(p)
		}
	}
}

func (ps *PubSub) Subscribe(chanName string, fn func(p Payload)) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, fmt.Errorf("subscribe to %s: pubsub is closed", chanName)
	}
	ps.nextID++
	sub := &memSub{
		ps:       ps,
		chanName: chanName,
		id:       ps.nextID,
		ch:       make(chan Payload, ps.bufferSize),
		done:     make(chan struct{}),
	}
	chanSubs := ps.subs[chanName]
	if chanSubs == nil {
		chanSubs = make(map[uint64]*memSub)
		ps.subs[chanName] = chanSubs
	}
	chanSubs[sub.id] = sub
	go sub.run(fn)
	return sub, nil
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return fmt.Errorf("notify with payload %v: pubsub is closed", p.Type())
	}
	targets := make([]*memSub, 0, len(ps.subs[chanName]))
	for _, sub := range ps.subs[chanName] {
		targets = append(targets, sub)
	}
	ps.mu.Unlock()

	var errs []error
	for _, sub := range targets {
		if err := sub.deliver(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// numSubscriptions returns how many live subscriptions exist on chanName.
func (ps *PubSub) numSubscriptions(chanName string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.subs[chanName])
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, chanSubs := range ps.subs {
		for _, sub := range chanSubs {
			sub.stopLocked()
		}
	}
	return nil
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anatoplus",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
