package pubsub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// subject prefix for every payload sent over NATS
const natsSubjectPrefix = "anatoplus."

// the envelope field carrying Payload.Type()
const natsTypeField = "_t"

// NATS is a Notifier and Listener which carries payloads between processes over NATS core
// subjects. Delivery is at-most-once, the same as the in-process PubSub when a subscriber is slow.
type NATS struct {
	nc       *nats.Conn
	decoders map[string]func(data []byte) (Payload, error)
}

func NewNATS(url, name string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS: disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewNATS: %w", err)
	}
	return NewNATSWithConn(nc), nil
}

func NewNATSWithConn(nc *nats.Conn) *NATS {
	return &NATS{
		nc: nc,
		decoders: map[string]func(data []byte) (Payload, error){
			RowChange{}.Type(): func(data []byte) (Payload, error) {
				var rc RowChange
				err := json.Unmarshal(data, &rc)
				return &rc, err
			},
		},
	}
}

func natsSubject(chanName string) string {
	return natsSubjectPrefix + strings.ReplaceAll(chanName, ":", ".")
}

func encodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(data, natsTypeField, p.Type())
}

func (n *NATS) decodePayload(data []byte) (Payload, error) {
	typ := gjson.GetBytes(data, natsTypeField).Str
	decode, ok := n.decoders[typ]
	if !ok {
		return nil, fmt.Errorf("unknown payload type %q", typ)
	}
	return decode(data)
}

func (n *NATS) Notify(chanName string, p Payload) error {
	data, err := encodePayload(p)
	if err != nil {
		return fmt.Errorf("NATS.Notify: encode %s: %w", p.Type(), err)
	}
	return n.nc.Publish(natsSubject(chanName), data)
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if err == nats.ErrBadSubscription || err == nats.ErrConnectionClosed {
		// already gone
		return nil
	}
	return err
}

func (n *NATS) Subscribe(chanName string, fn func(p Payload)) (Subscription, error) {
	// a nats.Conn delivers messages for one subscription sequentially, preserving order
	sub, err := n.nc.Subscribe(natsSubject(chanName), func(msg *nats.Msg) {
		p, err := n.decodePayload(msg.Data)
		if err != nil {
			logger.Err(err).Str("subject", msg.Subject).Msg("NATS: dropping undecodable payload")
			return
		}
		fn(p)
	})
	if err != nil {
		return nil, fmt.Errorf("NATS.Subscribe: %w", err)
	}
	return &natsSub{sub}, nil
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}
