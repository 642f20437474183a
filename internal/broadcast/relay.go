package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sms-inbox/internal/domain"
)

const DefaultSubject = "sms.events"

// natsConn is the subset of *nats.Conn used by Relay.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Relay shares events between processes over NATS. Locally published
// events go to the local hub and to the subject; events from other
// processes on the subject are replayed into the local hub.
type Relay struct {
	hub     *Hub
	nc      natsConn
	subject string
	origin  string
	sub     *nats.Subscription
	logger  *zap.Logger
}

// NewRelay subscribes to subject and returns a Relay publishing through hub.
func NewRelay(hub *Hub, nc natsConn, subject string, logger *zap.Logger) (*Relay, error) {
	if hub == nil {
		return nil, errors.New("broadcast: hub must not be nil")
	}
	if nc == nil {
		return nil, errors.New("broadcast: nats connection must not be nil")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		hub:     hub,
		nc:      nc,
		subject: subject,
		origin:  uuid.NewString(),
		logger:  logger.With(zap.String("component", "broadcast_relay")),
	}

	sub, err := nc.Subscribe(subject, r.receive)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Publish delivers e locally and forwards it to other processes. Forwarding
// failures are logged only.
func (r *Relay) Publish(ctx context.Context, e domain.Event) error {
	if err := r.hub.Publish(ctx, e); err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Origin: r.origin, Event: e})
	if err != nil {
		r.logger.Warn("encode event", zap.Error(err))
		return nil
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		r.logger.Warn("relay publish failed",
			zap.String("subject", r.subject),
			zap.String("event", string(e.Type)),
			zap.Error(err),
		)
	}
	return nil
}

func (r *Relay) receive(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("discarding malformed relay message", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	if err := r.hub.Publish(context.Background(), env.Event); err != nil {
		r.logger.Debug("relayed event not delivered", zap.Error(err))
	}
}

// Close stops receiving from the subject.
func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
