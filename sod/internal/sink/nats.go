package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/seis-sod/sod-stack/common/messaging"
	"github.com/seis-sod/sod-stack/common/models"
)

// Publisher is the JetStream publish call used by NATS.
type Publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes outcomes to sod.outcomes.<status> and waits for the stream
// ack. The request id is the JetStream message id, so retried publishes
// inside the stream's duplicate window are dropped by the server.
type NATS struct {
	js Publisher
}

// NewNATS creates a NATS sink.
func NewNATS(js Publisher) *NATS {
	return &NATS{js: js}
}

func (n *NATS) Name() string {
	return "nats"
}

func (n *NATS) Persist(ctx context.Context, o models.PipelineOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if _, err := n.js.PublishSync(ctx, messaging.OutcomeSubject(string(o.Status)), data, jetstream.WithMsgID(o.Request.ID)); err != nil {
		return fmt.Errorf("publish outcome %s: %w", o.Request.ID, err)
	}
	return nil
}
