// Package intake accepts standing-order submissions from other systems over
// the message bus.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/messaging"
	"github.com/seis-sod/sod-stack/common/models"
)

// ErrInvalidSubmission is returned for payloads that cannot become a request.
var ErrInvalidSubmission = errors.New("invalid submission")

// Submission asks for one channel's data around one event. Without a window
// the configured lead/lag policy applies.
type Submission struct {
	Event   models.Event          `json:"event"`
	Channel models.StationChannel `json:"channel"`
	Window  *models.TimeWindow    `json:"window,omitempty"`
}

// Validate checks the fields every submission needs.
func (s *Submission) Validate() error {
	switch {
	case s.Event.ID == "":
		return fmt.Errorf("%w: event.id is required", ErrInvalidSubmission)
	case s.Event.OriginTime.IsZero():
		return fmt.Errorf("%w: event.origin_time is required", ErrInvalidSubmission)
	case s.Channel.Network == "" || s.Channel.Station == "" || s.Channel.Channel == "":
		return fmt.Errorf("%w: channel network, station and channel codes are required", ErrInvalidSubmission)
	}
	return nil
}

// Decode parses and validates a JSON submission.
func Decode(data []byte) (Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return s, s.Validate()
}

// Submitter queues requests. *orchestrator.Orchestrator implements it.
type Submitter interface {
	SubmitCandidate(ctx context.Context, event models.Event, channel models.StationChannel) (string, error)
	SubmitWindow(ctx context.Context, event models.Event, channel models.StationChannel, window models.TimeWindow) (string, error)
}

// Submit hands a validated submission to s and returns the request id.
func Submit(ctx context.Context, s Submitter, sub Submission) (string, error) {
	if sub.Window != nil {
		return s.SubmitWindow(ctx, sub.Event, sub.Channel, *sub.Window)
	}
	return s.SubmitCandidate(ctx, sub.Event, sub.Channel)
}

// Reply is sent back on the message's reply subject.
type Reply struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Intake consumes sod.requests.submit in the sod-workers queue group so that
// each submission is handled by exactly one instance.
type Intake struct {
	sub       messaging.Subscriber
	replies   messaging.Publisher
	submitter Submitter
	logger    *logging.Logger

	subscription messaging.Subscription
}

// New creates an intake. replies may be nil when no request/reply is needed.
func New(sub messaging.Subscriber, replies messaging.Publisher, submitter Submitter, logger *logging.Logger) *Intake {
	return &Intake{sub: sub, replies: replies, submitter: submitter, logger: logger}
}

// Start subscribes.
func (i *Intake) Start() error {
	s, err := i.sub.QueueSubscribe(messaging.SubjectRequestsSubmit, messaging.QueueSodWorkers, i.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.SubjectRequestsSubmit, err)
	}
	i.subscription = s
	i.logger.Info("intake subscribed", "subject", messaging.SubjectRequestsSubmit, "queue", messaging.QueueSodWorkers)
	return nil
}

// Stop unsubscribes.
func (i *Intake) Stop() error {
	if i.subscription == nil {
		return nil
	}
	return i.subscription.Unsubscribe()
}

func (i *Intake) handle(ctx context.Context, msg *messaging.Message) error {
	var reply Reply
	sub, err := Decode(msg.Data)
	if err == nil {
		reply.RequestID, err = Submit(ctx, i.submitter, sub)
	}
	if err != nil {
		reply.Error = err.Error()
		i.logger.WarnContext(ctx, "submission refused", "subject", msg.Subject, logging.Error(err))
	} else {
		i.logger.DebugContext(ctx, "submission accepted", logging.RequestID(reply.RequestID),
			logging.EventID(sub.Event.ID), logging.ChannelID(sub.Channel.ID()))
	}

	if msg.Reply != "" && i.replies != nil {
		data, merr := json.Marshal(reply)
		if merr != nil {
			return merr
		}
		if perr := i.replies.Publish(ctx, msg.Reply, data); perr != nil {
			return fmt.Errorf("reply to %s: %w", msg.Reply, perr)
		}
	}
	return err
}
