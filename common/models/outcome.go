package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal state of a retrieval request.
type Status string

const (
	StatusDelivered       Status = "DELIVERED"
	StatusRejected        Status = "REJECTED"
	StatusRetrievalFailed Status = "RETRIEVAL_FAILED"
	StatusDecodeFailed    Status = "DECODE_FAILED"
)

// Statuses lists every terminal status.
var Statuses = []Status{StatusDelivered, StatusRejected, StatusRetrievalFailed, StatusDecodeFailed}

// Subject returns the lowercase token used in message subjects and metric labels.
func (s Status) Subject() string {
	return strings.ToLower(string(s))
}

// Stage names the pipeline step that produced an outcome.
type Stage string

const (
	StageBuild    Stage = "build"
	StageRetrieve Stage = "retrieve"
	StageDecode   Stage = "decode"
	StageValidate Stage = "validate"
)

// PipelineOutcome is the single terminal record emitted for a request.
type PipelineOutcome struct {
	Request     RetrievalRequest `json:"request"`
	Segment     *Segment         `json:"segment,omitempty"`
	Verdicts    []QCVerdict      `json:"verdicts,omitempty"`
	Status      Status           `json:"status"`
	Stage       Stage            `json:"stage"`
	Reason      string           `json:"reason,omitempty"`
	Attempts    int              `json:"attempts"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Summary renders a one-line human readable description of the outcome.
func (o *PipelineOutcome) Summary() string {
	line := fmt.Sprintf("%s %s %s [%s] stage=%s",
		o.Status, o.Request.Channel.ID(), o.Request.Window, o.Request.Event.ID, o.Stage)
	if o.Reason != "" {
		line += " reason=" + o.Reason
	}
	return line
}
