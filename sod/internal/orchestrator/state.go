package orchestrator

import (
	"errors"
	"fmt"

	"github.com/seis-sod/sod-stack/common/models"
)

// ErrInvalidTransition is returned when a request would skip or revisit a state.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the lifecycle position of a request.
type State string

const (
	StatePending         State = "PENDING"
	StateRetrieving      State = "RETRIEVING"
	StateDecoding        State = "DECODING"
	StateValidating      State = "VALIDATING"
	StateDelivered       State = "DELIVERED"
	StateRejected        State = "REJECTED"
	StateRetrievalFailed State = "RETRIEVAL_FAILED"
	StateDecodeFailed    State = "DECODE_FAILED"
)

var transitions = map[State][]State{
	StatePending:    {StateRetrieving, StateRejected, StateRetrievalFailed},
	StateRetrieving: {StateDecoding, StateRetrievalFailed},
	StateDecoding:   {StateValidating, StateDecodeFailed},
	StateValidating: {StateDelivered, StateRejected},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateFor maps a terminal status to its state.
func StateFor(status models.Status) State {
	return State(status)
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
