package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seis-sod/sod-stack/common/models"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateRetrieving, true},
		{StatePending, StateRejected, true},
		{StatePending, StateRetrievalFailed, true},
		{StatePending, StateDecoding, false},
		{StateRetrieving, StateDecoding, true},
		{StateRetrieving, StateRetrievalFailed, true},
		{StateRetrieving, StateDelivered, false},
		{StateDecoding, StateValidating, true},
		{StateDecoding, StateDecodeFailed, true},
		{StateDecoding, StateRetrievalFailed, false},
		{StateValidating, StateDelivered, true},
		{StateValidating, StateRejected, true},
		{StateValidating, StatePending, false},
		{StateDelivered, StateRejected, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range models.Statuses {
		assert.True(t, StateFor(s).Terminal(), s)
	}
	for _, s := range []State{StatePending, StateRetrieving, StateDecoding, StateValidating} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, checkTransition(StatePending, StateRetrieving))
	err := checkTransition(StateDelivered, StatePending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "DELIVERED -> PENDING")
}
