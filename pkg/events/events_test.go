package events_test

import (
	"encoding/json"
	"testing"

	"github.com/dukex/flowcore/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	failed := events.ExecutionFailed{
		BaseEvent: events.NewBase(events.ExecutionFailedEvent, "exec-1", "job-1"),
		Reason:    "Task add failed with no recovery action defined",
	}

	payload, err := json.Marshal(failed)
	require.NoError(t, err)

	decoded, err := events.Decode(failed.GetType(), payload)
	require.NoError(t, err)

	event, ok := decoded.(*events.ExecutionFailed)
	require.True(t, ok)
	assert.Equal(t, "exec-1", event.ExecutionID)
	assert.Equal(t, failed.Reason, event.Reason)
	assert.Equal(t, events.ExecutionFailedEvent, event.Type)

	_, err = events.Decode("workflow.triggered", payload)
	assert.ErrorIs(t, err, events.ErrUnknownEvent)

	_, err = events.Decode(events.TaskTimedOutEvent, []byte("{"))
	assert.Error(t, err)
}
