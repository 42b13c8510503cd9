package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-go/internal/jobmanager"
)

func TestSubjectForNamespacesByWorkflow(t *testing.T) {
	assert.Equal(t, "cylc.my_flow.job.message", SubjectFor("my_flow"))
	assert.NotEqual(t, SubjectFor("flow-a"), SubjectFor("flow-b"))
}

func TestDecodeRoundTripsWireMessage(t *testing.T) {
	wire := wireMessage{
		CyclePoint: "20260101T0000Z",
		TaskName:   "forecast",
		SubmitNum:  2,
		Severity:   "INFO",
		Output:     "succeeded",
		Text:       "done",
		TimeUTC:    "2026-01-01T00:05:00.000000000Z",
	}
	msg, err := decode(wire)
	require.NoError(t, err)
	assert.Equal(t, "forecast", msg.TaskName)
	assert.Equal(t, 2, msg.SubmitNum)
	assert.Equal(t, jobmanager.SeverityInfo, msg.Severity)
	assert.Equal(t, "succeeded", msg.Output)
	assert.Equal(t, 2026, msg.Time.Year())
}

func TestDecodeRejectsMalformedTime(t *testing.T) {
	_, err := decode(wireMessage{TimeUTC: "not-a-time"})
	assert.Error(t, err)
}
