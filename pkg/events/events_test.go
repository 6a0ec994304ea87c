package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEventJSONShape(t *testing.T) {
	evt := RenderEvent{
		RequestID:  "req-1",
		Workflow:   "txt2img",
		Status:     "completed",
		Warnings:   2,
		DurationMs: 1500,
		Timestamp:  time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "req-1", decoded["requestId"])
	assert.Equal(t, "txt2img", decoded["workflow"])
	assert.Equal(t, float64(2), decoded["warnings"])
	assert.NotContains(t, decoded, "error", "empty error must be omitted")
}

func TestFailedEventCarriesCause(t *testing.T) {
	evt := RenderEvent{Status: "failed", Error: errors.New("boom").Error()}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error":"boom"`)
}

func TestNilPublisherDropsEvents(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.Accepted("req-1", "txt2img")
		p.Completed("req-1", "txt2img", 0, time.Second)
		p.Failed("req-1", "txt2img", errors.New("boom"), time.Second)
	})
}

func TestNewPublisherRequiresConnection(t *testing.T) {
	_, err := NewPublisher(nil, nil)
	assert.Error(t, err)
}
