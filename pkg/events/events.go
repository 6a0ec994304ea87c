// Package events publishes render lifecycle events over NATS so downstream
// systems can track request outcomes without polling the worker. Publishing
// is fire-and-forget and entirely optional: a nil Publisher drops events.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects for render lifecycle events.
const (
	SubjectAccepted  = "render.accepted"
	SubjectCompleted = "render.completed"
	SubjectFailed    = "render.failed"
)

// RenderEvent describes one state transition of a render request.
type RenderEvent struct {
	RequestID  string    `json:"requestId"`
	Workflow   string    `json:"workflow"`
	Status     string    `json:"status"`
	Warnings   int       `json:"warnings,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher emits render events on a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewPublisher creates a publisher. conn must be connected.
func NewPublisher(conn *nats.Conn, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Accepted reports that a render request was admitted.
func (p *Publisher) Accepted(requestID, workflow string) {
	p.publish(SubjectAccepted, RenderEvent{
		RequestID: requestID,
		Workflow:  workflow,
		Status:    "accepted",
		Timestamp: time.Now().UTC(),
	})
}

// Completed reports a successful render.
func (p *Publisher) Completed(requestID, workflow string, warnings int, duration time.Duration) {
	p.publish(SubjectCompleted, RenderEvent{
		RequestID:  requestID,
		Workflow:   workflow,
		Status:     "completed",
		Warnings:   warnings,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
}

// Failed reports a failed render.
func (p *Publisher) Failed(requestID, workflow string, cause error, duration time.Duration) {
	evt := RenderEvent{
		RequestID:  requestID,
		Workflow:   workflow,
		Status:     "failed",
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	p.publish(SubjectFailed, evt)
}

// publish is best-effort: a worker must keep rendering when the event bus
// is down, so failures are logged and dropped.
func (p *Publisher) publish(subject string, evt RenderEvent) {
	if p == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("Failed to encode render event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish render event",
			zap.String("subject", subject),
			zap.String("request_id", evt.RequestID),
			zap.Error(err))
		return
	}
	p.logger.Debug("Published render event",
		zap.String("subject", subject),
		zap.String("request_id", evt.RequestID),
		zap.String("status", evt.Status))
}
