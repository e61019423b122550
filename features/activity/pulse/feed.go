// Package pulse publishes control-plane activity events to goa.design/pulse
// streams so observers (dashboards, strategist agents) can follow workflow and
// session progress without polling the document store. It mirrors the layering
// used by existing Pulse deployments: services build a Redis client, pass it to
// NewClient, and hand the resulting client to the feed.
//
// The feed is strictly best-effort telemetry: a nil *Feed is a valid disabled
// feed, and publish failures are logged and counted but never propagated to
// the operation that emitted the event.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// Activity event types.
const (
	EventWorkflowNotified  = "workflow_notified"
	EventWorkflowFinalized = "workflow_finalized"
	EventTaskDelegated     = "task_delegated"
	EventTaskCompleted     = "task_completed"
	EventSessionFinalized  = "session_finalized"
)

// DefaultStreamMaxLen bounds each activity stream.
const DefaultStreamMaxLen = 1000

type (
	// Client exposes the subset of Pulse operations the feed needs.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string) (Stream, error)
		// Close releases resources owned by the client. The caller owns the
		// Redis connection.
		Close(ctx context.Context) error
	}

	// Stream publishes events to one Pulse stream.
	Stream interface {
		// Add publishes an event with the given name and payload, returning
		// the Redis-assigned event id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
	}

	// Event is one activity record. Exactly one of WorkflowID and SessionID
	// selects the target stream.
	Event struct {
		Type       string `json:"type"`
		WorkflowID string `json:"workflow_id,omitempty"`
		SessionID  string `json:"session_id,omitempty"`
		// State names the workflow state the event concerns, when any.
		State string `json:"state,omitempty"`
		// TaskID names the delegated task the event concerns, when any.
		TaskID    string    `json:"task_id,omitempty"`
		Timestamp time.Time `json:"timestamp"`
		Payload   any       `json:"payload,omitempty"`
	}

	// Feed publishes activity events. The zero value and nil are disabled
	// feeds whose publish methods are no-ops.
	Feed struct {
		client  Client
		log     telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// Option configures a Feed.
	Option func(*Feed)

	// ClientOptions configures NewClient.
	ClientOptions struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream; zero uses
		// DefaultStreamMaxLen.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}
)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(f *Feed) { f.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// New constructs a Feed on the given Pulse client.
func New(client Client, opts ...Option) *Feed {
	f := &Feed{
		client:  client,
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WorkflowStream returns the activity stream name for a workflow.
func WorkflowStream(workflowID string) string {
	return "activity:wf:" + workflowID
}

// SessionStream returns the activity stream name for a session.
func SessionStream(sessionID string) string {
	return "activity:session:" + sessionID
}

// Publish writes the event to its stream. Failures are logged and counted,
// never returned; activity is telemetry and must not fail the operation that
// produced it. Publishing on a nil feed or a feed without a client is a no-op.
func (f *Feed) Publish(ctx context.Context, ev Event) {
	if f == nil || f.client == nil {
		return
	}
	stream := ""
	switch {
	case ev.WorkflowID != "":
		stream = WorkflowStream(ev.WorkflowID)
	case ev.SessionID != "":
		stream = SessionStream(ev.SessionID)
	default:
		f.log.Warn(ctx, "drop activity event without a target", "type", ev.Type)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = f.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		f.log.Warn(ctx, "drop unencodable activity event", "type", ev.Type, "err", err)
		return
	}
	handle, err := f.client.Stream(stream)
	if err != nil {
		f.publishFailed(ctx, stream, ev.Type, err)
		return
	}
	if _, err := handle.Add(ctx, ev.Type, payload); err != nil {
		f.publishFailed(ctx, stream, ev.Type, err)
		return
	}
	f.metrics.IncCounter("activity.published", 1, "type", ev.Type)
}

func (f *Feed) publishFailed(ctx context.Context, stream, eventType string, err error) {
	f.metrics.IncCounter("activity.publish_failed", 1, "type", eventType)
	f.log.Warn(ctx, "activity publish failed", "stream", stream, "type", eventType, "err", err)
}

// Close releases the underlying client. Safe on a nil or disabled feed.
func (f *Feed) Close(ctx context.Context) error {
	if f == nil || f.client == nil {
		return nil
	}
	return f.client.Close(ctx)
}

// client wraps a Redis connection and provides stream handles.
type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// NewClient constructs a Pulse client backed by the provided Redis connection.
func NewClient(opts ClientOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.StreamMaxLen
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &client{redis: opts.Redis, maxLen: maxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	str, err := streaming.NewStream(name, c.redis, streamopts.WithStreamMaxLen(c.maxLen))
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// handle applies the optional operation timeout to stream writes.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}
