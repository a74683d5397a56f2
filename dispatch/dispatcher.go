package dispatch

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/internal/metrics"
	"github.com/fairwaylabs/rezgate/types"
)

// Stream entry fields. The full envelope rides in body; the remaining
// fields are duplicated as attributes so consumers can filter without
// parsing the JSON.
const (
	fieldBody          = "body"
	fieldStage         = "stage"
	fieldMessageType   = "message_type"
	fieldCreatedBy     = "created_by"
	fieldCorrelationID = "correlation_id"
)

// DispatcherConfig configures the outbound action stream.
type DispatcherConfig struct {
	// Stream is the bus stream actions are published to.
	Stream string
	// Source identifies this service in the created_by attribute.
	Source string
	// Stage stamps every envelope.
	Stage types.Stage
	// MaxLen caps the stream length (approximate trim). Zero keeps
	// everything.
	MaxLen int64
}

// Dispatcher publishes action envelopes to the bus.
type Dispatcher struct {
	cfg     DispatcherConfig
	client  *redis.Client
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewDispatcher wraps an existing bus client.
func NewDispatcher(cfg DispatcherConfig, client *redis.Client, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stream == "" {
		cfg.Stream = "rezgate:actions"
	}
	if cfg.Source == "" {
		cfg.Source = "agent"
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  client,
		logger:  logger.With(zap.String("component", "dispatcher")),
		metrics: collector,
	}
}

// Dispatch wraps payload in an envelope and publishes it. It returns the
// published envelope so the caller can correlate the eventual response.
// Publish failures propagate; the caller decides whether the turn can
// continue without the action.
func (d *Dispatcher) Dispatch(ctx context.Context, correlationID string, msgType MessageType, payload json.RawMessage) (*Envelope, error) {
	env := NewEnvelope(d.cfg.Stage, d.cfg.Source, correlationID, msgType, payload)
	if err := d.Publish(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Publish sends an existing envelope to the action stream.
func (d *Dispatcher) Publish(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	// Fresh envelopes move to queued; result envelopes keep their
	// terminal status.
	if env.Status == "" || env.Status == StatusCreated {
		env.Status = StatusQueued
	}

	body, err := env.Encode()
	if err != nil {
		return types.NewError(types.ErrPublishFailed, "failed to encode envelope").WithCause(err)
	}

	args := &redis.XAddArgs{
		Stream: d.cfg.Stream,
		Values: map[string]interface{}{
			fieldBody:          body,
			fieldStage:         string(env.Stage),
			fieldMessageType:   string(env.MessageType),
			fieldCreatedBy:     env.CreatedBy,
			fieldCorrelationID: env.CorrelationID,
		},
	}
	if d.cfg.MaxLen > 0 {
		args.MaxLen = d.cfg.MaxLen
		args.Approx = true
	}

	entryID, err := d.client.XAdd(ctx, args).Result()
	if err != nil {
		d.logger.Error("failed to publish action",
			zap.String("message_id", env.ID),
			zap.String("message_type", string(env.MessageType)),
			zap.Error(err),
		)
		return types.NewError(types.ErrPublishFailed, "failed to publish action to bus").WithCause(err)
	}

	d.metrics.RecordActionPublished(string(env.MessageType))
	d.logger.Info("action published",
		zap.String("message_id", env.ID),
		zap.String("correlation_id", env.CorrelationID),
		zap.String("message_type", string(env.MessageType)),
		zap.String("entry_id", entryID),
	)
	return nil
}
