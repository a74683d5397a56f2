package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/internal/metrics"
)

// PollerConfig configures the response drain.
type PollerConfig struct {
	// Stream is the response stream drained by the agent.
	Stream string
	// Group and Consumer identify this reader in the consumer group.
	Group    string
	Consumer string
	// BatchSize bounds how many entries one read round may return.
	BatchSize int64
	// BlockInterval bounds how long a single read round blocks waiting
	// for new entries. The overall drain window is passed per call.
	BlockInterval time.Duration
	// StaleClaimIdle is the minimum idle age before pending entries left
	// by a dead or stalled consumer are claimed back. Zero disables
	// reclaiming.
	StaleClaimIdle time.Duration
	// MaxDeliveries bounds how many times a pending entry may be
	// delivered before it is moved to the dead-letter stream.
	MaxDeliveries int64
	// DeadLetterStream receives entries that exceeded MaxDeliveries.
	// Defaults to Stream + ":dead".
	DeadLetterStream string
}

// Poller drains action responses from the bus.
//
// Deletion discipline: an entry is acknowledged and deleted only after its
// envelope parsed and matched the drain's correlation ID. Malformed
// entries stay on the stream for operator inspection; entries for other
// turns stay pending until their owner claims them. A response whose turn
// already ended has no owner, so entries delivered more than MaxDeliveries
// times are moved to the dead-letter stream instead of accumulating in the
// pending list forever.
type Poller struct {
	cfg     PollerConfig
	client  *redis.Client
	logger  *zap.Logger
	metrics *metrics.Collector

	groupReady bool
}

// NewPoller wraps an existing bus client.
func NewPoller(cfg PollerConfig, client *redis.Client, collector *metrics.Collector, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stream == "" {
		cfg.Stream = "rezgate:responses"
	}
	if cfg.Group == "" {
		cfg.Group = "rezgate-agent"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "agent-1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ":dead"
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		logger:  logger.With(zap.String("component", "poller")),
		metrics: collector,
	}
}

// ensureGroup creates the consumer group if it does not exist yet.
func (p *Poller) ensureGroup(ctx context.Context) error {
	if p.groupReady {
		return nil
	}
	err := p.client.XGroupCreateMkStream(ctx, p.cfg.Stream, p.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	p.groupReady = true
	return nil
}

// Drain reads responses for correlationID until the window closes or the
// stream goes quiet after at least one match arrived. It never blocks
// longer than window.
func (p *Poller) Drain(ctx context.Context, window time.Duration, correlationID string) ([]*Envelope, error) {
	if correlationID == "" {
		return nil, errors.New("drain requires a correlation id")
	}
	if err := p.ensureGroup(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(window)
	var collected []*Envelope

	// Expire entries nobody will ever claim, then recover entries stuck
	// in another consumer's pending list.
	p.deadLetterExpired(ctx)
	if p.cfg.StaleClaimIdle > 0 {
		collected = append(collected, p.claimStale(ctx, correlationID)...)
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		block := p.cfg.BlockInterval
		if block > remaining {
			block = remaining
		}

		streams, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.cfg.Group,
			Consumer: p.cfg.Consumer,
			Streams:  []string{p.cfg.Stream, ">"},
			Count:    p.cfg.BatchSize,
			Block:    block,
		}).Result()

		empty := errors.Is(err, redis.Nil)
		if err != nil && !empty {
			if ctx.Err() != nil {
				break
			}
			p.observeDrain(ctx, start, collected)
			return collected, fmt.Errorf("read response stream: %w", err)
		}

		matched := 0
		if !empty {
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					if env := p.handleMessage(ctx, msg, correlationID); env != nil {
						collected = append(collected, env)
						matched++
					}
				}
			}
		}

		// A quiet round after at least one response means the burst is
		// over; keep waiting only while nothing has arrived yet.
		if len(collected) > 0 && matched == 0 {
			break
		}
	}

	p.observeDrain(ctx, start, collected)
	return collected, nil
}

// handleMessage applies the deletion discipline to one stream entry and
// returns the envelope when it belongs to this drain.
func (p *Poller) handleMessage(ctx context.Context, msg redis.XMessage, correlationID string) *Envelope {
	raw, ok := msg.Values[fieldBody].(string)
	if !ok {
		p.logger.Warn("response entry has no body, leaving on stream",
			zap.String("entry_id", msg.ID),
		)
		return nil
	}

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		p.logger.Warn("malformed response left on stream",
			zap.String("entry_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	if env.CorrelationID != correlationID {
		// Not ours. Leave it pending for the drain that owns it.
		p.logger.Debug("response for another turn, skipping",
			zap.String("entry_id", msg.ID),
			zap.String("correlation_id", env.CorrelationID),
		)
		return nil
	}

	if err := p.deleteEntry(ctx, msg.ID); err != nil {
		p.logger.Error("failed to delete drained response",
			zap.String("entry_id", msg.ID),
			zap.Error(err),
		)
		// The envelope is still delivered; a duplicate on the next
		// drain is preferable to a lost response.
	}

	p.metrics.RecordResponseReceived(string(env.Status))
	p.logger.Info("response received",
		zap.String("message_id", env.ID),
		zap.String("correlation_id", env.CorrelationID),
		zap.String("status", string(env.Status)),
	)
	return env
}

// deleteEntry acknowledges and removes a consumed entry.
func (p *Poller) deleteEntry(ctx context.Context, entryID string) error {
	if err := p.client.XAck(ctx, p.cfg.Stream, p.cfg.Group, entryID).Err(); err != nil {
		return err
	}
	return p.client.XDel(ctx, p.cfg.Stream, entryID).Err()
}

// deadLetterExpired moves pending entries that were delivered too many
// times to the dead-letter stream. Every stale claim redelivers an entry,
// so a response for a finished turn crosses the bound after a few drains
// instead of being re-scanned indefinitely. Best effort.
func (p *Poller) deadLetterExpired(ctx context.Context) {
	pending, err := p.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: p.cfg.Stream,
		Group:  p.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  p.cfg.BatchSize,
	}).Result()
	if err != nil {
		p.logger.Debug("dead-letter scan skipped", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if entry.RetryCount < p.cfg.MaxDeliveries {
			continue
		}
		msgs, err := p.client.XRange(ctx, p.cfg.Stream, entry.ID, entry.ID).Result()
		if err != nil {
			p.logger.Debug("dead-letter read failed",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
			continue
		}
		if len(msgs) > 0 {
			err := p.client.XAdd(ctx, &redis.XAddArgs{
				Stream: p.cfg.DeadLetterStream,
				Values: msgs[0].Values,
			}).Err()
			if err != nil {
				p.logger.Error("failed to dead-letter response",
					zap.String("entry_id", entry.ID),
					zap.Error(err),
				)
				continue
			}
		}
		if err := p.deleteEntry(ctx, entry.ID); err != nil {
			p.logger.Error("failed to remove dead-lettered response",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
			continue
		}
		p.metrics.RecordResponseDeadLettered()
		p.logger.Warn("response moved to dead-letter stream",
			zap.String("entry_id", entry.ID),
			zap.String("dead_letter_stream", p.cfg.DeadLetterStream),
			zap.Int64("deliveries", entry.RetryCount),
		)
	}
}

// claimStale takes over long-pending entries and runs them through the
// same filter. Best effort: a claim failure only delays recovery.
func (p *Poller) claimStale(ctx context.Context, correlationID string) []*Envelope {
	msgs, _, err := p.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   p.cfg.Stream,
		Group:    p.cfg.Group,
		Consumer: p.cfg.Consumer,
		MinIdle:  p.cfg.StaleClaimIdle,
		Start:    "0-0",
		Count:    p.cfg.BatchSize,
	}).Result()
	if err != nil {
		p.logger.Debug("stale claim skipped", zap.Error(err))
		return nil
	}

	var collected []*Envelope
	for _, msg := range msgs {
		if env := p.handleMessage(ctx, msg, correlationID); env != nil {
			collected = append(collected, env)
		}
	}
	return collected
}

// QueueDepth reports the approximate response backlog.
func (p *Poller) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := p.client.XLen(ctx, p.cfg.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("read response stream length: %w", err)
	}
	p.metrics.SetQueueDepth(depth)
	return depth, nil
}

func (p *Poller) observeDrain(ctx context.Context, start time.Time, collected []*Envelope) {
	p.metrics.ObservePollDuration(time.Since(start).Seconds())
	if depth, err := p.QueueDepth(ctx); err == nil {
		p.logger.Debug("drain finished",
			zap.Int("collected", len(collected)),
			zap.Int64("queue_depth", depth),
		)
	}
}

// FormatForAgent renders drained responses as a tool-result block the
// model can read.
func FormatForAgent(envs []*Envelope) string {
	if len(envs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, env := range envs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Tool Response (status: %s)", env.Status)
		if len(env.Payload) > 0 {
			b.WriteString("\n")
			b.Write(env.Payload)
		}
	}
	return b.String()
}
