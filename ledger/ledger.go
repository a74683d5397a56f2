package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/internal/metrics"
	"github.com/fairwaylabs/rezgate/types"
)

// Config holds the spend policy for one stage.
type Config struct {
	Stage types.Stage

	// DailyCapUSD is the hard daily spend limit.
	DailyCapUSD float64

	// InputCostPer1K and OutputCostPer1K are the model's USD rates per
	// thousand tokens.
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// DefaultConfig returns the spend defaults.
func DefaultConfig(stage types.Stage) Config {
	return Config{
		Stage:           stage,
		DailyCapUSD:     25.0,
		InputCostPer1K:  0.003,
		OutputCostPer1K: 0.015,
	}
}

// Decision is the outcome of a reservation check.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	Message         string    `json:"message,omitempty"`
	CurrentCost     float64   `json:"current_cost"`
	EstimatedCost   float64   `json:"estimated_cost"`
	ProjectedCost   float64   `json:"projected_cost"`
	DailyCap        float64   `json:"daily_cap"`
	RemainingBudget float64   `json:"remaining_budget"`
	RequestCount    int       `json:"request_count"`
	ResetTime       time.Time `json:"reset_time"`
}

// UsageReport summarizes the current day's spend.
type UsageReport struct {
	Stage           types.Stage `json:"stage"`
	Date            string      `json:"date"`
	TotalCost       float64     `json:"total_cost"`
	DailyCap        float64     `json:"daily_cap"`
	RemainingBudget float64     `json:"remaining_budget"`
	PercentUsed     float64     `json:"percentage_used"`
	RequestCount    int         `json:"request_count"`
	InputTokens     int64       `json:"input_tokens"`
	OutputTokens    int64       `json:"output_tokens"`
	ResetTime       time.Time   `json:"reset_time"`
}

// SpendLedger enforces the daily cap.
//
// The failure posture is conservative: if the store cannot be read or
// written, requests are denied rather than allowed to spend blind.
type SpendLedger struct {
	cfg     Config
	store   RecordStore
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewSpendLedger builds a ledger over the given store. All collaborators
// are injected.
func NewSpendLedger(cfg Config, store RecordStore, collector *metrics.Collector, logger *zap.Logger) *SpendLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DailyCapUSD <= 0 {
		cfg.DailyCapUSD = DefaultConfig(cfg.Stage).DailyCapUSD
	}
	return &SpendLedger{
		cfg:     cfg,
		store:   store,
		logger:  logger.With(zap.String("component", "ledger"), zap.String("stage", string(cfg.Stage))),
		metrics: collector,
		now:     time.Now,
	}
}

// CalculateCost converts token counts to USD at the configured rates.
func (l *SpendLedger) CalculateCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*l.cfg.InputCostPer1K +
		float64(outputTokens)/1000*l.cfg.OutputCostPer1K
}

// forToday returns rec if it belongs to day, otherwise a fresh record.
// Stale records are from a previous day and their counters reset.
func (l *SpendLedger) forToday(rec *Record, day string) *Record {
	if rec == nil || rec.Date != day {
		return NewRecord(l.cfg.Stage, day)
	}
	return rec
}

// CheckAndReserve admits or denies a request against the daily cap and,
// when admitted, reserves its estimated cost so concurrent requests see
// the projection. The reservation is settled later by Reconcile.
//
// A store failure denies the request; the caller cannot distinguish it
// from a cap denial except through the message.
func (l *SpendLedger) CheckAndReserve(ctx context.Context, estimatedInput, estimatedOutput int64) *Decision {
	now := l.now()
	day := DayUTC(now)
	estimate := l.CalculateCost(estimatedInput, estimatedOutput)

	decision := &Decision{
		EstimatedCost: estimate,
		DailyCap:      l.cfg.DailyCapUSD,
		ResetTime:     NextResetUTC(now),
	}

	updated, err := l.store.Update(ctx, RecordID(l.cfg.Stage), func(rec *Record) (*Record, error) {
		rec = l.forToday(rec, day)

		current := rec.Cost()
		projected := current + estimate
		decision.CurrentCost = current
		decision.ProjectedCost = projected
		decision.RequestCount = rec.RequestCount
		decision.RemainingBudget = l.cfg.DailyCapUSD - current

		if projected > l.cfg.DailyCapUSD {
			decision.Allowed = false
			decision.Message = fmt.Sprintf(
				"daily spend cap reached: $%.4f spent + $%.4f estimated > $%.2f cap",
				current, estimate, l.cfg.DailyCapUSD)
			// Deny without writing; the stored total stays untouched.
			return nil, nil
		}

		rec.SetCost(projected)
		rec.RequestCount++
		rec.LastUpdated = now.UTC()
		decision.Allowed = true
		decision.RequestCount = rec.RequestCount
		return rec, nil
	})
	if err != nil {
		l.metrics.RecordLedgerBlocked(string(l.cfg.Stage))
		l.logger.Error("spend ledger unavailable, denying conservatively", zap.Error(err))
		return &Decision{
			Allowed:       false,
			Message:       "cost tracking is unavailable; request denied as a precaution",
			EstimatedCost: estimate,
			DailyCap:      l.cfg.DailyCapUSD,
			ResetTime:     NextResetUTC(now),
		}
	}

	if !decision.Allowed {
		l.metrics.RecordLedgerBlocked(string(l.cfg.Stage))
		l.logger.Warn("request denied by daily spend cap",
			zap.Float64("current_cost", decision.CurrentCost),
			zap.Float64("estimated_cost", estimate),
			zap.Float64("daily_cap", l.cfg.DailyCapUSD),
		)
		return decision
	}

	if updated != nil {
		l.metrics.SetLedgerSpend(string(l.cfg.Stage), updated.Cost())
	}
	l.logger.Debug("spend reserved",
		zap.Float64("estimated_cost", estimate),
		zap.Float64("projected_cost", decision.ProjectedCost),
	)
	return decision
}

// Reconcile settles a reservation against actual usage. The day's total
// is recomputed from the cumulative token counters, so any gap between
// the estimate and reality disappears instead of compounding.
//
// Reconcile never fails the caller: the inference already happened and
// the response must be delivered. Persist failures are logged and the
// next reconcile corrects the total.
func (l *SpendLedger) Reconcile(ctx context.Context, usage types.TokenUsage) {
	now := l.now()
	day := DayUTC(now)
	actualCost := l.CalculateCost(int64(usage.InputTokens), int64(usage.OutputTokens))

	updated, err := l.store.Update(ctx, RecordID(l.cfg.Stage), func(rec *Record) (*Record, error) {
		rec = l.forToday(rec, day)
		rec.InputTokens += int64(usage.InputTokens)
		rec.OutputTokens += int64(usage.OutputTokens)
		rec.SetCost(l.CalculateCost(rec.InputTokens, rec.OutputTokens))
		rec.LastUpdated = now.UTC()
		return rec, nil
	})
	if err != nil {
		l.logger.Error("failed to reconcile spend, total will self-correct on next reconcile",
			zap.Int("input_tokens", usage.InputTokens),
			zap.Int("output_tokens", usage.OutputTokens),
			zap.Error(err),
		)
		return
	}

	l.metrics.RecordCost(string(l.cfg.Stage), actualCost)
	l.metrics.SetLedgerSpend(string(l.cfg.Stage), updated.Cost())
	l.logger.Info("spend reconciled",
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Float64("actual_cost", actualCost),
		zap.Float64("total_cost", updated.Cost()),
	)
}

// Usage reports the current day's spend state.
func (l *SpendLedger) Usage(ctx context.Context) (*UsageReport, error) {
	now := l.now()
	day := DayUTC(now)

	rec, err := l.store.Get(ctx, RecordID(l.cfg.Stage))
	if err != nil {
		return nil, types.NewError(types.ErrLedgerUnavailable, "failed to load spend record").WithCause(err)
	}
	rec = l.forToday(rec, day)

	return &UsageReport{
		Stage:           l.cfg.Stage,
		Date:            rec.Date,
		TotalCost:       rec.Cost(),
		DailyCap:        l.cfg.DailyCapUSD,
		RemainingBudget: l.cfg.DailyCapUSD - rec.Cost(),
		PercentUsed:     rec.Cost() / l.cfg.DailyCapUSD * 100,
		RequestCount:    rec.RequestCount,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		ResetTime:       NextResetUTC(now),
	}, nil
}
