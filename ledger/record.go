// Package ledger enforces a daily inference spend cap.
//
// Spend is tracked per stage in a single daily record. Requests reserve
// their estimated cost optimistically before the inference call and
// reconcile against actual token usage afterwards; the reconcile step
// recomputes the day's total from cumulative token counts so estimate
// drift never accumulates.
package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fairwaylabs/rezgate/types"
)

// recordIDPrefix namespaces the per-stage daily record.
const recordIDPrefix = "cost_tracker_"

// RecordID returns the ledger record identifier for a stage.
func RecordID(stage types.Stage) string {
	return recordIDPrefix + string(stage)
}

// Record is the persisted daily spend state for one stage.
//
// TotalCost is stored as a decimal string to keep the persisted form
// stable and human-auditable; it is parsed on read and formatted on
// write.
type Record struct {
	ID           string    `json:"id"`
	Date         string    `json:"date"` // UTC day, 2006-01-02
	TotalCost    string    `json:"total_cost"`
	RequestCount int       `json:"request_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	LastUpdated  time.Time `json:"last_updated"`
}

// NewRecord returns a zeroed record for the given stage and day.
func NewRecord(stage types.Stage, day string) *Record {
	return &Record{
		ID:        RecordID(stage),
		Date:      day,
		TotalCost: formatCost(0),
	}
}

// Cost parses the stored total. A corrupt value reads as zero spend,
// which the caller treats the same as a fresh day.
func (r *Record) Cost() float64 {
	if r == nil || r.TotalCost == "" {
		return 0
	}
	v, err := strconv.ParseFloat(r.TotalCost, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// SetCost stores a total, clamped at zero.
func (r *Record) SetCost(v float64) {
	if v < 0 {
		v = 0
	}
	r.TotalCost = formatCost(v)
}

func formatCost(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// DayUTC formats t as the ledger's day key.
func DayUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextResetUTC returns the next midnight UTC after t, when the daily
// window rolls over.
func NextResetUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// String implements fmt.Stringer for log output.
func (r *Record) String() string {
	return fmt.Sprintf("%s date=%s cost=%s requests=%d tokens=%d/%d",
		r.ID, r.Date, r.TotalCost, r.RequestCount, r.InputTokens, r.OutputTokens)
}
