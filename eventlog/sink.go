// Package eventlog delivers structured per-job processing records to an
// external observability collaborator. The processor emits one event per
// processed job, in completion order; sinks decide where the records go.
package eventlog

import (
	"context"

	"github.com/c360studio/stagecache/fingerprint"
)

// Outcome classifies how a job was satisfied.
type Outcome string

// Job outcomes.
const (
	OutcomeHit      Outcome = "hit"
	OutcomeComputed Outcome = "computed"
	OutcomeFailed   Outcome = "failed"
)

// Event is one self-describing processing record.
type Event struct {
	ItemID       string                  `json:"item_id"`
	Fingerprint  fingerprint.Fingerprint `json:"fingerprint"`
	Outcome      Outcome                 `json:"outcome"`
	LatencyMS    int64                   `json:"latency_ms"`
	CostEstimate float64                 `json:"cost_estimate"`
	Error        string                  `json:"error,omitempty"`
}

// Sink receives processing events. Implementations must tolerate concurrent
// callers; the processor serializes events into completion order before
// recording them.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// NopSink discards all events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Event) error { return nil }
