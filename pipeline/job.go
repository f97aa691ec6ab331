// Package pipeline drives batches of work items through a processing stage
// incrementally: cached artifacts are reused, only missing ones are computed,
// and per-item completion is checkpointed so an interrupted run resumes
// without redoing finished work.
package pipeline

import (
	"context"
	"time"

	"github.com/c360studio/stagecache/fingerprint"
)

// Job is one unit of work submitted to a processing stage. Jobs are
// ephemeral; they live only for the duration of one Process call.
type Job struct {
	// ItemID identifies the item within its batch.
	ItemID string

	// Content is the raw input bytes for the stage.
	Content []byte

	// Stage is the pipeline stage name (extraction, synthesis, triage...).
	Stage string

	// Model identifies the generative model the stage runs against.
	Model string

	// Config is the stage configuration; it participates in fingerprinting.
	Config fingerprint.StageConfig
}

// Artifact is the output of computing one job.
type Artifact struct {
	// Payload is the artifact content stored in the cache.
	Payload []byte

	// Metadata is caller-supplied artifact metadata stored alongside.
	Metadata map[string]string

	// CostEstimate is the caller's estimate of what the computation cost,
	// forwarded to the event log.
	CostEstimate float64
}

// Compute produces the artifact for a job. It is treated as opaque, possibly
// expensive, and possibly failing; implementations should honor ctx
// cancellation since the processor bounds each invocation with a timeout.
type Compute func(ctx context.Context, job Job) (*Artifact, error)

// Failure describes one failed item in a report.
type Failure struct {
	ItemID      string
	Fingerprint fingerprint.Fingerprint
	Err         error
}

// Report summarizes one Process call. Counts are order-independent of worker
// scheduling.
type Report struct {
	// BatchID is the batch this report covers (generated if the caller
	// passed none).
	BatchID string

	// Hits is the number of jobs satisfied from the cache without
	// invoking compute.
	Hits int

	// Computed is the number of jobs whose compute callback ran.
	Computed int

	// Failed is the number of jobs that ended in a failure.
	Failed int

	// Failures enumerates every failed item with its cause so callers can
	// retry selectively.
	Failures []Failure

	// Elapsed is the total wall time of the Process call.
	Elapsed time.Duration
}
