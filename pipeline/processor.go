package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/stagecache/cache"
	"github.com/c360studio/stagecache/checkpoint"
	"github.com/c360studio/stagecache/eventlog"
	"github.com/c360studio/stagecache/fingerprint"
)

// Processor drives batches of jobs through a stage, consulting the cache,
// computing only what is missing, and checkpointing progress for resume.
//
// The cache store is the only shared mutable resource; all mutation goes
// through its Put/Invalidate operations. A fingerprint-scoped single-flight
// group guarantees at most one concurrent computation per fingerprint, held
// only for the duration of the computation, never for cache reads.
type Processor struct {
	store          cache.Store
	checkpointRoot string
	sink           eventlog.Sink
	logger         *slog.Logger
	jobTimeout     time.Duration

	flights singleflight.Group
}

// Option configures a Processor.
type Option func(*Processor)

// WithSink sets the event log sink receiving one record per processed job.
func WithSink(sink eventlog.Sink) Option {
	return func(p *Processor) {
		p.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithJobTimeout bounds each compute invocation. On timeout the job is marked
// failed with an ErrTimeout cause and the worker moves on, so a hung external
// call never starves the pool. Zero disables the bound.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.jobTimeout = d
	}
}

// NewProcessor creates a processor writing checkpoint logs under
// checkpointRoot.
func NewProcessor(store cache.Store, checkpointRoot string, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if checkpointRoot == "" {
		return nil, fmt.Errorf("checkpoint root is required")
	}

	p := &Processor{
		store:          store,
		checkpointRoot: checkpointRoot,
		sink:           eventlog.NopSink{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// task pairs a job with its resolved fingerprint.
type task struct {
	job Job
	fp  fingerprint.Fingerprint
}

// flightResult is the shared outcome of one fingerprint-scoped computation.
type flightResult struct {
	artifact *Artifact

	// computedBy is the item whose worker actually invoked compute. Other
	// jobs sharing the flight reuse the result as a hit.
	computedBy string

	// fromCache is set when the flight found the entry already stored by a
	// concurrent batch between partitioning and computing.
	fromCache bool
}

// Process runs a batch of jobs through a stage.
//
// Configuration problems (an unserializable stage config, a missing item ID)
// abort the whole call before any job starts. Per-item compute and storage
// failures never abort the batch; they are recorded in the report and in the
// checkpoint log so a later call can retry them. Jobs already marked done in
// a prior run of the same batch are skipped as long as their cache entry is
// still present; a done job whose entry has vanished is recomputed.
//
// If batchID is empty a new one is generated, which effectively disables
// resume across calls; callers wanting resumable batches supply a stable ID.
func (p *Processor) Process(ctx context.Context, batchID string, jobs []Job, compute Compute, concurrency int) (*Report, error) {
	start := time.Now()

	if compute == nil {
		return nil, fmt.Errorf("compute callback is required")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if batchID == "" {
		batchID = uuid.New().String()
	}

	// Validate every job up front so configuration errors surface before
	// any computation or checkpointing happens.
	tasks := make([]task, len(jobs))
	seen := make(map[string]struct{}, len(jobs))
	for i, job := range jobs {
		if job.ItemID == "" {
			return nil, fmt.Errorf("job %d: item ID is required", i)
		}
		if _, dup := seen[job.ItemID]; dup {
			return nil, fmt.Errorf("duplicate item ID %q in batch", job.ItemID)
		}
		seen[job.ItemID] = struct{}{}

		fp, err := fingerprint.Compute(job.Content, job.Stage, job.Model, job.Config)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ItemID, err)
		}
		tasks[i] = task{job: job, fp: fp}
	}

	log, err := checkpoint.OpenLog(p.checkpointRoot, batchID)
	if err != nil {
		return nil, err
	}
	defer log.Close()

	prior, err := log.Replay()
	if err != nil {
		return nil, err
	}

	report := &Report{BatchID: batchID}
	var mu sync.Mutex

	// Partition into cached and pending. A checkpoint marked done only
	// counts when the cache entry is still present; a vanished entry
	// (manual invalidation, eviction) reclassifies the job as pending.
	var pending []task
	for _, tk := range tasks {
		lookupStart := time.Now()
		if _, err := p.store.Get(tk.fp); err == nil {
			if rec, ok := prior[tk.job.ItemID]; !ok || rec.Status != checkpoint.StatusDone || rec.Fingerprint != tk.fp {
				p.appendCheckpoint(log, tk, checkpoint.StatusDone, nil)
			}
			p.finish(ctx, &mu, report, tk, eventlog.OutcomeHit, time.Since(lookupStart), 0, nil)
			continue
		}
		pending = append(pending, tk)
	}

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, tk := range pending {
		g.Go(func() error {
			p.runJob(ctx, log, &mu, report, tk, compute)
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(start)

	p.logger.Debug("Batch processed",
		"batch_id", batchID,
		"jobs", len(jobs),
		"hits", report.Hits,
		"computed", report.Computed,
		"failed", report.Failed,
		"elapsed", report.Elapsed)

	return report, nil
}

// runJob executes one pending job through the fingerprint-scoped flight,
// stores the artifact, checkpoints the outcome, and updates the report.
func (p *Processor) runJob(ctx context.Context, log *checkpoint.Log, mu *sync.Mutex, report *Report, tk task, compute Compute) {
	jobStart := time.Now()

	res, err, _ := p.flights.Do(string(tk.fp), func() (any, error) {
		// A concurrent batch may have stored the entry since this batch
		// partitioned; reuse it rather than recomputing.
		if _, getErr := p.store.Get(tk.fp); getErr == nil {
			return flightResult{fromCache: true}, nil
		}

		artifact, computeErr := p.invoke(ctx, tk.job, compute)
		if computeErr != nil {
			return nil, computeErr
		}

		putErr := p.store.Put(tk.fp, tk.job.Stage, artifact.Payload, artifact.Metadata)
		if putErr != nil && !errors.Is(putErr, cache.ErrAlreadyExists) {
			// Storage failure degrades this job to failed; the batch
			// continues.
			return nil, fmt.Errorf("store artifact: %w", putErr)
		}
		return flightResult{artifact: artifact, computedBy: tk.job.ItemID}, nil
	})

	latency := time.Since(jobStart)

	if err != nil {
		p.appendCheckpoint(log, tk, checkpoint.StatusFailed, err)
		p.finish(ctx, mu, report, tk, eventlog.OutcomeFailed, latency, 0, err)
		return
	}

	fr := res.(flightResult)
	p.appendCheckpoint(log, tk, checkpoint.StatusDone, nil)

	if fr.computedBy == tk.job.ItemID {
		p.finish(ctx, mu, report, tk, eventlog.OutcomeComputed, latency, fr.artifact.CostEstimate, nil)
		return
	}
	// The flight was computed by (or cached for) another job; this one
	// reused the result without computing.
	p.finish(ctx, mu, report, tk, eventlog.OutcomeHit, latency, 0, nil)
}

// invoke runs the compute callback bounded by the per-job timeout. The
// callback runs in its own goroutine so a call that ignores cancellation
// still frees the worker on timeout.
func (p *Processor) invoke(ctx context.Context, job Job, compute Compute) (*Artifact, error) {
	cctx := ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	type outcome struct {
		artifact *Artifact
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		artifact, err := compute(cctx, job)
		ch <- outcome{artifact: artifact, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			// Map to ErrTimeout only when this job's own deadline expired;
			// a deadline error the callback produced internally is passed
			// through unchanged.
			if errors.Is(out.err, context.DeadlineExceeded) &&
				errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, p.jobTimeout)
			}
			return nil, out.err
		}
		if out.artifact == nil {
			return nil, fmt.Errorf("compute returned nil artifact")
		}
		return out.artifact, nil
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, p.jobTimeout)
		}
		return nil, cctx.Err()
	}
}

// appendCheckpoint records a terminal status for a job. Append failures are
// logged, not propagated: the artifact is already cached, so a later run
// recovers through the cache lookup.
func (p *Processor) appendCheckpoint(log *checkpoint.Log, tk task, status checkpoint.Status, cause error) {
	rec := checkpoint.Record{
		ItemID:      tk.job.ItemID,
		Fingerprint: tk.fp,
		Status:      status,
		CompletedAt: time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := log.Append(rec); err != nil {
		p.logger.Warn("Failed to append checkpoint record",
			"item_id", tk.job.ItemID,
			"status", string(status),
			"error", err)
	}
}

// finish updates the report and emits the job's event in completion order.
func (p *Processor) finish(ctx context.Context, mu *sync.Mutex, report *Report, tk task, outcome eventlog.Outcome, latency time.Duration, cost float64, cause error) {
	mu.Lock()
	defer mu.Unlock()

	switch outcome {
	case eventlog.OutcomeHit:
		report.Hits++
	case eventlog.OutcomeComputed:
		report.Computed++
	case eventlog.OutcomeFailed:
		report.Failed++
		report.Failures = append(report.Failures, Failure{
			ItemID:      tk.job.ItemID,
			Fingerprint: tk.fp,
			Err:         cause,
		})
	}

	ev := eventlog.Event{
		ItemID:       tk.job.ItemID,
		Fingerprint:  tk.fp,
		Outcome:      outcome,
		LatencyMS:    latency.Milliseconds(),
		CostEstimate: cost,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := p.sink.Record(ctx, ev); err != nil {
		p.logger.Warn("Failed to record processing event",
			"item_id", tk.job.ItemID,
			"outcome", string(outcome),
			"error", err)
	}
}
