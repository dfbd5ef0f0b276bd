package eventbus

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/baechuer/eventbus/internal/eventbus/dispatch"
	"github.com/baechuer/eventbus/internal/eventbus/metrics"
)

// RunState is the lifecycle state of a Runner (spec.md §5 NEW/STARTED/STOPPED).
type RunState int32

const (
	StateNew RunState = iota
	StateStarted
	StateStopped
)

// RunnerConfig tunes poll cadence, batch size, lease duration and the
// worker pool width (spec.md §2/§5). Zero values are replaced by sane
// defaults in NewRunner, mirroring the teacher's defaulting style in its
// Worker constructor.
type RunnerConfig struct {
	TableName         string
	OwnerTag          string
	PollInterval      time.Duration
	BatchSize         int
	LeaseDuration     time.Duration
	NbThreads         int
	ShutdownGrace     time.Duration
	MaxFailureRetries int
}

func (c *RunnerConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.NbThreads <= 0 {
		c.NbThreads = 1
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.MaxFailureRetries < 0 {
		c.MaxFailureRetries = 0
	}
}

// Runner is component E: it owns the claim/decode/dispatch/ack poll loop for
// one queue table and drives the state machine NEW -> STARTED -> STOPPED
// (spec.md §5).
type Runner struct {
	cfg   RunnerConfig
	queue *DBBackedQueue
	codec *Codec
	disp  Dispatcher
	clock Clock
	sink  metrics.Sink
	log   zerolog.Logger

	mu    sync.Mutex
	state RunState
	stop  chan struct{}
	done  chan struct{}
}

// Dispatcher is the narrow view of dispatch.Delegate the runner needs,
// scoped down so eventbus doesn't import the dispatch package's Handler type.
type Dispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) error
}

// NewRunner builds a Runner for one table. cfg is copied and defaulted.
func NewRunner(cfg RunnerConfig, queue *DBBackedQueue, codec *Codec, disp Dispatcher, clock Clock, sink metrics.Sink, log zerolog.Logger) *Runner {
	cfg.setDefaults()
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Runner{
		cfg:   cfg,
		queue: queue,
		codec: codec,
		disp:  disp,
		clock: clock,
		sink:  sink,
		log:   log.With().Str("component", "eventbus_runner").Str("table", cfg.TableName).Logger(),
		state: StateNew,
	}
}

// State reports the current lifecycle state.
func (r *Runner) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start transitions NEW or STOPPED -> STARTED, initializing the queue and
// launching the poll loop. Calling Start while already STARTED is a no-op;
// starting again after Stop re-runs initialization.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateStarted {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStarted
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	if err := r.queue.Initialize(ctx); err != nil {
		return fmt.Errorf("eventbus: runner start: %w", err)
	}

	go r.run(ctx)
	return nil
}

// Stop transitions STARTED -> STOPPED, signals the poll loop to exit, and
// waits up to ShutdownGrace for in-flight batches to finish before
// returning, the same bounded drain the teacher's worker pool performs on
// shutdown.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state != StateStarted {
		r.mu.Unlock()
		return
	}
	r.state = StateStopped
	stop := r.stop
	done := r.done
	r.mu.Unlock()

	close(stop)

	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownGrace):
		r.log.Warn().Dur("grace", r.cfg.ShutdownGrace).Msg("shutdown grace exceeded; returning without full drain")
	}
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	r.pollLoop(ctx)
}

// pollLoop claims one batch at a time and processes it to completion —
// staging every row that reaches a terminal state (PROCESSED or FAILED) and
// moving the whole batch's staged rows to history in a single call — before
// claiming the next batch. When a batch comes back full, it re-polls
// immediately instead of waiting for the next tick or notification, on the
// assumption more rows are ready right away (spec.md §5 "poll loop with
// immediate re-poll on a full batch"; §4.E step 4 "after the batch is
// processed, call moveToHistory(staged) exactly once").
func (r *Runner) pollLoop(ctx context.Context) {
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := r.clock()
		rows, err := r.queue.Claim(ctx, r.cfg.OwnerTag, r.cfg.LeaseDuration, r.cfg.BatchSize)
		r.sink.ObserveClaimBatch(r.cfg.TableName, len(rows), r.clock().Sub(start))
		if err != nil {
			r.log.Error().Err(err).Msg("claim batch failed")
			r.waitOrStop(ctx)
			continue
		}

		if len(rows) > 0 {
			r.processBatch(ctx, rows)
		}

		if len(rows) < r.cfg.BatchSize {
			r.waitOrStop(ctx)
		}
	}
}

func (r *Runner) waitOrStop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.queue.WaitForWork(ctx, r.cfg.PollInterval)
		close(done)
	}()
	select {
	case <-done:
	case <-r.stop:
	case <-ctx.Done():
	}
}

// processBatch runs processOne over every row in a claimed batch, bounded to
// NbThreads concurrent rows at a time, then stages every row that reached a
// terminal state and moves the batch's staged rows to history with one
// MoveToHistory call, exercising the DAO's documented bulk-batched contract
// (spec.md §4.B) instead of one MoveToHistory call per row.
func (r *Runner) processBatch(ctx context.Context, rows []Row) {
	var g errgroup.Group
	g.SetLimit(r.cfg.NbThreads)

	var mu sync.Mutex
	staged := make([]Row, 0, len(rows))

	for _, row := range rows {
		row := row
		g.Go(func() error {
			log := r.log.With().Int64("record_id", row.RecordID).Str("class_name", row.ClassName).Logger()
			terminal, ok := r.processOne(ctx, row, log)
			if ok {
				mu.Lock()
				staged = append(staged, terminal)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(staged) == 0 {
		return
	}
	if err := r.queue.MoveToHistory(ctx, staged); err != nil {
		r.log.Error().Err(err).Msg("move to history (batch) failed")
	}
}

// processOne decodes and dispatches one claimed row. It returns (row, true)
// when the row reached a terminal state (PROCESSED or FAILED) and must be
// staged for the batch's single MoveToHistory call; it returns (Row{},
// false) when the row was instead scheduled for retry (already written back
// via UpdateOnError) or a bookkeeping write failed, in which case there is
// nothing left to stage. A decode failure is treated as a dispatch exception
// for accounting purposes (spec.md §4.E step 1, §7 error kind 3): it goes
// through retryOrFail exactly like a handler failure, so a misconfigured
// decoder retries up to MaxFailureRetries before the row is parked FAILED,
// instead of failing on the very first attempt.
func (r *Runner) processOne(ctx context.Context, row Row, log zerolog.Logger) (Row, bool) {
	start := r.clock()

	event, err := r.codec.Decode(row.ClassName, row.EventJSON)
	if err != nil {
		log.Error().Err(err).Msg("decode failed")
		terminal, ok := r.retryOrFail(ctx, row, log)
		r.sink.ObserveDispatch(row.ClassName, "decode_error", r.clock().Sub(start))
		return terminal, ok
	}

	dispatchErr := r.disp.Dispatch(ctx, event)
	d := r.clock().Sub(start)
	if dispatchErr != nil {
		log.Warn().Err(dispatchErr).Msg("dispatch failed")
		terminal, ok := r.retryOrFail(ctx, row, log)
		r.sink.ObserveDispatch(row.ClassName, "error", d)
		return terminal, ok
	}

	r.sink.ObserveDispatch(row.ClassName, "ok", d)
	row.ProcessingState = StateProcessed
	return row, true
}

// retryOrFail implements spec.md §4.E's accounting rule: after incrementing
// errorCount, a row is retried while errorCount <= MaxFailureRetries and
// becomes a terminal FAILED row once it exceeds that ceiling — so a
// MaxFailureRetries of N permits exactly N retries (N+1 total attempts). A
// retried row is written back immediately via UpdateOnError (it never moves
// to history), while a FAILED row is handed back to the caller to stage
// alongside the rest of the batch.
func (r *Runner) retryOrFail(ctx context.Context, row Row, log zerolog.Logger) (Row, bool) {
	row.ErrorCount++
	if row.ErrorCount > r.cfg.MaxFailureRetries {
		row.ProcessingState = StateFailed
		r.sink.IncFailed(row.ClassName)
		return row, true
	}

	backoff := computeBackoff(row.ErrorCount)
	if err := r.queue.UpdateOnError(ctx, row, backoff); err != nil {
		log.Error().Err(err).Msg("update on error failed")
		return Row{}, false
	}
	r.sink.IncRetry(row.ClassName)
	log.Info().Int("error_count", row.ErrorCount).Dur("backoff", backoff).Msg("scheduled retry")
	return Row{}, false
}

// computeBackoff is the monotone bounded retry backoff (spec.md §5): base
// 2^errorCount seconds clamped to [5s, 30m], with +/-10% jitter so many
// simultaneously-failing rows don't retry in lockstep. Grounded on the
// teacher's computeNextRetry, decoupled here from the poll interval as the
// spec requires.
func computeBackoff(errorCount int) time.Duration {
	if errorCount < 0 {
		errorCount = 0
	}

	sec := math.Pow(2, float64(errorCount))
	if sec < 5 {
		sec = 5
	}
	if sec > 1800 {
		sec = 1800
	}

	d := time.Duration(sec) * time.Second
	jitter := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + jitter
}
