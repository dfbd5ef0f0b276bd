package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/eventbus/internal/eventbus/dispatch"
	"github.com/baechuer/eventbus/internal/eventbus/metrics"
)

// Config is the bus's own tuning surface (spec.md §6), distinct from the
// process-wide internal/config.Config the binary loads env vars into.
// cmd/eventbusd builds one of these from the loaded process config.
type Config struct {
	TableName         string
	NbThreads         int
	PollInterval      time.Duration
	ClaimBatchSize    int
	ClaimLease        time.Duration
	MaxFailureRetries int
	InstanceName      string
}

// Bus is component F: the public facade, constructed with its collaborators
// injected rather than reached for as package-level singletons, following
// the teacher's service.NewJoinService(repo, cache) shape.
type Bus struct {
	cfg    Config
	queue  *DBBackedQueue
	codec  *Codec
	disp   *dispatch.Delegate
	clock  Clock
	sink   metrics.Sink
	log    zerolog.Logger
	runner *Runner
}

// New wires a Bus from its collaborators. dao is the storage backend (e.g.
// pgqueue.New(pool, cfg.TableName)); codec must already have every event
// type's decoder registered; clock is RealClock in production and a fixed
// clock in tests; sink may be metrics.NoopSink{} when no metrics backend is
// wired.
func New(cfg Config, dao DAO, codec *Codec, clock Clock, sink metrics.Sink, log zerolog.Logger) *Bus {
	if clock == nil {
		clock = RealClock
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	queue := NewDBBackedQueue(dao, cfg.TableName, clock)
	disp := dispatch.NewDelegate()

	b := &Bus{
		cfg:   cfg,
		queue: queue,
		codec: codec,
		disp:  disp,
		clock: clock,
		sink:  sink,
		log:   log.With().Str("component", "eventbus").Str("table", cfg.TableName).Logger(),
	}
	b.runner = NewRunner(RunnerConfig{
		TableName:         cfg.TableName,
		OwnerTag:          cfg.InstanceName,
		PollInterval:      cfg.PollInterval,
		BatchSize:         cfg.ClaimBatchSize,
		LeaseDuration:     cfg.ClaimLease,
		NbThreads:         cfg.NbThreads,
		MaxFailureRetries: cfg.MaxFailureRetries,
	}, queue, codec, disp, clock, sink, log)
	return b
}

// Start is idempotent: a no-op if already STARTED (spec.md §4.E). It
// initializes the queue (reaping stale leases) before launching the worker
// pool.
func (b *Bus) Start(ctx context.Context) error {
	return b.runner.Start(ctx)
}

// Stop is idempotent: a no-op if not STARTED. It signals the pool to drain
// in-flight events and joins workers within a bounded shutdown deadline.
func (b *Bus) Stop() {
	b.runner.Stop()
}

// IsStarted reports whether the bus is currently in the STARTED state.
func (b *Bus) IsStarted() bool {
	return b.runner.State() == StateStarted
}

// requireStarted reports whether the bus is STARTED, logging a WARN and
// returning false otherwise. post, register, and unregister are no-ops
// while the bus is NEW or STOPPED (spec.md §4.E, §7 error kind 5
// "lifecycle misuse").
func (b *Bus) requireStarted(op string) bool {
	if b.runner.State() != StateStarted {
		b.log.Warn().Str("op", op).Msg("bus not started; no-op")
		return false
	}
	return true
}

// Register adds handler to the dispatch delegate and returns a token for
// Unregister. It is a no-op, returning 0, unless the bus is STARTED.
func (b *Bus) Register(handler dispatch.Handler) uint64 {
	if !b.requireStarted("register") {
		return 0
	}
	return b.disp.Register(handler)
}

// Unregister removes every registration made by the Register call that
// returned id. It is a no-op unless the bus is STARTED.
func (b *Bus) Unregister(id uint64) {
	if !b.requireStarted("unregister") {
		return
	}
	b.disp.Unregister(id)
}

// Post publishes event outside any caller transaction. It is a no-op unless
// the bus is STARTED. Serialization and storage errors are logged and
// swallowed: a bus-side encoding bug must never propagate up to an
// unrelated caller (spec.md §4.F).
func (b *Bus) Post(ctx context.Context, event Event) {
	if !b.requireStarted("post") {
		return
	}
	row, err := b.buildRow(event)
	if err != nil {
		b.log.Error().Err(err).Str("class_name", event.ClassName()).Msg("post: encode failed, event dropped")
		return
	}
	if err := b.queue.Post(ctx, row); err != nil {
		b.log.Error().Err(err).Str("class_name", event.ClassName()).Msg("post: insert failed, event dropped")
	}
}

// PostFromTransaction publishes event bound to tx, so the insert commits or
// rolls back atomically with the caller's own transaction (spec.md §1
// "transactional publish contract"). Unlike Post, a storage error here
// propagates to the caller — only a serialization failure is swallowed (as
// a silent, WARN-logged skip) so a bus-side encoding bug never aborts the
// caller's transaction, the deliberate asymmetry spec.md §4.F calls out.
func (b *Bus) PostFromTransaction(ctx context.Context, tx Tx, event Event) error {
	row, err := b.buildRow(event)
	if err != nil {
		b.log.Warn().Err(err).Str("class_name", event.ClassName()).Msg("postFromTransaction: encode failed, event skipped")
		return nil
	}
	return b.queue.PostFromTransaction(ctx, tx, row)
}

func (b *Bus) buildRow(event Event) (*Row, error) {
	className, payload, err := b.codec.Encode(event)
	if err != nil {
		return nil, fmt.Errorf("eventbus: build row for %s: %w", event.ClassName(), err)
	}
	searchKey1, searchKey2 := searchKeysOf(event)
	return &Row{
		ClassName:   className,
		EventJSON:   payload,
		UserToken:   userTokenOf(event),
		SearchKey1:  searchKey1,
		SearchKey2:  searchKey2,
		CreatedDate: b.clock(),
		CreatorName: b.cfg.InstanceName,
	}, nil
}

// GetInProcessing returns every live row currently IN_PROCESSING.
func (b *Bus) GetInProcessing(ctx context.Context) ([]Row, error) {
	return b.queue.GetInProcessing(ctx)
}

// GetReady returns AVAILABLE rows matching the given search keys. Pass a
// nil searchKey1 to filter on searchKey2 alone.
func (b *Bus) GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return b.queue.GetReady(ctx, searchKey1, searchKey2)
}

// GetReadyOrInProcessing returns AVAILABLE or IN_PROCESSING rows matching
// the given search keys.
func (b *Bus) GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return b.queue.GetReadyOrInProcessing(ctx, searchKey1, searchKey2)
}

// GetReadyTx is GetReady run inside the caller's own transaction, so a
// caller that just posted rows in tx can observe them before committing.
func (b *Bus) GetReadyTx(ctx context.Context, tx Tx, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return b.queue.GetReadyTx(ctx, tx, searchKey1, searchKey2)
}

// GetReadyOrInProcessingTx is GetReadyOrInProcessing run inside the
// caller's own transaction.
func (b *Bus) GetReadyOrInProcessingTx(ctx context.Context, tx Tx, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return b.queue.GetReadyOrInProcessingTx(ctx, tx, searchKey1, searchKey2)
}
