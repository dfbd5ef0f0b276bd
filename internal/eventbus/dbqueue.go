package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// notifyKey scopes post-commit wake-up channels per table, so one process
// hosting several DBBackedQueue instances (distinct tableName each) doesn't
// cross-wake runners that have nothing ready.
type notifyKey = string

// DBBackedQueue is component C: it wraps a DAO with the bookkeeping the raw
// data-access port doesn't own — idempotent Initialize, owner-tag/lease
// supply for claiming, and the post-commit-only notification hook that lets
// Post wake a polling runner earlier than its next tick (spec.md §4.C).
type DBBackedQueue struct {
	dao       DAO
	tableName string
	clock     Clock

	mu          sync.Mutex
	initialized bool
	subscribers map[notifyKey][]chan struct{}
}

// NewDBBackedQueue wraps dao for the table named tableName. tableName is
// only used to key notifications and label errors; the DAO itself already knows
// which table it reads and writes.
func NewDBBackedQueue(dao DAO, tableName string, clock Clock) *DBBackedQueue {
	return &DBBackedQueue{
		dao:         dao,
		tableName:   tableName,
		clock:       clock,
		subscribers: make(map[notifyKey][]chan struct{}),
	}
}

// Initialize reaps any leases left dangling by a previous process that
// crashed mid-claim, so a restarted runner doesn't wait out a stale lease
// before picking those rows back up. Safe to call more than once; later
// calls are normal reap passes, not special-cased no-ops.
func (q *DBBackedQueue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	q.initialized = true
	q.mu.Unlock()

	n, err := q.dao.ReapExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("eventbus: initialize %s: %w", q.tableName, err)
	}
	_ = n // the reaped count is not reported
	return nil
}

// Post appends row outside any caller transaction and wakes any runner
// waiting on this table immediately, since there is no commit to wait for.
func (q *DBBackedQueue) Post(ctx context.Context, row *Row) error {
	if err := q.dao.Insert(ctx, row); err != nil {
		return err
	}
	q.notify()
	return nil
}

// PostFromTransaction binds row's insert to tx and registers a post-commit
// hook that wakes waiting runners only if tx actually commits (spec.md §1
// "transactional publish contract", §4.C). A rolled-back tx never wakes
// anyone, because OnCommit callbacks never fire for a rollback.
func (q *DBBackedQueue) PostFromTransaction(ctx context.Context, tx Tx, row *Row) error {
	if err := q.dao.InsertTx(ctx, tx, row); err != nil {
		return err
	}
	tx.OnCommit(q.notify)
	return nil
}

// notify wakes every goroutine currently blocked in WaitForWork.
func (q *DBBackedQueue) notify() {
	q.mu.Lock()
	subs := q.subscribers[q.tableName]
	q.subscribers[q.tableName] = nil
	q.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// WaitForWork blocks until either a Post commits, pollInterval elapses, or
// ctx is cancelled — whichever happens first. The runner's poll loop uses
// this instead of a bare ticker so a freshly-posted row can be claimed
// without waiting out a full idle interval.
func (q *DBBackedQueue) WaitForWork(ctx context.Context, pollInterval time.Duration) {
	ch := make(chan struct{})
	q.mu.Lock()
	q.subscribers[q.tableName] = append(q.subscribers[q.tableName], ch)
	q.mu.Unlock()

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (q *DBBackedQueue) Claim(ctx context.Context, ownerTag string, leaseDuration time.Duration, limit int) ([]Row, error) {
	return q.dao.ClaimReady(ctx, ownerTag, leaseDuration, limit)
}

func (q *DBBackedQueue) UpdateOnError(ctx context.Context, row Row, backoff time.Duration) error {
	return q.dao.UpdateOnError(ctx, row, backoff)
}

func (q *DBBackedQueue) MoveToHistory(ctx context.Context, rows []Row) error {
	return q.dao.MoveToHistory(ctx, rows)
}

func (q *DBBackedQueue) GetInProcessing(ctx context.Context) ([]Row, error) {
	return q.dao.GetInProcessing(ctx)
}

func (q *DBBackedQueue) GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return q.dao.GetReady(ctx, searchKey1, searchKey2)
}

func (q *DBBackedQueue) GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return q.dao.GetReadyOrInProcessing(ctx, searchKey1, searchKey2)
}

func (q *DBBackedQueue) GetReadyTx(ctx context.Context, tx Tx, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return q.dao.GetReadyTx(ctx, tx, searchKey1, searchKey2)
}

func (q *DBBackedQueue) GetReadyOrInProcessingTx(ctx context.Context, tx Tx, searchKey1 *int64, searchKey2 int64) ([]Row, error) {
	return q.dao.GetReadyOrInProcessingTx(ctx, tx, searchKey1, searchKey2)
}
