package eventbus_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/eventbus/internal/eventbus"
)

// fakeDAO is an in-memory eventbus.DAO used by the unit tests, the way the
// teacher's tests exercise pure logic against fakes rather than a live
// Postgres instance (reserved for the //go:build integration suite).
type fakeDAO struct {
	mu      sync.Mutex
	nextID  int64
	live    map[int64]*eventbus.Row
	history []eventbus.Row

	claimMu sync.Mutex // serializes ClaimReady the way SELECT...FOR UPDATE SKIP LOCKED would
}

func newFakeDAO() *fakeDAO {
	return &fakeDAO{live: make(map[int64]*eventbus.Row)}
}

func (d *fakeDAO) Insert(ctx context.Context, row *eventbus.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	row.RecordID = d.nextID
	row.ProcessingState = eventbus.StateAvailable
	cp := *row
	d.live[row.RecordID] = &cp
	return nil
}

type fakeTx struct {
	mu         sync.Mutex
	committed  bool
	rolledBack bool
	onCommits  []func()
}

func newFakeTx() *fakeTx { return &fakeTx{} }

func (t *fakeTx) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommits = append(t.onCommits, fn)
}

func (t *fakeTx) Commit() {
	t.mu.Lock()
	t.committed = true
	hooks := append([]func(){}, t.onCommits...)
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (t *fakeTx) Rollback() {
	t.mu.Lock()
	t.rolledBack = true
	t.mu.Unlock()
}

// pendingInsert holds an insert staged against a fakeTx until Commit/Rollback.
type pendingInsert struct {
	dao *fakeDAO
	row eventbus.Row
}

func (d *fakeDAO) InsertTx(ctx context.Context, tx eventbus.Tx, row *eventbus.Row) error {
	ft, ok := tx.(*fakeTx)
	if !ok {
		return fmt.Errorf("fakeDAO: tx is not a *fakeTx")
	}
	d.mu.Lock()
	d.nextID++
	row.RecordID = d.nextID
	row.ProcessingState = eventbus.StateAvailable
	d.mu.Unlock()

	cp := *row
	ft.OnCommit(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		stored := cp
		d.live[cp.RecordID] = &stored
	})
	return nil
}

func (d *fakeDAO) ClaimReady(ctx context.Context, ownerTag string, leaseDuration time.Duration, limit int) ([]eventbus.Row, error) {
	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []int64
	for id, r := range d.live {
		if r.ProcessingState == eventbus.StateAvailable {
			available := r.ProcessingAvailableDate == nil || !r.ProcessingAvailableDate.After(time.Now())
			if available {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	leaseUntil := time.Now().Add(leaseDuration)
	out := make([]eventbus.Row, 0, len(ids))
	for _, id := range ids {
		r := d.live[id]
		r.ProcessingState = eventbus.StateInProcessing
		owner := ownerTag
		r.ProcessingOwner = &owner
		r.ProcessingAvailableDate = &leaseUntil
		out = append(out, *r)
	}
	return out, nil
}

func (d *fakeDAO) UpdateOnError(ctx context.Context, row eventbus.Row, backoff time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.live[row.RecordID]
	if !ok {
		return eventbus.ErrRowNotFound
	}
	r.ProcessingState = eventbus.StateAvailable
	r.ProcessingOwner = nil
	next := time.Now().Add(backoff)
	r.ProcessingAvailableDate = &next
	r.ErrorCount = row.ErrorCount
	return nil
}

func (d *fakeDAO) MoveToHistory(ctx context.Context, rows []eventbus.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range rows {
		delete(d.live, row.RecordID)
		d.history = append(d.history, row)
	}
	return nil
}

func (d *fakeDAO) ReapExpiredLeases(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	now := time.Now()
	for _, r := range d.live {
		if r.ProcessingState == eventbus.StateInProcessing && r.ProcessingAvailableDate != nil && r.ProcessingAvailableDate.Before(now) {
			r.ProcessingState = eventbus.StateAvailable
			r.ProcessingOwner = nil
			n++
		}
	}
	return n, nil
}

func (d *fakeDAO) GetInProcessing(ctx context.Context) ([]eventbus.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []eventbus.Row
	for _, r := range d.live {
		if r.ProcessingState == eventbus.StateInProcessing {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (d *fakeDAO) matchesSearchKeys(r *eventbus.Row, searchKey1 *int64, searchKey2 int64) bool {
	if r.SearchKey2 != searchKey2 {
		return false
	}
	if searchKey1 != nil {
		return r.SearchKey1 != nil && *r.SearchKey1 == *searchKey1
	}
	return true
}

func (d *fakeDAO) GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []eventbus.Row
	for _, r := range d.live {
		if r.ProcessingState == eventbus.StateAvailable && d.matchesSearchKeys(r, searchKey1, searchKey2) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (d *fakeDAO) GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []eventbus.Row
	for _, r := range d.live {
		if (r.ProcessingState == eventbus.StateAvailable || r.ProcessingState == eventbus.StateInProcessing) && d.matchesSearchKeys(r, searchKey1, searchKey2) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (d *fakeDAO) GetReadyTx(ctx context.Context, tx eventbus.Tx, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	return d.GetReady(ctx, searchKey1, searchKey2)
}

func (d *fakeDAO) GetReadyOrInProcessingTx(ctx context.Context, tx eventbus.Tx, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	return d.GetReadyOrInProcessing(ctx, searchKey1, searchKey2)
}

var _ eventbus.DAO = (*fakeDAO)(nil)

// historySnapshot returns a copy of the history slice for assertions.
func (d *fakeDAO) historySnapshot() []eventbus.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]eventbus.Row(nil), d.history...)
}

func (d *fakeDAO) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}
