package eventbus

import (
	"context"
	"errors"
	"time"
)

// Tx is a caller-supplied transaction handle. The bus never begins or
// commits it; InsertTx only uses it to bind the row's INSERT statement to
// the caller's transaction so publish commits atomically with the caller's
// own state change (spec.md §1, "transactional publish contract"). Concrete
// DAO implementations assert Tx to their own transaction type (e.g. pgx.Tx).
type Tx interface {
	// OnCommit registers fn to run synchronously right after this
	// transaction commits successfully, and never if it rolls back. The
	// DB-backed queue uses this to fire the post-commit notification hook
	// (spec.md §4.C) without the DAO port needing to know about it.
	OnCommit(fn func())
}

// ErrRowNotFound is an error a DAO may return when an operation names a
// record id that is not in the live table.
var ErrRowNotFound = errors.New("eventbus: row not found")

// DAO is the narrow data-access port (spec.md §4.B). Any conforming storage
// backend is acceptable; pgqueue.Queue is the Postgres implementation this
// repository ships.
type DAO interface {
	// Insert appends row unconditionally, outside any caller transaction.
	Insert(ctx context.Context, row *Row) error

	// InsertTx appends row bound to tx; it commits or rolls back with tx.
	InsertTx(ctx context.Context, tx Tx, row *Row) error

	// ClaimReady atomically selects up to limit AVAILABLE rows whose
	// availableDate has elapsed, flips them to IN_PROCESSING owned by
	// ownerTag with a lease of leaseDuration, and returns the updated rows.
	// A row is returned to at most one caller, even under concurrent callers
	// across processes sharing the same table (spec.md §4.B, §5).
	ClaimReady(ctx context.Context, ownerTag string, leaseDuration time.Duration, limit int) ([]Row, error)

	// UpdateOnError writes back row's incremented errorCount, resets it to
	// AVAILABLE, and sets availableDate = now + backoff(errorCount).
	UpdateOnError(ctx context.Context, row Row, backoff time.Duration) error

	// MoveToHistory inserts each row's terminal copy (PROCESSED or FAILED)
	// into the history table and deletes it from the live table. Bulk
	// batched; must be idempotent if retried after partial success.
	MoveToHistory(ctx context.Context, rows []Row) error

	// ReapExpiredLeases resets IN_PROCESSING rows whose lease (availableDate)
	// has elapsed back to AVAILABLE, for liveness after a crashed claimer.
	ReapExpiredLeases(ctx context.Context) (int64, error)

	// GetInProcessing returns all live rows currently IN_PROCESSING.
	GetInProcessing(ctx context.Context) ([]Row, error)

	// GetReady returns AVAILABLE rows matching the given search keys. When
	// searchKey1 is nil, filter on searchKey2 only.
	GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]Row, error)

	// GetReadyOrInProcessing returns AVAILABLE or IN_PROCESSING rows
	// matching the given search keys, same filtering rule as GetReady.
	GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]Row, error)

	// GetReadyTx and GetReadyOrInProcessingTx are the transactional variants
	// of the two selectors above: the read runs inside the caller's own
	// transaction, so a caller that just wrote rows in tx can observe them
	// read-your-writes before committing (spec.md §4.F "eight inspection
	// queries").
	GetReadyTx(ctx context.Context, tx Tx, searchKey1 *int64, searchKey2 int64) ([]Row, error)
	GetReadyOrInProcessingTx(ctx context.Context, tx Tx, searchKey1 *int64, searchKey2 int64) ([]Row, error)
}
