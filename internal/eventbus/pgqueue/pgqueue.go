// Package pgqueue is the Postgres implementation of eventbus.DAO (component
// B), grounded in the teacher's outbox_worker.go claim-and-publish loop and
// the pack's duckmesh ingest bus (internal/bus/postgres/bus.go), which uses
// the same SELECT ... FOR UPDATE SKIP LOCKED claim idiom this bus needs.
package pgqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/eventbus/internal/eventbus"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the pgx-backed eventbus.DAO for one queue table name. The live
// table is tableName; the history table is tableName+"_history" (spec.md
// §6), created by the migrations package.
type Queue struct {
	pool      *pgxpool.Pool
	tableName string
}

// New builds a Queue over pool for the live/history table pair tableName /
// tableName_history.
func New(pool *pgxpool.Pool, tableName string) *Queue {
	return &Queue{pool: pool, tableName: tableName}
}

func (q *Queue) historyTable() string {
	return q.tableName + "_history"
}

// pgxTx adapts *pgx.Tx to eventbus.Tx, letting InsertTx register a
// post-commit callback without the eventbus package importing pgx.
type pgxTx struct {
	tx        pgx.Tx
	onCommits []func()
}

// WrapTx adapts an already-open pgx transaction to eventbus.Tx. Callers pass
// the returned value to Bus.PostFromTransaction; after tx.Commit succeeds,
// they must call Fire to run the registered post-commit hooks. Neither the
// bus facade nor this package calls Fire.
func WrapTx(tx pgx.Tx) *pgxTx {
	return &pgxTx{tx: tx}
}

func (t *pgxTx) OnCommit(fn func()) {
	t.onCommits = append(t.onCommits, fn)
}

// Fire runs every hook registered via OnCommit, in registration order. Call
// this only after tx.Commit has returned successfully.
func (t *pgxTx) Fire() {
	for _, fn := range t.onCommits {
		fn()
	}
}

func pgxTxOf(tx eventbus.Tx) (pgx.Tx, error) {
	wrapped, ok := tx.(*pgxTx)
	if !ok {
		return nil, fmt.Errorf("pgqueue: tx is not a *pgqueue.pgxTx (wrap it with pgqueue.WrapTx)")
	}
	return wrapped.tx, nil
}

func (q *Queue) Insert(ctx context.Context, row *eventbus.Row) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgqueue: begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := q.insertTx(ctx, tx, row); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *Queue) InsertTx(ctx context.Context, tx eventbus.Tx, row *eventbus.Row) error {
	pgTx, err := pgxTxOf(tx)
	if err != nil {
		return err
	}
	return q.insertTx(ctx, pgTx, row)
}

func (q *Queue) insertTx(ctx context.Context, tx pgx.Tx, row *eventbus.Row) error {
	query := fmt.Sprintf(`
		INSERT INTO %s
			(class_name, event_json, user_token, search_key1, search_key2,
			 created_date, creator_name, processing_state, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
		RETURNING record_id
	`, q.tableName)

	return tx.QueryRow(ctx, query,
		row.ClassName, row.EventJSON, row.UserToken, row.SearchKey1, row.SearchKey2,
		row.CreatedDate, row.CreatorName, string(eventbus.StateAvailable),
	).Scan(&row.RecordID)
}

// ClaimReady is the one mutually-exclusive section that crosses processes
// (spec.md §5). It uses SELECT ... FOR UPDATE SKIP LOCKED inside a single
// transaction so two concurrent claimers, in this process or another,
// never both see the same AVAILABLE row.
func (q *Queue) ClaimReady(ctx context.Context, ownerTag string, leaseDuration time.Duration, limit int) ([]eventbus.Row, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("pgqueue: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	selectQuery := fmt.Sprintf(`
		SELECT record_id, class_name, event_json, user_token, search_key1, search_key2,
		       created_date, creator_name, error_count
		FROM %s
		WHERE processing_state = $1 AND processing_available_date <= NOW()
		ORDER BY record_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, q.tableName)

	rows, err := tx.Query(ctx, selectQuery, string(eventbus.StateAvailable), limit)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: select claim candidates: %w", err)
	}

	var claimed []eventbus.Row
	for rows.Next() {
		var r eventbus.Row
		if err := rows.Scan(&r.RecordID, &r.ClassName, &r.EventJSON, &r.UserToken,
			&r.SearchKey1, &r.SearchKey2, &r.CreatedDate, &r.CreatorName, &r.ErrorCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgqueue: scan claim candidate: %w", err)
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgqueue: iterate claim candidates: %w", err)
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	leaseUntil := time.Now().UTC().Add(leaseDuration)
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET processing_state = $1, processing_owner = $2, processing_available_date = $3
		WHERE record_id = $4
	`, q.tableName)

	for i := range claimed {
		if _, err := tx.Exec(ctx, updateQuery, string(eventbus.StateInProcessing), ownerTag, leaseUntil, claimed[i].RecordID); err != nil {
			return nil, fmt.Errorf("pgqueue: claim row %d: %w", claimed[i].RecordID, err)
		}
		claimed[i].ProcessingState = eventbus.StateInProcessing
		claimed[i].ProcessingOwner = &ownerTag
		claimed[i].ProcessingAvailableDate = &leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgqueue: commit claim: %w", err)
	}
	return claimed, nil
}

func (q *Queue) UpdateOnError(ctx context.Context, row eventbus.Row, backoff time.Duration) error {
	nextAvailable := time.Now().UTC().Add(backoff)
	query := fmt.Sprintf(`
		UPDATE %s
		SET processing_state = $1, processing_owner = NULL, processing_available_date = $2, error_count = $3
		WHERE record_id = $4
	`, q.tableName)

	_, err := q.pool.Exec(ctx, query, string(eventbus.StateAvailable), nextAvailable, row.ErrorCount, row.RecordID)
	if err != nil {
		return fmt.Errorf("pgqueue: update on error for row %d: %w", row.RecordID, err)
	}
	return nil
}

// MoveToHistory inserts each row's terminal copy into the history table and
// deletes it from the live table, one row at a time inside its own
// transaction so a partial failure only leaves the not-yet-moved rows live
// (moving an already-moved row again is a no-op thanks to ON CONFLICT).
func (q *Queue) MoveToHistory(ctx context.Context, rows []eventbus.Row) error {
	if len(rows) == 0 {
		return nil
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s
			(record_id, class_name, event_json, user_token, search_key1, search_key2,
			 created_date, creator_name, processing_owner, processing_available_date,
			 processing_state, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (record_id) DO NOTHING
	`, q.historyTable())
	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE record_id = $1`, q.tableName)

	for _, r := range rows {
		tx, err := q.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("pgqueue: begin move-to-history: %w", err)
		}

		if _, err := tx.Exec(ctx, insertQuery,
			r.RecordID, r.ClassName, r.EventJSON, r.UserToken, r.SearchKey1, r.SearchKey2,
			r.CreatedDate, r.CreatorName, r.ProcessingOwner, r.ProcessingAvailableDate,
			string(r.ProcessingState), r.ErrorCount,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("pgqueue: insert history row %d: %w", r.RecordID, err)
		}
		if _, err := tx.Exec(ctx, deleteQuery, r.RecordID); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("pgqueue: delete live row %d: %w", r.RecordID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("pgqueue: commit move-to-history row %d: %w", r.RecordID, err)
		}
	}
	return nil
}

// ReapExpiredLeases resets IN_PROCESSING rows whose lease elapsed back to
// AVAILABLE, grounded on duckmesh's RequeueExpired query.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET processing_state = $1, processing_owner = NULL, processing_available_date = NOW()
		WHERE processing_state = $2 AND processing_available_date < NOW()
	`, q.tableName)

	tag, err := q.pool.Exec(ctx, query, string(eventbus.StateAvailable), string(eventbus.StateInProcessing))
	if err != nil {
		return 0, fmt.Errorf("pgqueue: reap expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) GetInProcessing(ctx context.Context) ([]eventbus.Row, error) {
	query := fmt.Sprintf(`
		SELECT record_id, class_name, event_json, user_token, search_key1, search_key2,
		       created_date, creator_name, processing_owner, processing_available_date,
		       processing_state, error_count
		FROM %s
		WHERE processing_state = $1
		ORDER BY record_id ASC
	`, q.tableName)
	return q.queryRows(ctx, q.pool, query, string(eventbus.StateInProcessing))
}

func (q *Queue) GetReady(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	return q.getBySearchKeys(ctx, q.pool, []eventbus.ProcessingState{eventbus.StateAvailable}, searchKey1, searchKey2)
}

func (q *Queue) GetReadyOrInProcessing(ctx context.Context, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	return q.getBySearchKeys(ctx, q.pool,
		[]eventbus.ProcessingState{eventbus.StateAvailable, eventbus.StateInProcessing}, searchKey1, searchKey2)
}

func (q *Queue) GetReadyTx(ctx context.Context, tx eventbus.Tx, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	pgTx, err := pgxTxOf(tx)
	if err != nil {
		return nil, err
	}
	return q.getBySearchKeys(ctx, pgTx, []eventbus.ProcessingState{eventbus.StateAvailable}, searchKey1, searchKey2)
}

func (q *Queue) GetReadyOrInProcessingTx(ctx context.Context, tx eventbus.Tx, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	pgTx, err := pgxTxOf(tx)
	if err != nil {
		return nil, err
	}
	return q.getBySearchKeys(ctx, pgTx,
		[]eventbus.ProcessingState{eventbus.StateAvailable, eventbus.StateInProcessing}, searchKey1, searchKey2)
}

// queryExecutor is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// search-key selectors run unmodified against either the pool or a
// caller-supplied transaction.
type queryExecutor interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (q *Queue) getBySearchKeys(ctx context.Context, exec queryExecutor, states []eventbus.ProcessingState, searchKey1 *int64, searchKey2 int64) ([]eventbus.Row, error) {
	placeholders := make([]string, len(states))
	args := make([]any, 0, len(states)+2)
	for i, s := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(s))
	}
	args = append(args, searchKey2)
	searchKey2Placeholder := fmt.Sprintf("$%d", len(args))

	where := fmt.Sprintf("processing_state IN (%s) AND search_key2 = %s", strings.Join(placeholders, ","), searchKey2Placeholder)
	if searchKey1 != nil {
		args = append(args, *searchKey1)
		where += fmt.Sprintf(" AND search_key1 = $%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT record_id, class_name, event_json, user_token, search_key1, search_key2,
		       created_date, creator_name, processing_owner, processing_available_date,
		       processing_state, error_count
		FROM %s
		WHERE %s
		ORDER BY record_id ASC
	`, q.tableName, where)

	return q.queryRows(ctx, exec, query, args...)
}

func (q *Queue) queryRows(ctx context.Context, exec queryExecutor, query string, args ...any) ([]eventbus.Row, error) {
	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: query: %w", err)
	}
	defer rows.Close()

	var out []eventbus.Row
	for rows.Next() {
		var r eventbus.Row
		var state string
		if err := rows.Scan(&r.RecordID, &r.ClassName, &r.EventJSON, &r.UserToken, &r.SearchKey1, &r.SearchKey2,
			&r.CreatedDate, &r.CreatorName, &r.ProcessingOwner, &r.ProcessingAvailableDate, &state, &r.ErrorCount); err != nil {
			return nil, fmt.Errorf("pgqueue: scan row: %w", err)
		}
		r.ProcessingState = eventbus.ProcessingState(state)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgqueue: iterate rows: %w", err)
	}
	return out, nil
}

var _ eventbus.DAO = (*Queue)(nil)
