package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tao-dividends/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrStatusConflict is returned when a compare-and-swap finds an unexpected status.
	ErrStatusConflict = errors.New("storage: status changed concurrently")
)

const pgUniqueViolation = "23505"

const (
	transactionColumns = `request_id, netuid, hotkey, action, amount, sentiment_score, status,
        tx_ref, error, attempts, caller, created_at, updated_at, completed_at`

	insertTransactionSQL = `INSERT INTO stake_transactions (` + transactionColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    ON CONFLICT (request_id) DO NOTHING;`

	updateStatusSQL = `UPDATE stake_transactions
    SET status       = $3,
        tx_ref       = COALESCE(NULLIF($4, ''), tx_ref),
        error        = NULLIF($5, ''),
        updated_at   = $6,
        completed_at = COALESCE($7, completed_at)
    WHERE request_id = $1
      AND status = $2;`

	claimTransactionSQL = `UPDATE stake_transactions
    SET action          = $3,
        amount          = $4,
        sentiment_score = $5,
        status          = $6,
        tx_ref          = NULL,
        error           = NULLIF($7, ''),
        attempts        = attempts + 1,
        caller          = COALESCE(NULLIF($8, ''), caller),
        updated_at      = $9,
        completed_at    = $10
    WHERE request_id = $1
      AND status = $2
    RETURNING ` + transactionColumns + `;`

	getTransactionSQL = `SELECT ` + transactionColumns + `
    FROM stake_transactions
    WHERE request_id = $1;`

	listPendingSQL = `SELECT ` + transactionColumns + `
    FROM stake_transactions
    WHERE status = 'pending'
      AND updated_at < $1
    ORDER BY updated_at
    LIMIT $2;`

	listFailedSQL = `SELECT ` + transactionColumns + `
    FROM stake_transactions
    WHERE status = 'failed'
      AND attempts < $1
      AND updated_at < $2
    ORDER BY updated_at
    LIMIT $3;`

	listRecentTransactionsSQL = `SELECT ` + transactionColumns + `
    FROM stake_transactions
    ORDER BY created_at DESC
    LIMIT $1;`

	insertDividendQuerySQL = `INSERT INTO dividend_queries (netuid, hotkey, dividend, cached, caller, query_time)
    VALUES ($1,$2,$3,$4,NULLIF($5, ''),$6);`

	listDividendQueriesSQL = `SELECT id, netuid, hotkey, dividend, cached, caller, query_time
    FROM dividend_queries
    WHERE query_time >= $1
      AND query_time < $2
    ORDER BY query_time
    LIMIT $3;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
	pingSQL            = `SELECT 1;`
)

// TransactionStore is the durable idempotency guard and audit trail for staking decisions.
type TransactionStore interface {
	// InsertIfAbsent atomically creates rec and reports whether it was inserted.
	InsertIfAbsent(ctx context.Context, rec domain.TransactionRecord) (bool, error)
	// UpdateStatus transitions a record only if its current status equals from.
	UpdateStatus(ctx context.Context, requestID string, from domain.Status, upd StatusUpdate) error
	// Claim re-arms a record in status from with rec's decision and bumps attempts.
	Claim(ctx context.Context, requestID string, from domain.Status, rec domain.TransactionRecord) (domain.TransactionRecord, bool, error)
	Get(ctx context.Context, requestID string) (domain.TransactionRecord, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.TransactionRecord, error)
	ListFailed(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.TransactionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.TransactionRecord, error)
}

// QueryLogStore records dividend reads for auditing and export.
type QueryLogStore interface {
	InsertDividendQuery(ctx context.Context, entry DividendQueryLog) error
	ListDividendQueries(ctx context.Context, from, to time.Time, limit int) ([]DividendQueryLog, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of the transaction and query stores.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var one int
	return pool.QueryRow(ctx, pingSQL).Scan(&one)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the lock dies with the session anyway
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertIfAbsent relies on the request_id primary key for atomicity.
func (s *Store) InsertIfAbsent(ctx context.Context, rec domain.TransactionRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertTransactionSQL,
		rec.RequestID,
		int32(rec.SubnetID),
		rec.AccountKey,
		string(rec.Action),
		int64(rec.Amount),
		rec.Score,
		string(rec.Status),
		nullString(rec.TxRef),
		nullString(rec.Error),
		rec.Attempts,
		nullString(rec.Caller),
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.CompletedAt,
	)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return false, nil
		}
		return false, fmt.Errorf("insert stake transaction: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus performs a compare-and-swap on status.
func (s *Store) UpdateStatus(ctx context.Context, requestID string, from domain.Status, upd StatusUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, updateStatusSQL,
		requestID,
		string(from),
		string(upd.Status),
		upd.TxRef,
		upd.Error,
		upd.UpdatedAt,
		upd.CompletedAt,
	)
	if execErr != nil {
		return fmt.Errorf("update stake transaction status: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, requestID)
	}
	return nil
}

// Claim re-arms a record for another attempt.
func (s *Store) Claim(ctx context.Context, requestID string, from domain.Status, rec domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}

	rows, queryErr := pool.Query(ctx, claimTransactionSQL,
		requestID,
		string(from),
		string(rec.Action),
		int64(rec.Amount),
		rec.Score,
		string(rec.Status),
		rec.Error,
		rec.Caller,
		rec.UpdatedAt,
		rec.CompletedAt,
	)
	if queryErr != nil {
		return domain.TransactionRecord{}, false, fmt.Errorf("claim stake transaction: %w", queryErr)
	}
	claimed, err := collectTransactions(rows)
	if err != nil {
		return domain.TransactionRecord{}, false, fmt.Errorf("claim stake transaction: %w", err)
	}
	if len(claimed) == 0 {
		return domain.TransactionRecord{}, false, nil
	}
	return claimed[0], true, nil
}

// Get loads a record by request id.
func (s *Store) Get(ctx context.Context, requestID string) (domain.TransactionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.TransactionRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getTransactionSQL, requestID)
	if queryErr != nil {
		return domain.TransactionRecord{}, fmt.Errorf("get stake transaction: %w", queryErr)
	}
	records, err := collectTransactions(rows)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("get stake transaction: %w", err)
	}
	if len(records) == 0 {
		return domain.TransactionRecord{}, ErrNotFound
	}
	return records[0], nil
}

// ListPending returns pending records last touched before olderThan, oldest first.
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.TransactionRecord, error) {
	return s.listTransactions(ctx, "list pending transactions", listPendingSQL, olderThan, limit)
}

// ListFailed returns failed records still under the attempt budget.
func (s *Store) ListFailed(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.TransactionRecord, error) {
	return s.listTransactions(ctx, "list failed transactions", listFailedSQL, maxAttempts, olderThan, limit)
}

// ListRecent lists the newest records first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]domain.TransactionRecord, error) {
	return s.listTransactions(ctx, "list recent transactions", listRecentTransactionsSQL, limit)
}

func (s *Store) listTransactions(ctx context.Context, op, query string, args ...any) ([]domain.TransactionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	records, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

// InsertDividendQuery appends an audit row.
func (s *Store) InsertDividendQuery(ctx context.Context, entry DividendQueryLog) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	queried := entry.QueriedAt
	if queried.IsZero() {
		queried = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, insertDividendQuerySQL,
		int32(entry.SubnetID),
		entry.AccountKey,
		int64(entry.Dividend),
		entry.Cached,
		entry.Caller,
		queried,
	); execErr != nil {
		return fmt.Errorf("insert dividend query: %w", execErr)
	}
	return nil
}

// ListDividendQueries lists audit rows in [from, to).
func (s *Store) ListDividendQueries(ctx context.Context, from, to time.Time, limit int) ([]DividendQueryLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDividendQueriesSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list dividend queries: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]DividendQueryLog, 0)
	for rows.Next() {
		var (
			entry    DividendQueryLog
			netuid   int32
			dividend int64
			caller   sql.NullString
		)
		if err := rows.Scan(&entry.ID, &netuid, &entry.AccountKey, &dividend, &entry.Cached, &caller, &entry.QueriedAt); err != nil {
			return nil, err
		}
		entry.SubnetID = uint16(netuid)
		entry.Dividend = uint64(dividend)
		entry.Caller = caller.String
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func (s *Store) missingOrConflict(ctx context.Context, requestID string) error {
	if _, err := s.Get(ctx, requestID); err != nil {
		return err
	}
	return ErrStatusConflict
}

func collectTransactions(rows pgx.Rows) ([]domain.TransactionRecord, error) {
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanTransaction(rows pgx.Rows) (domain.TransactionRecord, error) {
	var (
		rec       domain.TransactionRecord
		netuid    int32
		action    string
		amount    int64
		score     sql.NullInt32
		status    string
		txRef     sql.NullString
		errMsg    sql.NullString
		caller    sql.NullString
		completed sql.NullTime
	)

	if err := rows.Scan(
		&rec.RequestID,
		&netuid,
		&rec.AccountKey,
		&action,
		&amount,
		&score,
		&status,
		&txRef,
		&errMsg,
		&rec.Attempts,
		&caller,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&completed,
	); err != nil {
		return domain.TransactionRecord{}, err
	}

	rec.SubnetID = uint16(netuid)
	rec.Action = domain.ActionKind(action)
	rec.Amount = uint64(amount)
	rec.Status = domain.Status(status)
	rec.TxRef = txRef.String
	rec.Error = errMsg.String
	rec.Caller = caller.String
	if score.Valid {
		v := int(score.Int32)
		rec.Score = &v
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

var (
	_ TransactionStore = (*Store)(nil)
	_ QueryLogStore    = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
