package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintWalletPrimary       = "wallets_pkey"
	constraintEntryIdempotencyKey = "uniq_ledger_entries_user_idempotency"
	pgUniqueViolationCode         = "23505"
	pgSerializationFailureCode    = "40001"
	pgDeadlockDetectedCode        = "40P01"
	errorOperationStore           = "store"
	errorSubjectWallet            = "wallet"
	errorSubjectEntry             = "entry"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeConflict             = "conflict"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodeUpdate               = "update"
	errorCodeStale                = "stale"

	sqlSelectWallet = `
		select user_id, balance, paid_balance, daily_free_target, last_grant_boundary_unix_utc, vip_tier, version
		from wallets
		where user_id = $1
	`

	sqlSelectWalletForUpdate = sqlSelectWallet + ` for update`

	sqlInsertWallet = `
		insert into wallets(user_id, balance, paid_balance, daily_free_target, last_grant_boundary_unix_utc, vip_tier, version)
		values ($1, $2, $3, $4, $5, $6, $7)
	`

	sqlUpdateWallet = `
		update wallets
		set balance = $2, paid_balance = $3, daily_free_target = $4,
			last_grant_boundary_unix_utc = $5, vip_tier = $6, version = $7, updated_at = now()
		where user_id = $1 and version = $7 - 1
	`

	sqlWalletExists = `select exists(select 1 from wallets where user_id = $1)`

	sqlInsertEntry = `
		insert into ledger_entries(entry_id, user_id, kind, amount, idempotency_key, metadata, created_at)
		values (
			gen_random_uuid(), $1, $2, $3, $4,
			coalesce(nullif($5,''),'{}')::jsonb,
			coalesce(to_timestamp(nullif($6::bigint, 0)), now())
		)
	`

	sqlSelectEntryColumns = `
		select
			entry_id::text,
			user_id,
			kind,
			amount,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			floor(extract(epoch from created_at))::bigint
		from ledger_entries
	`

	sqlSelectEntryByKey = sqlSelectEntryColumns + `
		where user_id = $1 and idempotency_key = $2
	`

	sqlListEntriesAfterCursor = sqlSelectEntryColumns + `
		where user_id = $1
			and (
				$2::bigint = 0
				or created_at < to_timestamp($2::bigint)
				or ($3::text <> '' and created_at = to_timestamp($2::bigint) and entry_id < nullif($3::text, '')::uuid)
			)
		order by created_at desc, entry_id desc
		limit $4
	`
)

// queryer is the subset of pgxpool.Pool and pgx.Tx used by the store.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements moneys.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements moneys.Store for an active transaction. Wallet reads
// take a row lock held until commit.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingContext, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingContext); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore moneys.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &TxStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		if isTransactionConflict(err) && !errors.Is(err, moneys.ErrTransactionConflict) {
			return wrapStoreError(errorSubjectTransaction, errorCodeConflict, errors.Join(moneys.ErrTransactionConflict, err))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isTransactionConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeConflict, errors.Join(moneys.ErrTransactionConflict, err))
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, userID moneys.UserID) (moneys.Wallet, error) {
	return getWallet(ctx, store.pool, sqlSelectWallet, userID)
}

func (store *Store) CreateWallet(ctx context.Context, wallet moneys.Wallet) error {
	return createWallet(ctx, store.pool, wallet)
}

func (store *Store) UpdateWallet(ctx context.Context, wallet moneys.Wallet) error {
	return updateWallet(ctx, store.pool, wallet)
}

func (store *Store) InsertEntry(ctx context.Context, entryInput moneys.EntryInput) error {
	return insertEntry(ctx, store.pool, entryInput)
}

func (store *Store) FindEntry(ctx context.Context, userID moneys.UserID, idempotencyKey moneys.IdempotencyKey) (moneys.Entry, error) {
	return findEntry(ctx, store.pool, userID, idempotencyKey)
}

func (store *Store) ListEntries(ctx context.Context, userID moneys.UserID, cursor moneys.EntryCursor, limit int) ([]moneys.Entry, error) {
	return listEntries(ctx, store.pool, userID, cursor, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore moneys.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetWallet(ctx context.Context, userID moneys.UserID) (moneys.Wallet, error) {
	return getWallet(ctx, store.tx, sqlSelectWalletForUpdate, userID)
}

func (store *TxStore) CreateWallet(ctx context.Context, wallet moneys.Wallet) error {
	return createWallet(ctx, store.tx, wallet)
}

func (store *TxStore) UpdateWallet(ctx context.Context, wallet moneys.Wallet) error {
	return updateWallet(ctx, store.tx, wallet)
}

func (store *TxStore) InsertEntry(ctx context.Context, entryInput moneys.EntryInput) error {
	return insertEntry(ctx, store.tx, entryInput)
}

func (store *TxStore) FindEntry(ctx context.Context, userID moneys.UserID, idempotencyKey moneys.IdempotencyKey) (moneys.Entry, error) {
	return findEntry(ctx, store.tx, userID, idempotencyKey)
}

func (store *TxStore) ListEntries(ctx context.Context, userID moneys.UserID, cursor moneys.EntryCursor, limit int) ([]moneys.Entry, error) {
	return listEntries(ctx, store.tx, userID, cursor, limit)
}

func getWallet(ctx context.Context, db queryer, query string, userID moneys.UserID) (moneys.Wallet, error) {
	var snapshot moneys.WalletSnapshot
	err := db.QueryRow(ctx, query, userID.String()).Scan(
		&snapshot.UserID,
		&snapshot.Balance,
		&snapshot.PaidBalance,
		&snapshot.DailyFreeTarget,
		&snapshot.LastGrantBoundaryUnixUTC,
		&snapshot.VIPTier,
		&snapshot.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return moneys.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, moneys.ErrUnknownWallet)
		}
		return moneys.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := snapshot.ToWallet()
	if err != nil {
		return moneys.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func createWallet(ctx context.Context, db queryer, wallet moneys.Wallet) error {
	_, err := db.Exec(ctx, sqlInsertWallet, walletArguments(wallet)...)
	if isUniqueViolation(err, constraintWalletPrimary) {
		return wrapStoreError(errorSubjectWallet, errorCodeDuplicate, moneys.ErrWalletExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func updateWallet(ctx context.Context, db queryer, wallet moneys.Wallet) error {
	tag, err := db.Exec(ctx, sqlUpdateWallet, walletArguments(wallet)...)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := db.QueryRow(ctx, sqlWalletExists, wallet.UserID().String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, moneys.ErrUnknownWallet)
	}
	return wrapStoreError(errorSubjectWallet, errorCodeStale, moneys.ErrTransactionConflict)
}

func insertEntry(ctx context.Context, db queryer, entryInput moneys.EntryInput) error {
	_, err := db.Exec(ctx, sqlInsertEntry,
		entryInput.UserID().String(),
		entryInput.Kind().String(),
		entryInput.Amount().Int64(),
		entryInput.IdempotencyKey().String(),
		entryInput.MetadataJSON().String(),
		entryInput.CreatedUnixUTC(),
	)
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, moneys.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func findEntry(ctx context.Context, db queryer, userID moneys.UserID, idempotencyKey moneys.IdempotencyKey) (moneys.Entry, error) {
	rows, err := db.Query(ctx, sqlSelectEntryByKey, userID.String(), idempotencyKey.String())
	if err != nil {
		return moneys.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return moneys.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	if len(entries) == 0 {
		return moneys.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, moneys.ErrUnknownEntry)
	}
	return entries[0], nil
}

func listEntries(ctx context.Context, db queryer, userID moneys.UserID, cursor moneys.EntryCursor, limit int) ([]moneys.Entry, error) {
	rows, err := db.Query(ctx, sqlListEntriesAfterCursor, userID.String(), cursor.BeforeUnixUTC, cursor.BeforeEntryID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func walletArguments(wallet moneys.Wallet) []any {
	return []any{
		wallet.UserID().String(),
		wallet.Balance().Int64(),
		wallet.PaidBalance().Int64(),
		wallet.DailyFreeTarget().Int64(),
		wallet.LastGrantBoundaryUnixUTC(),
		string(wallet.VIPTier()),
		wallet.Version(),
	}
}

func scanEntries(rows pgx.Rows) ([]moneys.Entry, error) {
	entries := make([]moneys.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			userIDValue      string
			kindValue        string
			amountValue      int64
			idempotencyValue string
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&userIDValue,
			&kindValue,
			&amountValue,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		entryID, err := moneys.NewEntryID(entryIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := moneys.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := moneys.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		amount, err := moneys.NewEntryAmount(amountValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := moneys.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		metadata, err := moneys.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entry, err := moneys.NewEntry(entryID, userID, kind, amount, idempotencyKey, metadata, createdAtUnixUTC)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return moneys.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}

func isTransactionConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}
