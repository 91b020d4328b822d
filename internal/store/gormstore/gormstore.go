package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintWalletPrimary       = "wallets_pkey"
	constraintEntryIdempotencyKey = "uniq_ledger_entries_user_idempotency"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	pgSerializationFailureCode    = "40001"
	pgDeadlockDetectedCode        = "40P01"
	sqliteBusyCode                = 5
	sqliteLockedCode              = 6
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectWallet            = "wallet"
	errorSubjectEntry             = "entry"
	errorSubjectTransaction       = "transaction"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodeUpdate               = "update"
	errorCodeConflict             = "conflict"
	errorCodeStale                = "stale"
)

// Store implements moneys.Store using GORM.
type Store struct {
	db            *gorm.DB
	inTransaction bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Serialization failures and
// deadlocks surface as moneys.ErrTransactionConflict so the service can retry.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore moneys.Store) error) error {
	if store.inTransaction {
		return fn(ctx, store)
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTransaction: true})
	})
	if err != nil && isTransactionConflict(err) && !errors.Is(err, moneys.ErrTransactionConflict) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, errors.Join(moneys.ErrTransactionConflict, err))
	}
	return err
}

func (store *Store) GetWallet(ctx context.Context, userID moneys.UserID) (moneys.Wallet, error) {
	query := store.db.WithContext(ctx)
	if store.inTransaction {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Wallet
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return moneys.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, moneys.ErrUnknownWallet)
		}
		return moneys.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return moneys.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) CreateWallet(ctx context.Context, wallet moneys.Wallet) error {
	model := walletModel(wallet)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintWalletPrimary) {
		return wrapStoreError(errorSubjectWallet, errorCodeDuplicate, moneys.ErrWalletExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet moneys.Wallet) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ? AND version = ?", wallet.UserID().String(), wallet.Version()-1).
		Updates(map[string]interface{}{
			"balance":                      wallet.Balance().Int64(),
			"paid_balance":                 wallet.PaidBalance().Int64(),
			"daily_free_target":            wallet.DailyFreeTarget().Int64(),
			"last_grant_boundary_unix_utc": wallet.LastGrantBoundaryUnixUTC(),
			"vip_tier":                     string(wallet.VIPTier()),
			"version":                      wallet.Version(),
			"updated_at":                   time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	var stored int64
	if err := store.db.WithContext(ctx).Model(&Wallet{}).Where("user_id = ?", wallet.UserID().String()).Count(&stored).Error; err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if stored == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, moneys.ErrUnknownWallet)
	}
	return wrapStoreError(errorSubjectWallet, errorCodeStale, moneys.ErrTransactionConflict)
}

func (store *Store) InsertEntry(ctx context.Context, entryInput moneys.EntryInput) error {
	entry := LedgerEntry{
		UserID:         entryInput.UserID().String(),
		Kind:           entryInput.Kind().String(),
		Amount:         entryInput.Amount().Int64(),
		IdempotencyKey: entryInput.IdempotencyKey().String(),
		Metadata:       datatypesJSON(entryInput.MetadataJSON().String()),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC(), 0).UTC(),
	}
	if entryInput.CreatedUnixUTC() == 0 {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, moneys.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntry(ctx context.Context, userID moneys.UserID, idempotencyKey moneys.IdempotencyKey) (moneys.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), idempotencyKey.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return moneys.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, moneys.ErrUnknownEntry)
		}
		return moneys.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return moneys.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID moneys.UserID, cursor moneys.EntryCursor, limit int) ([]moneys.Entry, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if !cursor.IsZero() {
		before := time.Unix(cursor.BeforeUnixUTC, 0).UTC()
		if cursor.BeforeEntryID.String() == "" {
			query = query.Where("created_at < ?", before)
		} else {
			query = query.Where("created_at < ? OR (created_at = ? AND entry_id < ?)", before, before, cursor.BeforeEntryID.String())
		}
	}

	var rows []LedgerEntry
	err := query.Order("created_at DESC").Order("entry_id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]moneys.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AutoMigrate creates or updates the wallets and ledger_entries tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &LedgerEntry{})
}

func wrapStoreError(subject string, code string, err error) error {
	return moneys.WrapError(errorOperationStore, subject, code, err)
}

func walletModel(wallet moneys.Wallet) Wallet {
	return Wallet{
		UserID:                   wallet.UserID().String(),
		Balance:                  wallet.Balance().Int64(),
		PaidBalance:              wallet.PaidBalance().Int64(),
		DailyFreeTarget:          wallet.DailyFreeTarget().Int64(),
		LastGrantBoundaryUnixUTC: wallet.LastGrantBoundaryUnixUTC(),
		VIPTier:                  string(wallet.VIPTier()),
		Version:                  wallet.Version(),
	}
}

func mapWallet(model Wallet) (moneys.Wallet, error) {
	return moneys.WalletSnapshot{
		UserID:                   model.UserID,
		Balance:                  model.Balance,
		PaidBalance:              model.PaidBalance,
		DailyFreeTarget:          model.DailyFreeTarget,
		LastGrantBoundaryUnixUTC: model.LastGrantBoundaryUnixUTC,
		VIPTier:                  model.VIPTier,
		Version:                  model.Version,
	}.ToWallet()
}

func mapLedgerEntry(row LedgerEntry) (moneys.Entry, error) {
	entryID, err := moneys.NewEntryID(row.EntryID)
	if err != nil {
		return moneys.Entry{}, err
	}
	userID, err := moneys.NewUserID(row.UserID)
	if err != nil {
		return moneys.Entry{}, err
	}
	kind, err := moneys.ParseEntryKind(row.Kind)
	if err != nil {
		return moneys.Entry{}, err
	}
	amount, err := moneys.NewEntryAmount(row.Amount)
	if err != nil {
		return moneys.Entry{}, err
	}
	idempotencyKey, err := moneys.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return moneys.Entry{}, err
	}
	metadata, err := moneys.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return moneys.Entry{}, err
	}
	return moneys.NewEntry(entryID, userID, kind, amount, idempotencyKey, metadata, row.CreatedAt.Unix())
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isTransactionConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
