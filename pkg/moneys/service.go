package moneys

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PurchaseVerifier checks a purchase receipt with the payment provider before
// the wallet is credited.
type PurchaseVerifier interface {
	VerifyPurchase(ctx context.Context, userID UserID, amount PositiveAmount, receipt Receipt) error
}

// TrustedPurchases accepts every purchase. It is the default verifier.
type TrustedPurchases struct{}

// VerifyPurchase always succeeds.
func (TrustedPurchases) VerifyPurchase(context.Context, UserID, PositiveAmount, Receipt) error {
	return nil
}

// Service runs the Moneys economy over a transactional Store.
type Service struct {
	store               Store
	nowFn               func() int64
	logger              OperationLogger
	observer            WalletObserver
	policy              GrantPolicy
	dailyFreeTarget     PositiveAmount
	costs               CostTable
	verifier            PurchaseVerifier
	transactionAttempts int
	configErr           error
}

// WithGrantPolicy overrides the daily boundary policy.
func WithGrantPolicy(policy GrantPolicy) ServiceOption {
	return func(service *Service) {
		service.policy = policy
	}
}

// WithDailyFreeTarget sets the free level given to newly seeded wallets.
func WithDailyFreeTarget(target int64) ServiceOption {
	return func(service *Service) {
		amount, err := NewPositiveAmount(target)
		if err != nil {
			service.configErr = fmt.Errorf("%w: daily free target: %w", ErrInvalidServiceConfig, err)
			return
		}
		service.dailyFreeTarget = amount
	}
}

// WithCostTable overrides the spend prices.
func WithCostTable(costs CostTable) ServiceOption {
	return func(service *Service) {
		service.costs = costs
	}
}

// WithPurchaseVerifier wires receipt verification.
func WithPurchaseVerifier(verifier PurchaseVerifier) ServiceOption {
	return func(service *Service) {
		service.verifier = verifier
	}
}

// WithTransactionAttempts bounds retries of conflicting transactions.
func WithTransactionAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts < 1 {
			service.configErr = fmt.Errorf("%w: transaction attempts must be positive", ErrInvalidServiceConfig)
			return
		}
		service.transactionAttempts = attempts
	}
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:               store,
		nowFn:               now,
		policy:              DefaultGrantPolicy(),
		dailyFreeTarget:     PositiveAmount(defaultDailyFreeTarget),
		costs:               DefaultCostTable(),
		verifier:            TrustedPurchases{},
		transactionAttempts: defaultTransactionAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.configErr != nil {
		return nil, service.configErr
	}
	if len(service.costs.costs) == 0 {
		return nil, fmt.Errorf("%w: cost table is empty", ErrInvalidServiceConfig)
	}
	if service.verifier == nil {
		return nil, fmt.Errorf("%w: purchase verifier is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Costs returns the configured price list.
func (service *Service) Costs() CostTable {
	return service.costs
}

// Policy returns the grant boundary policy.
func (service *Service) Policy() GrantPolicy {
	return service.policy
}

// EnsureWallet seeds the wallet if it does not exist and returns it.
func (service *Service) EnsureWallet(requestContext context.Context, userID UserID) (Wallet, error) {
	var seeded bool
	wallet, operationError := service.runTransaction(requestContext, func(ctx context.Context, transactionStore Store) (Wallet, bool, error) {
		wallet, created, err := service.loadOrSeedWallet(ctx, transactionStore, userID, service.nowFn())
		seeded = created
		return wallet, created, err
	})
	logEntry := OperationLog{
		Operation: operationEnsureWallet,
		UserID:    userID,
		Error:     operationError,
	}
	if seeded {
		logEntry.Kind = EntryKindGrantDaily
		logEntry.Amount = wallet.DailyFreeTarget()
	} else if operationError == nil {
		logEntry.Status = operationStatusNoop
	}
	service.logOperation(requestContext, logEntry, wallet)
	return wallet, operationError
}

// DailyGrant restores free Moneys to the wallet's daily target once per grant
// boundary. Repeated calls inside one boundary window leave the wallet as is.
func (service *Service) DailyGrant(requestContext context.Context, userID UserID) (Wallet, error) {
	var granted Amount
	wallet, operationError := service.runTransaction(requestContext, func(ctx context.Context, transactionStore Store) (Wallet, bool, error) {
		granted = 0
		nowUnixUTC := service.nowFn()
		wallet, seeded, err := service.loadOrSeedWallet(ctx, transactionStore, userID, nowUnixUTC)
		if err != nil {
			return Wallet{}, false, err
		}
		if seeded {
			granted = wallet.DailyFreeTarget()
			return wallet, true, nil
		}
		boundary := service.policy.Boundary(nowUnixUTC)
		updated, grantAmount, err := wallet.GrantDaily(boundary)
		if err != nil {
			return Wallet{}, false, err
		}
		if updated == wallet {
			return wallet, false, nil
		}
		if err := transactionStore.UpdateWallet(ctx, updated); err != nil {
			return Wallet{}, false, err
		}
		if grantAmount > 0 {
			if err := service.appendGrantEntry(ctx, transactionStore, userID, grantAmount, boundary, nowUnixUTC); err != nil {
				return Wallet{}, false, err
			}
		}
		granted = grantAmount
		return updated, true, nil
	})
	logEntry := OperationLog{
		Operation: operationDailyGrant,
		UserID:    userID,
		Kind:      EntryKindGrantDaily,
		Amount:    granted,
		Error:     operationError,
	}
	if operationError == nil && granted == 0 {
		logEntry.Status = operationStatusNoop
	}
	service.logOperation(requestContext, logEntry, wallet)
	return wallet, operationError
}

// Spend charges the cost of kind, consuming free Moneys before paid Moneys.
func (service *Service) Spend(requestContext context.Context, userID UserID, kind SpendKind, metadata MetadataJSON, idempotencyKey IdempotencyKey) (Wallet, error) {
	var cost PositiveAmount
	wallet, operationError := func() (Wallet, error) {
		if err := validateCallerKey(idempotencyKey); err != nil {
			return Wallet{}, err
		}
		var err error
		cost, err = service.costs.Cost(kind)
		if err != nil {
			return Wallet{}, err
		}
		return service.runTransaction(requestContext, func(ctx context.Context, transactionStore Store) (Wallet, bool, error) {
			nowUnixUTC := service.nowFn()
			wallet, seeded, err := service.loadOrSeedWallet(ctx, transactionStore, userID, nowUnixUTC)
			if err != nil {
				return Wallet{}, false, err
			}
			replayed, err := service.replayed(ctx, transactionStore, userID, idempotencyKey, kind.EntryKind(), cost.ToEntryAmount().Negated())
			if err != nil {
				return Wallet{}, false, err
			}
			if replayed {
				return wallet, seeded, nil
			}
			updated, err := wallet.Spend(cost)
			if err != nil {
				return Wallet{}, false, err
			}
			if err := transactionStore.UpdateWallet(ctx, updated); err != nil {
				return Wallet{}, false, err
			}
			entryInput, err := NewEntryInput(userID, kind.EntryKind(), cost.ToEntryAmount().Negated(), idempotencyKey, metadata, nowUnixUTC)
			if err != nil {
				return Wallet{}, false, err
			}
			if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
				return Wallet{}, false, err
			}
			return updated, true, nil
		})
	}()
	service.logOperation(requestContext, OperationLog{
		Operation:      operationSpend,
		UserID:         userID,
		Kind:           kind.EntryKind(),
		Amount:         cost.ToAmount(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	}, wallet)
	return wallet, operationError
}

// Purchase credits purchased Moneys to both balance and paid balance.
func (service *Service) Purchase(requestContext context.Context, userID UserID, amount PositiveAmount, receipt Receipt, metadata MetadataJSON, idempotencyKey IdempotencyKey) (Wallet, error) {
	wallet, operationError := func() (Wallet, error) {
		if amount <= 0 {
			return Wallet{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
		}
		if err := validateCallerKey(idempotencyKey); err != nil {
			return Wallet{}, err
		}
		if err := service.verifier.VerifyPurchase(requestContext, userID, amount, receipt); err != nil {
			return Wallet{}, WrapError(errorOperationService, errorSubjectPurchase, errorCodeRejected, fmt.Errorf("%w: %w", ErrPurchaseRejected, err))
		}
		return service.runTransaction(requestContext, func(ctx context.Context, transactionStore Store) (Wallet, bool, error) {
			nowUnixUTC := service.nowFn()
			wallet, seeded, err := service.loadOrSeedWallet(ctx, transactionStore, userID, nowUnixUTC)
			if err != nil {
				return Wallet{}, false, err
			}
			replayed, err := service.replayed(ctx, transactionStore, userID, idempotencyKey, EntryKindPurchase, amount.ToEntryAmount())
			if err != nil {
				return Wallet{}, false, err
			}
			if replayed {
				return wallet, seeded, nil
			}
			updated, err := wallet.Purchase(amount)
			if err != nil {
				return Wallet{}, false, err
			}
			if err := transactionStore.UpdateWallet(ctx, updated); err != nil {
				return Wallet{}, false, err
			}
			entryInput, err := NewEntryInput(userID, EntryKindPurchase, amount.ToEntryAmount(), idempotencyKey, metadata, nowUnixUTC)
			if err != nil {
				return Wallet{}, false, err
			}
			if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
				return Wallet{}, false, err
			}
			return updated, true, nil
		})
	}()
	service.logOperation(requestContext, OperationLog{
		Operation:      operationPurchase,
		UserID:         userID,
		Kind:           EntryKindPurchase,
		Amount:         amount.ToAmount(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	}, wallet)
	return wallet, operationError
}

// Wallet returns the stored wallet without seeding it.
func (service *Service) Wallet(requestContext context.Context, userID UserID) (Wallet, error) {
	return service.store.GetWallet(requestContext, userID)
}

// ListEntries lists a page of ledger entries, newest first, after cursor.
func (service *Service) ListEntries(requestContext context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidListLimit)
	}
	if cursor.BeforeUnixUTC < 0 {
		return nil, fmt.Errorf("%w: negative cursor", ErrInvalidListCursor)
	}
	return service.store.ListEntries(requestContext, userID, cursor, limit)
}

type transactionFunc func(ctx context.Context, transactionStore Store) (Wallet, bool, error)

// runTransaction executes fn atomically, retrying on ErrTransactionConflict.
// The observer sees the wallet only after a successful commit that changed it.
func (service *Service) runTransaction(requestContext context.Context, fn transactionFunc) (Wallet, error) {
	var lastError error
	for attempt := 0; attempt < service.transactionAttempts; attempt++ {
		var (
			result  Wallet
			changed bool
		)
		err := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
			var txErr error
			result, changed, txErr = fn(ctx, transactionStore)
			return txErr
		})
		if err == nil {
			if changed && service.observer != nil {
				service.observer.WalletChanged(requestContext, result)
			}
			return result, nil
		}
		if !errors.Is(err, ErrTransactionConflict) {
			return Wallet{}, err
		}
		lastError = err
		if requestContext.Err() != nil {
			break
		}
	}
	return Wallet{}, WrapError(errorOperationService, errorSubjectWallet, errorCodeAttempts, lastError)
}

// loadOrSeedWallet reads the wallet, creating it with the daily target and a
// matching grant entry when it does not exist yet.
func (service *Service) loadOrSeedWallet(ctx context.Context, transactionStore Store, userID UserID, nowUnixUTC int64) (Wallet, bool, error) {
	wallet, err := transactionStore.GetWallet(ctx, userID)
	if err == nil {
		return wallet, false, nil
	}
	if !errors.Is(err, ErrUnknownWallet) {
		return Wallet{}, false, err
	}
	boundary := service.policy.Boundary(nowUnixUTC)
	target := service.dailyFreeTarget.ToAmount()
	wallet, err = NewWallet(userID, target, 0, target, boundary, VIPTierStandard)
	if err != nil {
		return Wallet{}, false, err
	}
	if err := transactionStore.CreateWallet(ctx, wallet); err != nil {
		if errors.Is(err, ErrWalletExists) {
			return Wallet{}, false, WrapError(errorOperationService, errorSubjectWallet, errorCodeSeedRace, fmt.Errorf("%w: %w", ErrTransactionConflict, err))
		}
		return Wallet{}, false, err
	}
	if err := service.appendGrantEntry(ctx, transactionStore, userID, target, boundary, nowUnixUTC); err != nil {
		return Wallet{}, false, err
	}
	return wallet, true, nil
}

func (service *Service) appendGrantEntry(ctx context.Context, transactionStore Store, userID UserID, amount Amount, boundaryUnixUTC int64, nowUnixUTC int64) error {
	entryAmount, err := NewEntryAmount(amount.Int64())
	if err != nil {
		return err
	}
	idempotencyKey, err := grantIdempotencyKey(boundaryUnixUTC)
	if err != nil {
		return err
	}
	metadata, err := NewMetadataJSON(`{"boundary_unix_utc":` + strconv.FormatInt(boundaryUnixUTC, 10) + `}`)
	if err != nil {
		return err
	}
	entryInput, err := NewEntryInput(userID, EntryKindGrantDaily, entryAmount, idempotencyKey, metadata, nowUnixUTC)
	if err != nil {
		return err
	}
	return transactionStore.InsertEntry(ctx, entryInput)
}

// replayed reports whether idempotencyKey already produced an entry of kind
// and amount. A key recorded for a different kind or amount is a duplicate.
func (service *Service) replayed(ctx context.Context, transactionStore Store, userID UserID, idempotencyKey IdempotencyKey, kind EntryKind, amount EntryAmount) (bool, error) {
	entry, err := transactionStore.FindEntry(ctx, userID, idempotencyKey)
	if errors.Is(err, ErrUnknownEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Kind() != kind {
		return false, WrapError(errorOperationService, errorSubjectEntry, errorCodeReplay, fmt.Errorf("%w: key used for %s", ErrDuplicateIdempotencyKey, entry.Kind()))
	}
	if entry.Amount() != amount {
		return false, WrapError(errorOperationService, errorSubjectEntry, errorCodeReplay, fmt.Errorf("%w: key used for amount %d", ErrDuplicateIdempotencyKey, entry.Amount().Int64()))
	}
	return true, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog, wallet Wallet) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	if entry.Error == nil {
		entry.Balance = wallet.Balance()
		entry.PaidBalance = wallet.PaidBalance()
	}
	service.logger.LogOperation(ctx, entry)
}

func grantIdempotencyKey(boundaryUnixUTC int64) (IdempotencyKey, error) {
	return NewIdempotencyKey(grantKeyPrefix + strconv.FormatInt(boundaryUnixUTC, 10))
}

// validateCallerKey rejects empty keys and keys in the namespace the service
// uses for daily grants.
func validateCallerKey(idempotencyKey IdempotencyKey) error {
	if idempotencyKey.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if strings.HasPrefix(idempotencyKey.String(), grantKeyPrefix) {
		return fmt.Errorf("%w: prefix %q is reserved", ErrInvalidIdempotencyKey, grantKeyPrefix)
	}
	return nil
}
