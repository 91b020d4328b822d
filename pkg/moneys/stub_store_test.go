package moneys

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore keeps wallets and entries in memory. WithTx works on a copy that
// is only published when fn succeeds.
type stubStore struct {
	mutex          *sync.Mutex
	wallets        map[UserID]Wallet
	entries        []Entry
	nextEntry      int
	conflictsLeft  int
	getWalletError error
	insertError    error
	updateError    error
	findError      error
	listError      error
	transactions   int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mutex:   &sync.Mutex{},
		wallets: make(map[UserID]Wallet),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.transactions++
	transactionStore := store.clone()
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	if store.conflictsLeft > 0 {
		store.conflictsLeft--
		return fmt.Errorf("commit: %w", ErrTransactionConflict)
	}
	store.wallets = transactionStore.wallets
	store.entries = transactionStore.entries
	store.nextEntry = transactionStore.nextEntry
	return nil
}

func (store *stubStore) clone() *stubStore {
	wallets := make(map[UserID]Wallet, len(store.wallets))
	for userID, wallet := range store.wallets {
		wallets[userID] = wallet
	}
	return &stubStore{
		mutex:          &sync.Mutex{},
		wallets:        wallets,
		entries:        append([]Entry(nil), store.entries...),
		nextEntry:      store.nextEntry,
		getWalletError: store.getWalletError,
		insertError:    store.insertError,
		updateError:    store.updateError,
		findError:      store.findError,
		listError:      store.listError,
	}
}

func (store *stubStore) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	if store.getWalletError != nil {
		return Wallet{}, store.getWalletError
	}
	wallet, ok := store.wallets[userID]
	if !ok {
		return Wallet{}, ErrUnknownWallet
	}
	return wallet, nil
}

func (store *stubStore) CreateWallet(ctx context.Context, wallet Wallet) error {
	if _, exists := store.wallets[wallet.UserID()]; exists {
		return ErrWalletExists
	}
	store.wallets[wallet.UserID()] = wallet
	return nil
}

func (store *stubStore) UpdateWallet(ctx context.Context, wallet Wallet) error {
	if store.updateError != nil {
		return store.updateError
	}
	stored, exists := store.wallets[wallet.UserID()]
	if !exists {
		return ErrUnknownWallet
	}
	if stored.Version() != wallet.Version()-1 {
		return fmt.Errorf("stored version %d: %w", stored.Version(), ErrTransactionConflict)
	}
	store.wallets[wallet.UserID()] = wallet
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entryInput EntryInput) error {
	if store.insertError != nil {
		return store.insertError
	}
	for _, entry := range store.entries {
		if entry.UserID() == entryInput.UserID() && entry.IdempotencyKey() == entryInput.IdempotencyKey() {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.nextEntry++
	entryID, err := NewEntryID(fmt.Sprintf("entry-%d", store.nextEntry))
	if err != nil {
		return err
	}
	entry, err := NewEntry(entryID, entryInput.UserID(), entryInput.Kind(), entryInput.Amount(), entryInput.IdempotencyKey(), entryInput.MetadataJSON(), entryInput.CreatedUnixUTC())
	if err != nil {
		return err
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) FindEntry(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey) (Entry, error) {
	if store.findError != nil {
		return Entry{}, store.findError
	}
	for _, entry := range store.entries {
		if entry.UserID() == userID && entry.IdempotencyKey() == idempotencyKey {
			return entry, nil
		}
	}
	return Entry{}, ErrUnknownEntry
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	matched := make([]Entry, 0)
	for _, entry := range store.entries {
		if entry.UserID() == userID && cursor.Admits(entry.CreatedUnixUTC(), entry.EntryID()) {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(left, right int) bool {
		if matched[left].CreatedUnixUTC() != matched[right].CreatedUnixUTC() {
			return matched[left].CreatedUnixUTC() > matched[right].CreatedUnixUTC()
		}
		return matched[left].EntryID().String() > matched[right].EntryID().String()
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) putWallet(test *testing.T, wallet Wallet) {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.wallets[wallet.UserID()] = wallet
}

func (store *stubStore) mustWallet(test *testing.T, userID UserID) Wallet {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	wallet, ok := store.wallets[userID]
	if !ok {
		test.Fatalf("wallet %s not found", userID.String())
	}
	return wallet
}

func (store *stubStore) entriesFor(userID UserID) []Entry {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entries := make([]Entry, 0)
	for _, entry := range store.entries {
		if entry.UserID() == userID {
			entries = append(entries, entry)
		}
	}
	return entries
}

type testClock struct {
	mutex sync.Mutex
	now   int64
}

func (clock *testClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Set(now int64) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = now
}

type recordingObserver struct {
	mutex   sync.Mutex
	wallets []Wallet
}

func (observer *recordingObserver) WalletChanged(_ context.Context, wallet Wallet) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.wallets = append(observer.wallets, wallet)
}

func (observer *recordingObserver) count() int {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	return len(observer.wallets)
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	value, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustSpendKind(test *testing.T, raw string) SpendKind {
	test.Helper()
	value, err := NewSpendKind(raw)
	if err != nil {
		test.Fatalf("spend kind: %v", err)
	}
	return value
}

func mustWallet(test *testing.T, userID UserID, balance int64, paidBalance int64, target int64, watermark int64) Wallet {
	test.Helper()
	wallet, err := NewWallet(userID, Amount(balance), Amount(paidBalance), Amount(target), watermark, VIPTierStandard)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	return wallet
}
