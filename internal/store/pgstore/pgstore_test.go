package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/google/uuid"
)

const testDatabaseURLEnv = "MONEYS_TEST_DATABASE_URL"

func newTestStore(test *testing.T) *Store {
	test.Helper()
	dsn := os.Getenv(testDatabaseURLEnv)
	if dsn == "" {
		test.Skipf("%s not set", testDatabaseURLEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := Migrate(ctx, dsn); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	pool, err := Connect(context.Background(), dsn)
	if err != nil {
		test.Fatalf("connect: %v", err)
	}
	test.Cleanup(pool.Close)
	return New(pool)
}

func uniqueUserID(test *testing.T) moneys.UserID {
	test.Helper()
	userID, err := moneys.NewUserID("pg-" + uuid.NewString())
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustKey(test *testing.T, raw string) moneys.IdempotencyKey {
	test.Helper()
	key, err := moneys.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func TestPostgresStoreRoundTrip(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := uniqueUserID(test)
	now := time.Now().UTC().Unix()

	wallet, err := moneys.NewWallet(userID, 100, 0, 100, now, moneys.VIPTierStandard)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if err := store.CreateWallet(ctx, wallet); err != nil {
		test.Fatalf("create wallet: %v", err)
	}
	if err := store.CreateWallet(ctx, wallet); !errors.Is(err, moneys.ErrWalletExists) {
		test.Fatalf("expected ErrWalletExists, got %v", err)
	}

	entryInput, err := moneys.NewEntryInput(userID, moneys.EntryKindPurchase, 10, mustKey(test, "purchase-1"), moneys.MetadataJSON{}, now)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	if err := store.InsertEntry(ctx, entryInput); err != nil {
		test.Fatalf("insert entry: %v", err)
	}
	if err := store.InsertEntry(ctx, entryInput); !errors.Is(err, moneys.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	found, err := store.FindEntry(ctx, userID, mustKey(test, "purchase-1"))
	if err != nil {
		test.Fatalf("find entry: %v", err)
	}
	if found.Amount() != 10 || found.CreatedUnixUTC() != now {
		test.Fatalf("unexpected entry amount=%d created=%d", found.Amount(), found.CreatedUnixUTC())
	}
	if _, err := store.FindEntry(ctx, userID, mustKey(test, "missing")); !errors.Is(err, moneys.ErrUnknownEntry) {
		test.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestPostgresServiceConcurrentSpends(test *testing.T) {
	store := newTestStore(test)
	service, err := moneys.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	ctx := context.Background()
	userID := uniqueUserID(test)
	kind, err := moneys.NewSpendKind("start_chat")
	if err != nil {
		test.Fatalf("kind: %v", err)
	}

	const workers = 12
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		succeeded int
	)
	for index := 0; index < workers; index++ {
		key := mustKey(test, fmt.Sprintf("spend-%d", index))
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Spend(ctx, userID, kind, moneys.MetadataJSON{}, key)
			if err == nil {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
				return
			}
			if !errors.Is(err, moneys.ErrInsufficientFunds) && !errors.Is(err, moneys.ErrTransactionConflict) {
				test.Errorf("unexpected error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	wallet, err := store.GetWallet(ctx, userID)
	if err != nil {
		test.Fatalf("get wallet: %v", err)
	}
	if wallet.Balance().Int64() != 100-int64(succeeded)*10 {
		test.Fatalf("balance %d does not match %d successful spends", wallet.Balance(), succeeded)
	}
	if wallet.Version() != 1+int64(succeeded) {
		test.Fatalf("version %d does not match %d successful spends", wallet.Version(), succeeded)
	}
	entries, err := store.ListEntries(ctx, userID, moneys.EntryCursor{}, 100)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	var sum int64
	for _, entry := range entries {
		sum += entry.Amount().Int64()
	}
	if sum != wallet.Balance().Int64() {
		test.Fatalf("ledger sum %d does not match balance %d", sum, wallet.Balance())
	}
}

func TestPostgresListEntriesPagesWithinOneSecond(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := uniqueUserID(test)
	now := time.Now().UTC().Unix()
	wallet, err := moneys.NewWallet(userID, 100, 0, 100, now, moneys.VIPTierStandard)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if err := store.CreateWallet(ctx, wallet); err != nil {
		test.Fatalf("create wallet: %v", err)
	}
	for index := 0; index < 5; index++ {
		entryInput, err := moneys.NewEntryInput(userID, moneys.EntryKindPurchase, 1, mustKey(test, fmt.Sprintf("same-second-%d", index)), moneys.MetadataJSON{}, now)
		if err != nil {
			test.Fatalf("entry input: %v", err)
		}
		if err := store.InsertEntry(ctx, entryInput); err != nil {
			test.Fatalf("insert entry: %v", err)
		}
	}

	seen := map[string]bool{}
	cursor := moneys.EntryCursor{}
	for page := 0; page < 5; page++ {
		entries, err := store.ListEntries(ctx, userID, cursor, 2)
		if err != nil {
			test.Fatalf("list entries: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if seen[entry.EntryID().String()] {
				test.Fatalf("entry %s listed twice", entry.EntryID().String())
			}
			seen[entry.EntryID().String()] = true
		}
		cursor = moneys.CursorAfter(entries[len(entries)-1])
	}
	if len(seen) != 5 {
		test.Fatalf("expected all 5 entries across pages, got %d", len(seen))
	}
}

func TestPostgresUpdateWalletRejectsStaleVersion(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := uniqueUserID(test)
	wallet, err := moneys.NewWallet(userID, 100, 0, 100, 0, moneys.VIPTierStandard)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if err := store.CreateWallet(ctx, wallet); err != nil {
		test.Fatalf("create wallet: %v", err)
	}
	first, err := wallet.Spend(10)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if err := store.UpdateWallet(ctx, first); err != nil {
		test.Fatalf("update wallet: %v", err)
	}
	stale, err := wallet.Spend(20)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if err := store.UpdateWallet(ctx, stale); !errors.Is(err, moneys.ErrTransactionConflict) {
		test.Fatalf("expected ErrTransactionConflict for a stale version, got %v", err)
	}
	loaded, err := store.GetWallet(ctx, userID)
	if err != nil {
		test.Fatalf("get wallet: %v", err)
	}
	if loaded.Balance() != 90 || loaded.Version() != 2 {
		test.Fatalf("unexpected stored wallet %+v", loaded.Snapshot())
	}
}
