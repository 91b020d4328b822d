package moneys

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("no operations logged")
	}
	return logger.entries[len(logger.entries)-1]
}

func TestOperationLoggerStatuses(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recordingLogger{}
	service := mustNewService(test, store, &testClock{now: dayOneEvening}, WithOperationLogger(logger))
	userID := mustUserID(test, "logged")

	if _, err := service.DailyGrant(context.Background(), userID); err != nil {
		test.Fatalf("grant: %v", err)
	}
	seeded := logger.last(test)
	if seeded.Operation != operationDailyGrant || seeded.Status != operationStatusOK || seeded.Amount != 100 || seeded.Balance != 100 {
		test.Fatalf("unexpected seed log: %+v", seeded)
	}

	if _, err := service.DailyGrant(context.Background(), userID); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if noop := logger.last(test); noop.Status != operationStatusNoop {
		test.Fatalf("expected noop status, got %+v", noop)
	}

	_, err := service.Spend(context.Background(), userID, mustSpendKind(test, "teleport"), mustMetadata(test, ""), mustIdempotencyKey(test, "k"))
	if err == nil {
		test.Fatalf("expected unknown kind error")
	}
	failed := logger.last(test)
	if failed.Operation != operationSpend || failed.Status != operationStatusError || !errors.Is(failed.Error, ErrUnknownSpendKind) {
		test.Fatalf("unexpected failure log: %+v", failed)
	}
	if failed.Balance != 0 {
		test.Fatalf("failed operations should not report balances, got %d", failed.Balance)
	}

	if _, err := service.Purchase(context.Background(), userID, mustPositiveAmount(test, 7), NewReceipt("r"), mustMetadata(test, ""), mustIdempotencyKey(test, "p")); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	purchased := logger.last(test)
	if purchased.Kind != EntryKindPurchase || purchased.Amount != 7 || purchased.PaidBalance != 7 || purchased.Balance != 107 {
		test.Fatalf("unexpected purchase log: %+v", purchased)
	}
}
