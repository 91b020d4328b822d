package moneys

const (
	operationDailyGrant   = "daily_grant"
	operationSpend        = "spend"
	operationPurchase     = "purchase"
	operationEnsureWallet = "ensure_wallet"

	operationStatusOK    = "ok"
	operationStatusNoop  = "noop"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	grantKeyPrefix          = string(EntryKindGrantDaily) + idempotencyKeyDelimiter

	defaultDailyFreeTarget     int64 = 100
	defaultTransactionAttempts       = 3
	defaultGrantBoundaryHour         = 17

	errorOperationService = "service"
	errorSubjectWallet    = "wallet"
	errorSubjectEntry     = "entry"
	errorSubjectPurchase  = "purchase"
	errorSubjectSpend     = "spend"
	errorCodeSeedRace     = "seed_race"
	errorCodeReplay       = "replay"
	errorCodeRejected     = "rejected"
	errorCodeUnknownKind  = "unknown_kind"
	errorCodeAttempts     = "attempts_exhausted"
)
