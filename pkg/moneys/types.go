package moneys

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Amount is a non-negative quantity of Moneys.
type Amount int64

// PositiveAmount is a strictly positive quantity of Moneys.
type PositiveAmount int64

// EntryAmount is a signed, non-zero ledger delta.
type EntryAmount int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// IdempotencyKey scopes duplicate detection within one wallet.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores opaque caller-supplied context.
type MetadataJSON struct {
	value string
}

// Receipt carries the payment provider proof for a purchase. It may be empty.
type Receipt struct {
	value string
}

// SpendKind names a priced action from the cost table.
type SpendKind struct {
	value string
}

// EntryKind labels a ledger entry: grant_daily, purchase or a spend kind.
type EntryKind string

// VIPTier is informational wallet state.
type VIPTier string

const (
	EntryKindGrantDaily EntryKind = "grant_daily"
	EntryKindPurchase   EntryKind = "purchase"

	VIPTierStandard VIPTier = "standard"
)

// NewAmount validates a non-negative amount.
func NewAmount(raw int64) (Amount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 exposes the raw value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmount validates a strictly positive amount.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// ToAmount converts to a non-negative amount.
func (amount PositiveAmount) ToAmount() Amount {
	return Amount(amount)
}

// ToEntryAmount converts to a positive ledger delta.
func (amount PositiveAmount) ToEntryAmount() EntryAmount {
	return EntryAmount(amount)
}

// NewEntryAmount validates a non-zero ledger delta.
func NewEntryAmount(raw int64) (EntryAmount, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidEntryAmount)
	}
	return EntryAmount(raw), nil
}

// Int64 exposes the raw value.
func (amount EntryAmount) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount EntryAmount) Negated() EntryAmount {
	return -amount
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key was never initialized.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewReceipt normalizes a purchase receipt.
func NewReceipt(raw string) Receipt {
	return Receipt{value: strings.TrimSpace(raw)}
}

// String returns the receipt token.
func (receipt Receipt) String() string {
	return receipt.value
}

// NewSpendKind validates a spend kind name. Kinds reserved for grants and
// purchases are rejected.
func NewSpendKind(raw string) (SpendKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return SpendKind{}, fmt.Errorf("%w: empty value", ErrUnknownSpendKind)
	}
	if EntryKind(normalized) == EntryKindGrantDaily || EntryKind(normalized) == EntryKindPurchase {
		return SpendKind{}, fmt.Errorf("%w: %q is reserved", ErrUnknownSpendKind, normalized)
	}
	return SpendKind{value: normalized}, nil
}

// String returns the kind name.
func (kind SpendKind) String() string {
	return kind.value
}

// EntryKind returns the ledger label used for spends of this kind.
func (kind SpendKind) EntryKind() EntryKind {
	return EntryKind(kind.value)
}

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidEntryKind)
	}
	return EntryKind(normalized), nil
}

// String returns the kind label.
func (kind EntryKind) String() string {
	return string(kind)
}

// CostTable maps spend kinds to their price. It is server configuration and
// never supplied by callers.
type CostTable struct {
	costs map[string]PositiveAmount
}

// DefaultCostTable returns the built-in prices.
func DefaultCostTable() CostTable {
	return CostTable{costs: map[string]PositiveAmount{
		"start_chat": 10,
		"play_game":  2,
		"tip_jar":    1,
		"buy_drink":  5,
	}}
}

// NewCostTable validates every kind and cost.
func NewCostTable(raw map[string]int64) (CostTable, error) {
	if len(raw) == 0 {
		return CostTable{}, fmt.Errorf("%w: no kinds configured", ErrInvalidCostTable)
	}
	costs := make(map[string]PositiveAmount, len(raw))
	for rawKind, rawCost := range raw {
		kind, err := NewSpendKind(rawKind)
		if err != nil {
			return CostTable{}, fmt.Errorf("%w: %w", ErrInvalidCostTable, err)
		}
		cost, err := NewPositiveAmount(rawCost)
		if err != nil {
			return CostTable{}, fmt.Errorf("%w: kind %s: %w", ErrInvalidCostTable, kind.String(), err)
		}
		costs[kind.String()] = cost
	}
	return CostTable{costs: costs}, nil
}

// Cost returns the price for kind.
func (table CostTable) Cost(kind SpendKind) (PositiveAmount, error) {
	cost, ok := table.costs[kind.String()]
	if !ok {
		return 0, WrapError(errorOperationService, errorSubjectSpend, errorCodeUnknownKind, fmt.Errorf("%w: %q", ErrUnknownSpendKind, kind.String()))
	}
	return cost, nil
}

// Kinds lists the configured kinds in lexical order.
func (table CostTable) Kinds() []string {
	kinds := make([]string, 0, len(table.costs))
	for kind := range table.costs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Wallet is the per-user balance record.
type Wallet struct {
	userID                   UserID
	balance                  Amount
	paidBalance              Amount
	dailyFreeTarget          Amount
	lastGrantBoundaryUnixUTC int64
	vipTier                  VIPTier
	version                  int64
}

// NewWallet validates wallet invariants: 0 <= paidBalance <= balance. The
// returned wallet is at version 1.
func NewWallet(userID UserID, balance Amount, paidBalance Amount, dailyFreeTarget Amount, lastGrantBoundaryUnixUTC int64, vipTier VIPTier) (Wallet, error) {
	if userID.IsZero() {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if balance < 0 || paidBalance < 0 || dailyFreeTarget < 0 {
		return Wallet{}, fmt.Errorf("%w: negative field", ErrInvalidBalance)
	}
	if paidBalance > balance {
		return Wallet{}, fmt.Errorf("%w: paid balance %d exceeds balance %d", ErrInvalidBalance, paidBalance, balance)
	}
	if strings.TrimSpace(string(vipTier)) == "" {
		vipTier = VIPTierStandard
	}
	return Wallet{
		userID:                   userID,
		balance:                  balance,
		paidBalance:              paidBalance,
		dailyFreeTarget:          dailyFreeTarget,
		lastGrantBoundaryUnixUTC: lastGrantBoundaryUnixUTC,
		vipTier:                  vipTier,
		version:                  1,
	}, nil
}

// UserID returns the owner.
func (wallet Wallet) UserID() UserID {
	return wallet.userID
}

// Balance returns total spendable Moneys.
func (wallet Wallet) Balance() Amount {
	return wallet.balance
}

// PaidBalance returns the purchased portion of the balance.
func (wallet Wallet) PaidBalance() Amount {
	return wallet.paidBalance
}

// FreeBalance returns balance minus paid balance.
func (wallet Wallet) FreeBalance() Amount {
	return wallet.balance - wallet.paidBalance
}

// DailyFreeTarget returns the free level restored at each boundary.
func (wallet Wallet) DailyFreeTarget() Amount {
	return wallet.dailyFreeTarget
}

// LastGrantBoundaryUnixUTC returns the grant watermark.
func (wallet Wallet) LastGrantBoundaryUnixUTC() int64 {
	return wallet.lastGrantBoundaryUnixUTC
}

// VIPTier returns the informational tier.
func (wallet Wallet) VIPTier() VIPTier {
	return wallet.vipTier
}

// Version increases by one with every stored change. Snapshots of the same
// wallet order by version regardless of delivery order.
func (wallet Wallet) Version() int64 {
	return wallet.version
}

// next builds the successor of wallet with the given balances and watermark.
func (wallet Wallet) next(balance Amount, paidBalance Amount, lastGrantBoundaryUnixUTC int64) (Wallet, error) {
	updated, err := NewWallet(wallet.userID, balance, paidBalance, wallet.dailyFreeTarget, lastGrantBoundaryUnixUTC, wallet.vipTier)
	if err != nil {
		return Wallet{}, err
	}
	updated.version = wallet.version + 1
	return updated, nil
}

// GrantDaily tops free Moneys up to the daily target once per boundary. It
// returns the updated wallet and the granted amount (zero when nothing was
// added). A wallet whose watermark already reached boundary is returned as is.
func (wallet Wallet) GrantDaily(boundaryUnixUTC int64) (Wallet, Amount, error) {
	if wallet.lastGrantBoundaryUnixUTC >= boundaryUnixUTC {
		return wallet, 0, nil
	}
	free := wallet.FreeBalance()
	if free >= wallet.dailyFreeTarget {
		updated, err := wallet.next(wallet.balance, wallet.paidBalance, boundaryUnixUTC)
		return updated, 0, err
	}
	granted := wallet.dailyFreeTarget - free
	updated, err := wallet.next(wallet.paidBalance+wallet.dailyFreeTarget, wallet.paidBalance, boundaryUnixUTC)
	if err != nil {
		return Wallet{}, 0, err
	}
	return updated, granted, nil
}

// Spend debits cost, consuming free Moneys before paid Moneys.
func (wallet Wallet) Spend(cost PositiveAmount) (Wallet, error) {
	if wallet.balance < cost.ToAmount() {
		return Wallet{}, ErrInsufficientFunds
	}
	free := wallet.FreeBalance()
	paidReduction := cost.ToAmount() - free
	if paidReduction < 0 {
		paidReduction = 0
	}
	paidBalance := wallet.paidBalance - paidReduction
	if paidBalance < 0 {
		paidBalance = 0
	}
	return wallet.next(wallet.balance-cost.ToAmount(), paidBalance, wallet.lastGrantBoundaryUnixUTC)
}

// Purchase credits amount to both balance and paid balance.
func (wallet Wallet) Purchase(amount PositiveAmount) (Wallet, error) {
	if wallet.balance.Int64() > math.MaxInt64-amount.Int64() {
		return Wallet{}, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	return wallet.next(wallet.balance+amount.ToAmount(), wallet.paidBalance+amount.ToAmount(), wallet.lastGrantBoundaryUnixUTC)
}

// Snapshot exports the wallet for transport and change feeds.
func (wallet Wallet) Snapshot() WalletSnapshot {
	return WalletSnapshot{
		UserID:                   wallet.userID.String(),
		Balance:                  wallet.balance.Int64(),
		PaidBalance:              wallet.paidBalance.Int64(),
		DailyFreeTarget:          wallet.dailyFreeTarget.Int64(),
		LastGrantBoundaryUnixUTC: wallet.lastGrantBoundaryUnixUTC,
		VIPTier:                  string(wallet.vipTier),
		Version:                  wallet.version,
	}
}

// WalletSnapshot is the wire form of a Wallet.
type WalletSnapshot struct {
	UserID                   string `json:"user_id"`
	Balance                  int64  `json:"balance"`
	PaidBalance              int64  `json:"paid_balance"`
	DailyFreeTarget          int64  `json:"daily_free_target"`
	LastGrantBoundaryUnixUTC int64  `json:"last_grant_boundary_unix_utc"`
	VIPTier                  string `json:"vip_tier"`
	Version                  int64  `json:"version"`
}

// ToWallet validates a snapshot back into a Wallet. A zero Version is read
// as version 1.
func (snapshot WalletSnapshot) ToWallet() (Wallet, error) {
	userID, err := NewUserID(snapshot.UserID)
	if err != nil {
		return Wallet{}, err
	}
	balance, err := NewAmount(snapshot.Balance)
	if err != nil {
		return Wallet{}, err
	}
	paidBalance, err := NewAmount(snapshot.PaidBalance)
	if err != nil {
		return Wallet{}, err
	}
	target, err := NewAmount(snapshot.DailyFreeTarget)
	if err != nil {
		return Wallet{}, err
	}
	if snapshot.Version < 0 {
		return Wallet{}, fmt.Errorf("%w: negative version", ErrInvalidBalance)
	}
	wallet, err := NewWallet(userID, balance, paidBalance, target, snapshot.LastGrantBoundaryUnixUTC, VIPTier(snapshot.VIPTier))
	if err != nil {
		return Wallet{}, err
	}
	if snapshot.Version > 0 {
		wallet.version = snapshot.Version
	}
	return wallet, nil
}

// EntryInput describes a ledger entry before persistence.
type EntryInput struct {
	userID         UserID
	kind           EntryKind
	amount         EntryAmount
	idempotencyKey IdempotencyKey
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates a ledger entry request.
func NewEntryInput(userID UserID, kind EntryKind, amount EntryAmount, idempotencyKey IdempotencyKey, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if userID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if strings.TrimSpace(kind.String()) == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidEntryKind)
	}
	if amount == 0 {
		return EntryInput{}, fmt.Errorf("%w: must not be zero", ErrInvalidEntryAmount)
	}
	if idempotencyKey.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return EntryInput{
		userID:         userID,
		kind:           kind,
		amount:         amount,
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the wallet owner.
func (entryInput EntryInput) UserID() UserID { return entryInput.userID }

// Kind returns the entry label.
func (entryInput EntryInput) Kind() EntryKind { return entryInput.kind }

// Amount returns the signed delta.
func (entryInput EntryInput) Amount() EntryAmount { return entryInput.amount }

// IdempotencyKey returns the dedupe key.
func (entryInput EntryInput) IdempotencyKey() IdempotencyKey { return entryInput.idempotencyKey }

// MetadataJSON returns caller context.
func (entryInput EntryInput) MetadataJSON() MetadataJSON { return entryInput.metadata }

// CreatedUnixUTC returns the server timestamp.
func (entryInput EntryInput) CreatedUnixUTC() int64 { return entryInput.createdUnixUTC }

// Entry is a single immutable line in a wallet's ledger.
type Entry struct {
	entryID EntryID
	EntryInput
}

// NewEntry validates a persisted ledger entry.
func NewEntry(entryID EntryID, userID UserID, kind EntryKind, amount EntryAmount, idempotencyKey IdempotencyKey, metadata MetadataJSON, createdUnixUTC int64) (Entry, error) {
	if entryID.String() == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	entryInput, err := NewEntryInput(userID, kind, amount, idempotencyKey, metadata, createdUnixUTC)
	if err != nil {
		return Entry{}, err
	}
	return Entry{entryID: entryID, EntryInput: entryInput}, nil
}

// EntryID returns the persisted identifier.
func (entry Entry) EntryID() EntryID { return entry.entryID }

// EntryCursor positions a ListEntries page. Entries are listed newest first
// by creation second, ties broken by descending entry id. A page holds the
// entries that sort after the cursor. The zero cursor starts at the newest
// entry; a cursor without an entry id skips the whole BeforeUnixUTC second.
type EntryCursor struct {
	BeforeUnixUTC int64
	BeforeEntryID EntryID
}

// CursorAfter returns the cursor that continues a page ending with entry.
func CursorAfter(entry Entry) EntryCursor {
	return EntryCursor{BeforeUnixUTC: entry.CreatedUnixUTC(), BeforeEntryID: entry.EntryID()}
}

// IsZero reports whether the cursor starts at the newest entry.
func (cursor EntryCursor) IsZero() bool {
	return cursor.BeforeUnixUTC == 0
}

// Admits reports whether an entry created at createdUnixUTC with entryID
// sorts after the cursor.
func (cursor EntryCursor) Admits(createdUnixUTC int64, entryID EntryID) bool {
	if cursor.IsZero() || createdUnixUTC < cursor.BeforeUnixUTC {
		return true
	}
	if createdUnixUTC > cursor.BeforeUnixUTC || cursor.BeforeEntryID.String() == "" {
		return false
	}
	return entryID.String() < cursor.BeforeEntryID.String()
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetWallet returns ErrUnknownWallet when absent. Inside a transaction the
	// row stays locked until commit.
	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	// CreateWallet returns ErrWalletExists when a wallet is already stored.
	CreateWallet(ctx context.Context, wallet Wallet) error
	// UpdateWallet stores wallet only when the stored row is at
	// wallet.Version()-1. A row at any other version yields
	// ErrTransactionConflict, a missing row ErrUnknownWallet.
	UpdateWallet(ctx context.Context, wallet Wallet) error
	// InsertEntry returns ErrDuplicateIdempotencyKey on key reuse.
	InsertEntry(ctx context.Context, entryInput EntryInput) error
	// FindEntry returns ErrUnknownEntry when no entry has the key.
	FindEntry(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey) (Entry, error)
	// ListEntries returns up to limit entries after cursor, newest first.
	ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error)
}
