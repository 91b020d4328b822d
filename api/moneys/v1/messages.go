package moneysv1

import (
	"encoding/json"
	"strconv"
)

// GrantDailyRequest asks for the caller's daily free top-up.
type GrantDailyRequest struct{}

// SpendRequest charges the server-side price of Kind.
type SpendRequest struct {
	Kind           string `json:"kind"`
	MetadataJson   string `json:"metadata_json,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (request *SpendRequest) GetKind() string {
	if request == nil {
		return ""
	}
	return request.Kind
}

func (request *SpendRequest) GetMetadataJson() string {
	if request == nil {
		return ""
	}
	return request.MetadataJson
}

func (request *SpendRequest) GetIdempotencyKey() string {
	if request == nil {
		return ""
	}
	return request.IdempotencyKey
}

// PurchaseRequest credits purchased Moneys.
type PurchaseRequest struct {
	Amount         int64  `json:"amount"`
	Receipt        string `json:"receipt,omitempty"`
	MetadataJson   string `json:"metadata_json,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// UnmarshalJSON accepts any JSON number for amount. A value that is not a
// plain integer decodes as zero, which the server rejects as an invalid
// amount instead of failing the whole message.
func (request *PurchaseRequest) UnmarshalJSON(data []byte) error {
	type plain PurchaseRequest
	var decoded struct {
		plain
		Amount json.Number `json:"amount"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*request = PurchaseRequest(decoded.plain)
	request.Amount = 0
	if decoded.Amount != "" {
		if amount, err := strconv.ParseInt(decoded.Amount.String(), 10, 64); err == nil {
			request.Amount = amount
		}
	}
	return nil
}

func (request *PurchaseRequest) GetAmount() int64 {
	if request == nil {
		return 0
	}
	return request.Amount
}

func (request *PurchaseRequest) GetReceipt() string {
	if request == nil {
		return ""
	}
	return request.Receipt
}

func (request *PurchaseRequest) GetMetadataJson() string {
	if request == nil {
		return ""
	}
	return request.MetadataJson
}

func (request *PurchaseRequest) GetIdempotencyKey() string {
	if request == nil {
		return ""
	}
	return request.IdempotencyKey
}

// EnsureWalletRequest seeds the caller's wallet if it is missing.
type EnsureWalletRequest struct{}

// GetWalletRequest reads the caller's wallet.
type GetWalletRequest struct{}

// WatchWalletRequest opens the caller's live wallet stream.
type WatchWalletRequest struct{}

// ListEntriesRequest pages through the caller's ledger, newest first.
// BeforeUnixUtc and BeforeEntryId continue from the last entry of the previous
// page; BeforeEntryId requires BeforeUnixUtc.
type ListEntriesRequest struct {
	Limit         int32  `json:"limit,omitempty"`
	BeforeUnixUtc int64  `json:"before_unix_utc,omitempty"`
	BeforeEntryId string `json:"before_entry_id,omitempty"`
}

func (request *ListEntriesRequest) GetLimit() int32 {
	if request == nil {
		return 0
	}
	return request.Limit
}

func (request *ListEntriesRequest) GetBeforeUnixUtc() int64 {
	if request == nil {
		return 0
	}
	return request.BeforeUnixUtc
}

func (request *ListEntriesRequest) GetBeforeEntryId() string {
	if request == nil {
		return ""
	}
	return request.BeforeEntryId
}

// ListCostsRequest reads the server's spend price list.
type ListCostsRequest struct{}

// Cost is the price of one spend kind.
type Cost struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

// ListCostsResponse lists every priced kind in lexical order.
type ListCostsResponse struct {
	Costs []*Cost `json:"costs"`
}

func (response *ListCostsResponse) GetCosts() []*Cost {
	if response == nil {
		return nil
	}
	return response.Costs
}

// Wallet is the wire snapshot of a wallet.
type Wallet struct {
	UserId                   string `json:"user_id"`
	Balance                  int64  `json:"balance"`
	PaidBalance              int64  `json:"paid_balance"`
	DailyFreeTarget          int64  `json:"daily_free_target"`
	LastGrantBoundaryUnixUtc int64  `json:"last_grant_boundary_unix_utc"`
	VipTier                  string `json:"vip_tier"`
	Version                  int64  `json:"version"`
}

// WalletResponse carries the post-operation wallet.
type WalletResponse struct {
	Moneys *Wallet `json:"moneys"`
}

func (response *WalletResponse) GetMoneys() *Wallet {
	if response == nil {
		return nil
	}
	return response.Moneys
}

// Entry is the wire form of a ledger entry.
type Entry struct {
	EntryId        string `json:"entry_id"`
	UserId         string `json:"user_id"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	MetadataJson   string `json:"metadata_json"`
	CreatedUnixUtc int64  `json:"created_unix_utc"`
}

// ListEntriesResponse holds one page of entries.
type ListEntriesResponse struct {
	Entries []*Entry `json:"entries"`
}

func (response *ListEntriesResponse) GetEntries() []*Entry {
	if response == nil {
		return nil
	}
	return response.Entries
}
