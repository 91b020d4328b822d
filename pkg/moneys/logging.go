package moneys

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a wallet operation and its outcome.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Kind           EntryKind
	Amount         Amount
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Balance        Amount
	PaidBalance    Amount
	Status         string
	Error          error
}

// WalletObserver is notified with the committed wallet after every mutation.
type WalletObserver interface {
	WalletChanged(ctx context.Context, wallet Wallet)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithWalletObserver wires the live wallet feed.
func WithWalletObserver(observer WalletObserver) ServiceOption {
	return func(service *Service) {
		service.observer = observer
	}
}
