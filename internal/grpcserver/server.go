package grpcserver

import (
	"context"
	"errors"
	"fmt"

	moneysv1 "github.com/MarkoPoloResearchLab/moneys/api/moneys/v1"
	"github.com/MarkoPoloResearchLab/moneys/internal/auth"
	"github.com/MarkoPoloResearchLab/moneys/internal/walletfeed"
	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorUnauthenticated         = "unauthenticated"
	errorInsufficientFunds       = "insufficient_funds"
	errorUnknownSpendKind        = "unknown_spend_kind"
	errorUnknownWallet           = "unknown_wallet"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorTransactionConflict     = "transaction_conflict"
	errorPurchaseRejected        = "purchase_rejected"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidMetadata         = "invalid_metadata_json"
	errorInvalidListLimit        = "invalid_list_limit"
	errorInvalidListCursor       = "invalid_list_cursor"
	errorInternal                = "internal"
	errorFeedUnavailable         = "wallet_feed_unavailable"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200
)

// MoneysServiceServer exposes the Moneys economy over gRPC. The caller is
// always the authenticated subject placed in the context by auth interceptors.
type MoneysServiceServer struct {
	moneysv1.UnimplementedMoneysServiceServer
	moneysService *moneys.Service
	feed          walletfeed.Feed
	logger        *zap.Logger
}

// NewMoneysServiceServer constructs a gRPC server for the economy service.
func NewMoneysServiceServer(moneysService *moneys.Service, feed walletfeed.Feed, logger *zap.Logger) (*MoneysServiceServer, error) {
	if moneysService == nil {
		return nil, fmt.Errorf("moneys service is required")
	}
	if feed == nil {
		return nil, fmt.Errorf("wallet feed is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MoneysServiceServer{moneysService: moneysService, feed: feed, logger: logger}, nil
}

// NewGRPCServer builds a grpc.Server with the authentication interceptors
// installed and the service registered.
func NewGRPCServer(service *MoneysServiceServer, authenticator *auth.Authenticator, options ...grpc.ServerOption) *grpc.Server {
	serverOptions := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(authenticator.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(authenticator.StreamServerInterceptor()),
	}, options...)
	grpcServer := grpc.NewServer(serverOptions...)
	moneysv1.RegisterMoneysServiceServer(grpcServer, service)
	return grpcServer
}

func (service *MoneysServiceServer) GrantDaily(ctx context.Context, _ *moneysv1.GrantDailyRequest) (*moneysv1.WalletResponse, error) {
	userID, err := auth.CallerFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	wallet, operationError := service.moneysService.DailyGrant(ctx, userID)
	if operationError != nil {
		return nil, service.mapToGRPCError(operationError)
	}
	return walletResponse(wallet), nil
}

func (service *MoneysServiceServer) Spend(ctx context.Context, request *moneysv1.SpendRequest) (*moneysv1.WalletResponse, error) {
	userID, err := auth.CallerFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	kind, err := moneys.NewSpendKind(request.GetKind())
	if err != nil {
		return nil, service.mapToGRPCError(err)
	}
	metadata, err := moneys.NewMetadataJSON(request.GetMetadataJson())
	if err != nil {
		return nil, service.mapToGRPCError(err)
	}
	idem, err := idempotencyKeyOrGenerated(request.GetIdempotencyKey())
	if err != nil {
		return nil, service.mapToGRPCError(err)
	}
	wallet, operationError := service.moneysService.Spend(ctx, userID, kind, metadata, idem)
	if operationError != nil {
		return nil, service.mapToGRPCError(operationError)
	}
	return walletResponse(wallet), nil
}

func (service *MoneysServiceServer) Purchase(ctx context.Context, request *moneysv1.PurchaseRequest) (*moneysv1.WalletResponse, error) {
	userID, err := auth.CallerFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	amount, err := moneys.NewPositiveAmount(request.GetAmount())
	if err != nil {
		return nil, service.mapToGRPCError(err)
	}
	metadata, err := moneys.NewMetadataJSON(request.GetMetadataJson())
	if err != nil {
		return nil, service.mapToGRPCError(err)
	}
	idem, err := idempotencyKeyOrGenerated(request.GetIdempotencyKey())
	if err != nil {
		return nil, service.mapToGRPCError(err)
	}
	wallet, operationError := service.moneysService.Purchase(ctx, userID, amount, moneys.NewReceipt(request.GetReceipt()), metadata, idem)
	if operationError != nil {
		return nil, service.mapToGRPCError(operationError)
	}
	return walletResponse(wallet), nil
}

func (service *MoneysServiceServer) EnsureWallet(ctx context.Context, _ *moneysv1.EnsureWalletRequest) (*moneysv1.WalletResponse, error) {
	userID, err := auth.CallerFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	wallet, operationError := service.moneysService.EnsureWallet(ctx, userID)
	if operationError != nil {
		return nil, service.mapToGRPCError(operationError)
	}
	return walletResponse(wallet), nil
}

func (service *MoneysServiceServer) GetWallet(ctx context.Context, _ *moneysv1.GetWalletRequest) (*moneysv1.WalletResponse, error) {
	userID, err := auth.CallerFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	wallet, operationError := service.moneysService.Wallet(ctx, userID)
	if operationError != nil {
		return nil, service.mapToGRPCError(operationError)
	}
	return walletResponse(wallet), nil
}

func (service *MoneysServiceServer) ListEntries(ctx context.Context, request *moneysv1.ListEntriesRequest) (*moneysv1.ListEntriesResponse, error) {
	userID, err := auth.CallerFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	limit, err := normalizeListLimit(request.GetLimit())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	cursor, err := listCursor(request)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListCursor)
	}
	entries, operationError := service.moneysService.ListEntries(ctx, userID, cursor, int(limit))
	if operationError != nil {
		return nil, service.mapToGRPCError(operationError)
	}
	response := &moneysv1.ListEntriesResponse{Entries: make([]*moneysv1.Entry, 0, len(entries))}
	for _, entryRecord := range entries {
		response.Entries = append(response.Entries, &moneysv1.Entry{
			EntryId:        entryRecord.EntryID().String(),
			UserId:         entryRecord.UserID().String(),
			Kind:           entryRecord.Kind().String(),
			Amount:         entryRecord.Amount().Int64(),
			IdempotencyKey: entryRecord.IdempotencyKey().String(),
			MetadataJson:   entryRecord.MetadataJSON().String(),
			CreatedUnixUtc: entryRecord.CreatedUnixUTC(),
		})
	}
	return response, nil
}

// ListCosts returns the configured spend prices.
func (service *MoneysServiceServer) ListCosts(ctx context.Context, _ *moneysv1.ListCostsRequest) (*moneysv1.ListCostsResponse, error) {
	if _, err := auth.CallerFromContext(ctx); err != nil {
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	table := service.moneysService.Costs()
	kinds := table.Kinds()
	response := &moneysv1.ListCostsResponse{Costs: make([]*moneysv1.Cost, 0, len(kinds))}
	for _, rawKind := range kinds {
		kind, err := moneys.NewSpendKind(rawKind)
		if err != nil {
			return nil, service.mapToGRPCError(err)
		}
		cost, err := table.Cost(kind)
		if err != nil {
			return nil, service.mapToGRPCError(err)
		}
		response.Costs = append(response.Costs, &moneysv1.Cost{Kind: kind.String(), Amount: cost.Int64()})
	}
	return response, nil
}

// WatchWallet streams the caller's wallet: the current snapshot first, then
// every committed change. The subscription is opened before the snapshot is
// read so no change between the two is lost. Observers may be notified out of
// commit order, so a snapshot at or below the last sent version is dropped.
func (service *MoneysServiceServer) WatchWallet(_ *moneysv1.WatchWalletRequest, stream grpc.ServerStreamingServer[moneysv1.WalletResponse]) error {
	ctx := stream.Context()
	userID, err := auth.CallerFromContext(ctx)
	if err != nil {
		return status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
	subscription, err := service.feed.Subscribe(ctx, userID)
	if err != nil {
		service.logger.Warn("wallet feed subscribe", zap.String("user_id", userID.String()), zap.Error(err))
		return status.Error(codes.Unavailable, errorFeedUnavailable)
	}
	defer subscription.Close()

	wallet, operationError := service.moneysService.EnsureWallet(ctx, userID)
	if operationError != nil {
		return service.mapToGRPCError(operationError)
	}
	lastVersion := wallet.Version()
	if err := stream.Send(walletResponse(wallet)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot, ok := <-subscription.Updates():
			if !ok {
				return status.Error(codes.Unavailable, errorFeedUnavailable)
			}
			if snapshot.Version <= lastVersion {
				continue
			}
			lastVersion = snapshot.Version
			if err := stream.Send(&moneysv1.WalletResponse{Moneys: snapshotToWire(snapshot)}); err != nil {
				return err
			}
		}
	}
}

func idempotencyKeyOrGenerated(raw string) (moneys.IdempotencyKey, error) {
	if raw == "" {
		raw = uuid.NewString()
	}
	return moneys.NewIdempotencyKey(raw)
}

func walletResponse(wallet moneys.Wallet) *moneysv1.WalletResponse {
	return &moneysv1.WalletResponse{Moneys: snapshotToWire(wallet.Snapshot())}
}

func snapshotToWire(snapshot moneys.WalletSnapshot) *moneysv1.Wallet {
	return &moneysv1.Wallet{
		UserId:                   snapshot.UserID,
		Balance:                  snapshot.Balance,
		PaidBalance:              snapshot.PaidBalance,
		DailyFreeTarget:          snapshot.DailyFreeTarget,
		LastGrantBoundaryUnixUtc: snapshot.LastGrantBoundaryUnixUTC,
		VipTier:                  snapshot.VIPTier,
		Version:                  snapshot.Version,
	}
}

func listCursor(request *moneysv1.ListEntriesRequest) (moneys.EntryCursor, error) {
	before := request.GetBeforeUnixUtc()
	if before < 0 {
		return moneys.EntryCursor{}, fmt.Errorf("negative before: %d", before)
	}
	rawEntryID := request.GetBeforeEntryId()
	if rawEntryID == "" {
		return moneys.EntryCursor{BeforeUnixUTC: before}, nil
	}
	if before == 0 {
		return moneys.EntryCursor{}, fmt.Errorf("entry id without before")
	}
	if err := uuid.Validate(rawEntryID); err != nil {
		return moneys.EntryCursor{}, err
	}
	entryID, err := moneys.NewEntryID(rawEntryID)
	if err != nil {
		return moneys.EntryCursor{}, err
	}
	return moneys.EntryCursor{BeforeUnixUTC: before, BeforeEntryID: entryID}, nil
}

func normalizeListLimit(limit int32) (int32, error) {
	if limit <= 0 {
		return defaultListEntriesLimit, nil
	}
	if limit > maxListEntriesLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListEntriesLimit)
	}
	return limit, nil
}

func (service *MoneysServiceServer) mapToGRPCError(source error) error {
	if errors.Is(source, moneys.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, moneys.ErrUnknownSpendKind) {
		return status.Error(codes.InvalidArgument, errorUnknownSpendKind)
	}
	if errors.Is(source, moneys.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, moneys.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, moneys.ErrInvalidMetadataJSON) {
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	}
	if errors.Is(source, moneys.ErrInvalidListLimit) {
		return status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	if errors.Is(source, moneys.ErrInvalidListCursor) {
		return status.Error(codes.InvalidArgument, errorInvalidListCursor)
	}
	if errors.Is(source, moneys.ErrInsufficientFunds) {
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	}
	if errors.Is(source, moneys.ErrUnknownWallet) {
		return status.Error(codes.NotFound, errorUnknownWallet)
	}
	if errors.Is(source, moneys.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, moneys.ErrTransactionConflict) {
		return status.Error(codes.Aborted, errorTransactionConflict)
	}
	if errors.Is(source, moneys.ErrPurchaseRejected) {
		return status.Error(codes.PermissionDenied, errorPurchaseRejected)
	}
	if errors.Is(source, context.Canceled) {
		return status.Error(codes.Canceled, source.Error())
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	service.logger.Error("moneys operation failed", zap.Error(source))
	return status.Error(codes.Internal, errorInternal)
}
