package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	moneysv1 "github.com/MarkoPoloResearchLab/moneys/api/moneys/v1"
	"github.com/MarkoPoloResearchLab/moneys/internal/auth"
	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const claimsContextKey = "auth_claims"

// TokenMinter issues the short-lived bearer tokens the gateway presents to
// the gRPC backend on behalf of a session user.
type TokenMinter interface {
	Mint(userID moneys.UserID, ttl time.Duration, now time.Time) (string, error)
}

// Dial connects to the Moneys gRPC backend and waits until the connection is ready.
func Dial(ctx context.Context, cfg Config) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{}
	if cfg.BackendInsecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(cfg.BackendAddress, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect moneys backend: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect moneys backend: %w", err)
	}
	return conn, nil
}

// NewHandler builds the gin router serving the gateway routes.
func NewHandler(cfg Config, client moneysv1.MoneysServiceClient, minter TokenMinter, logger *zap.Logger) (http.Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("moneys client is required")
	}
	if minter == nil {
		return nil, fmt.Errorf("token minter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:       logger,
		moneysClient: client,
		minter:       minter,
		cfg:          cfg,
		now:          time.Now,
	}
	return setupRouter(cfg, handler, sessionValidator), nil
}

// Run serves the gateway until ctx is cancelled.
func Run(ctx context.Context, cfg Config, client moneysv1.MoneysServiceClient, minter TokenMinter, logger *zap.Logger) error {
	router, err := NewHandler(cfg, client, minter, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("gateway shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.POST("/registration", handler.handleRegistration)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/entries", handler.handleEntries)
	api.GET("/costs", handler.handleCosts)

	return router
}

type httpHandler struct {
	logger       *zap.Logger
	moneysClient moneysv1.MoneysServiceClient
	minter       TokenMinter
	cfg          Config
	now          func() time.Time
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

// handleRegistration seeds the caller's wallet. Repeated calls return the
// existing wallet unchanged.
func (handler *httpHandler) handleRegistration(ctx *gin.Context) {
	requestCtx, cancel, ok := handler.backendContext(ctx)
	if !ok {
		return
	}
	defer cancel()
	response, err := handler.moneysClient.EnsureWallet(requestCtx, &moneysv1.EnsureWalletRequest{})
	if err != nil {
		handler.respondBackendError(ctx, "ensure wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletPayloadFrom(response.GetMoneys())})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	requestCtx, cancel, ok := handler.backendContext(ctx)
	if !ok {
		return
	}
	defer cancel()
	response, err := handler.moneysClient.GetWallet(requestCtx, &moneysv1.GetWalletRequest{})
	if err != nil {
		handler.respondBackendError(ctx, "get wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletPayloadFrom(response.GetMoneys())})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	limit := handler.cfg.HistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = int32(parsed)
	}
	var before int64
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be unix seconds"))
			return
		}
		before = parsed
	}
	beforeEntryID := ctx.Query("before_entry_id")
	if beforeEntryID != "" && before == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before_entry_id requires before"))
		return
	}
	requestCtx, cancel, ok := handler.backendContext(ctx)
	if !ok {
		return
	}
	defer cancel()
	response, err := handler.moneysClient.ListEntries(requestCtx, &moneysv1.ListEntriesRequest{Limit: limit, BeforeUnixUtc: before, BeforeEntryId: beforeEntryID})
	if err != nil {
		handler.respondBackendError(ctx, "list entries", err)
		return
	}
	entries := make([]entryPayload, 0, len(response.GetEntries()))
	for _, entry := range response.GetEntries() {
		entries = append(entries, entryPayload{
			EntryID:        entry.EntryId,
			Kind:           entry.Kind,
			Amount:         entry.Amount,
			IdempotencyKey: entry.IdempotencyKey,
			Metadata:       metadataPayload(entry.MetadataJson),
			CreatedUnixUTC: entry.CreatedUnixUtc,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (handler *httpHandler) handleCosts(ctx *gin.Context) {
	requestCtx, cancel, ok := handler.backendContext(ctx)
	if !ok {
		return
	}
	defer cancel()
	response, err := handler.moneysClient.ListCosts(requestCtx, &moneysv1.ListCostsRequest{})
	if err != nil {
		handler.respondBackendError(ctx, "list costs", err)
		return
	}
	costs := make([]costPayload, 0, len(response.GetCosts()))
	for _, cost := range response.GetCosts() {
		costs = append(costs, costPayload{Kind: cost.Kind, Amount: cost.Amount})
	}
	ctx.JSON(http.StatusOK, gin.H{"costs": costs})
}

// backendContext resolves the session user and returns a timeout-bound
// context carrying a bearer token for that user.
func (handler *httpHandler) backendContext(ctx *gin.Context) (context.Context, context.CancelFunc, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return nil, nil, false
	}
	userID, err := moneys.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return nil, nil, false
	}
	token, err := handler.minter.Mint(userID, handler.cfg.BearerTTL, handler.now())
	if err != nil {
		handler.logger.Error("mint bearer token failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "token unavailable"))
		return nil, nil, false
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RPCTimeout)
	return metadata.AppendToOutgoingContext(requestCtx, auth.BearerMetadata(token)...), cancel, true
}

func (handler *httpHandler) respondBackendError(ctx *gin.Context, operation string, err error) {
	statusInfo, _ := status.FromError(err)
	switch statusInfo.Code() {
	case codes.NotFound:
		ctx.JSON(http.StatusNotFound, errorResponse(statusInfo.Message(), "wallet not found"))
	case codes.InvalidArgument:
		ctx.JSON(http.StatusBadRequest, errorResponse(statusInfo.Message(), "invalid request"))
	case codes.Unauthenticated:
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "backend rejected credentials"))
	default:
		handler.logger.Error(operation+" failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("backend_error", operation+" failed"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}

func metadataPayload(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func walletPayloadFrom(wallet *moneysv1.Wallet) walletPayload {
	if wallet == nil {
		return walletPayload{}
	}
	return walletPayload{
		Balance:                  wallet.Balance,
		PaidBalance:              wallet.PaidBalance,
		FreeBalance:              wallet.Balance - wallet.PaidBalance,
		DailyFreeTarget:          wallet.DailyFreeTarget,
		LastGrantBoundaryUnixUTC: wallet.LastGrantBoundaryUnixUtc,
		VIPTier:                  wallet.VipTier,
		Version:                  wallet.Version,
	}
}

type walletPayload struct {
	Balance                  int64  `json:"balance"`
	PaidBalance              int64  `json:"paid_balance"`
	FreeBalance              int64  `json:"free_balance"`
	DailyFreeTarget          int64  `json:"daily_free_target"`
	LastGrantBoundaryUnixUTC int64  `json:"last_grant_boundary_unix_utc"`
	VIPTier                  string `json:"vip_tier"`
	Version                  int64  `json:"version"`
}

type costPayload struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
