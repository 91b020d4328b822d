package walletsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	moneysv1 "github.com/MarkoPoloResearchLab/moneys/api/moneys/v1"
	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	authorizationMetadataKey = "authorization"

	defaultMaxAttempts    = 4
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultCallTimeout    = 10 * time.Second
)

var (
	// ErrNoSession is returned by calls made while no session is set.
	ErrNoSession = errors.New("no session")
	// ErrInvalidConfig reports an unusable client configuration.
	ErrInvalidConfig = errors.New("invalid walletsync config")
)

// Session identifies the signed-in user and the bearer token presented on
// every remote call.
type Session struct {
	UserID string
	Token  string
}

// View is the client's live picture of the wallet. Known is false until the
// first snapshot for the current session arrives.
type View struct {
	Known  bool
	Wallet moneys.WalletSnapshot
}

// Price is the server-side cost of one spend kind.
type Price struct {
	Kind   string
	Amount int64
}

// Result is returned by GrantDaily, Spend and Purchase. Wallet is set only
// when Outcome is OutcomeSucceeded.
type Result struct {
	Outcome Outcome
	Wallet  moneys.WalletSnapshot
	Err     error
}

// Config tunes retries and timeouts. Zero values select defaults.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	Logger         *zap.Logger
	// NewIdempotencyKey generates one key per logical operation.
	NewIdempotencyKey func() string
}

func (cfg *Config) applyDefaults() error {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return fmt.Errorf("%w: max backoff is below initial backoff", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewIdempotencyKey == nil {
		cfg.NewIdempotencyKey = uuid.NewString
	}
	return nil
}

// Client keeps a live wallet view for the current session and performs the
// economy operations against the remote service. Calls are not serialized;
// the server orders them.
type Client struct {
	remote moneysv1.MoneysServiceClient
	cfg    Config

	// notifyMutex orders view publications with respect to session changes.
	notifyMutex sync.Mutex
	mutex       sync.Mutex
	session     *Session
	generation  uint64
	view        View
	onChange    func(View)
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

// NewClient wires a Client over remote.
func NewClient(remote moneysv1.MoneysServiceClient, cfg Config) (*Client, error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: remote client is nil", ErrInvalidConfig)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Client{remote: remote, cfg: cfg}, nil
}

// OnChange registers fn to be called with every new view. fn must not call
// SetSession or Close.
func (client *Client) OnChange(fn func(View)) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.onChange = fn
}

// View returns the current live view.
func (client *Client) View() View {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.view
}

// SetSession switches the client to session. The previous subscription is
// torn down and the view becomes unknown. A nil session stops there.
// Otherwise the wallet is seeded remotely and a live subscription is opened;
// the returned error reports only the seeding call, the subscription keeps
// reconnecting on its own while the session stays current.
func (client *Client) SetSession(ctx context.Context, session *Session) error {
	var sessionCopy *Session
	if session != nil {
		if strings.TrimSpace(session.Token) == "" {
			return fmt.Errorf("%w: session token is empty", ErrInvalidConfig)
		}
		copied := *session
		sessionCopy = &copied
	}

	generation := client.detach(sessionCopy)
	client.publish(generation, View{})
	if sessionCopy == nil {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	client.mutex.Lock()
	if client.generation != generation {
		client.mutex.Unlock()
		cancel()
		return nil
	}
	client.cancelWatch = cancel
	client.watchDone = done
	client.mutex.Unlock()
	go client.watch(watchCtx, generation, *sessionCopy, done)

	_, err := callWithRetry(ctx, client, sessionCopy, func(callCtx context.Context) (*moneysv1.WalletResponse, error) {
		return client.remote.EnsureWallet(callCtx, &moneysv1.EnsureWalletRequest{})
	})
	return err
}

// Close tears down the live subscription and forgets the session.
func (client *Client) Close() {
	generation := client.detach(nil)
	client.publish(generation, View{})
}

// detach installs session as current, bumps the generation and stops the
// previous watch, waiting for it to exit.
func (client *Client) detach(session *Session) uint64 {
	client.mutex.Lock()
	cancel, done := client.cancelWatch, client.watchDone
	client.cancelWatch, client.watchDone = nil, nil
	client.generation++
	generation := client.generation
	client.session = session
	client.mutex.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return generation
}

// publish replaces the view if generation is still current and notifies the
// OnChange callback. A known wallet never moves back to an older or equal
// version, since live updates are not guaranteed to arrive in commit order.
func (client *Client) publish(generation uint64, view View) {
	client.notifyMutex.Lock()
	defer client.notifyMutex.Unlock()
	client.mutex.Lock()
	if generation != client.generation {
		client.mutex.Unlock()
		return
	}
	if view.Known && client.view.Known && view.Wallet.Version <= client.view.Wallet.Version {
		client.mutex.Unlock()
		return
	}
	client.view = view
	onChange := client.onChange
	client.mutex.Unlock()
	if onChange != nil {
		onChange(view)
	}
}

func (client *Client) currentSession() *Session {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.session
}

// GrantDaily requests the caller's daily free top-up.
func (client *Client) GrantDaily(ctx context.Context) Result {
	return client.run(ctx, func(callCtx context.Context) (*moneysv1.WalletResponse, error) {
		return client.remote.GrantDaily(callCtx, &moneysv1.GrantDailyRequest{})
	})
}

// Spend charges the server-side price of kind. metadataJSON may be empty.
func (client *Client) Spend(ctx context.Context, kind string, metadataJSON string) Result {
	request := &moneysv1.SpendRequest{
		Kind:           kind,
		MetadataJson:   metadataJSON,
		IdempotencyKey: client.cfg.NewIdempotencyKey(),
	}
	return client.run(ctx, func(callCtx context.Context) (*moneysv1.WalletResponse, error) {
		return client.remote.Spend(callCtx, request)
	})
}

// Purchase credits amount purchased Moneys backed by receipt.
func (client *Client) Purchase(ctx context.Context, amount int64, receipt string) Result {
	request := &moneysv1.PurchaseRequest{
		Amount:         amount,
		Receipt:        receipt,
		IdempotencyKey: client.cfg.NewIdempotencyKey(),
	}
	return client.run(ctx, func(callCtx context.Context) (*moneysv1.WalletResponse, error) {
		return client.remote.Purchase(callCtx, request)
	})
}

// Costs lists the spend prices the server charges, in kind order.
func (client *Client) Costs(ctx context.Context) ([]Price, error) {
	session := client.currentSession()
	if session == nil {
		return nil, ErrNoSession
	}
	response, err := callWithRetry(ctx, client, session, func(callCtx context.Context) (*moneysv1.ListCostsResponse, error) {
		return client.remote.ListCosts(callCtx, &moneysv1.ListCostsRequest{})
	})
	if err != nil {
		return nil, err
	}
	prices := make([]Price, 0, len(response.GetCosts()))
	for _, cost := range response.GetCosts() {
		prices = append(prices, Price{Kind: cost.Kind, Amount: cost.Amount})
	}
	return prices, nil
}

func (client *Client) run(ctx context.Context, invoke func(context.Context) (*moneysv1.WalletResponse, error)) Result {
	session := client.currentSession()
	if session == nil {
		return Result{Outcome: OutcomeUnauthenticated, Err: ErrNoSession}
	}
	response, err := callWithRetry(ctx, client, session, invoke)
	if err != nil {
		return Result{Outcome: classify(err), Err: err}
	}
	return Result{Outcome: OutcomeSucceeded, Wallet: snapshotFromWire(response.GetMoneys())}
}

// callWithRetry invokes a unary RPC with the session bearer token, retrying
// transient failures with exponential backoff. Every attempt gets its own
// timeout.
func callWithRetry[Response any](ctx context.Context, client *Client, session *Session, invoke func(context.Context) (*Response, error)) (*Response, error) {
	var response *Response
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(withBearer(ctx, session.Token), client.cfg.CallTimeout)
		defer cancel()
		result, err := invoke(callCtx)
		if err == nil {
			response = result
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		client.cfg.Logger.Debug("retrying moneys call",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(client.newBackOff(), uint64(client.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = client.cfg.InitialBackoff
	policy.MaxInterval = client.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// watch keeps a WatchWallet stream open for generation, reconnecting with
// backoff until ctx is cancelled or the server rejects the session.
func (client *Client) watch(ctx context.Context, generation uint64, session Session, done chan struct{}) {
	defer close(done)
	policy := client.newBackOff()
	for {
		err := client.consume(ctx, generation, session, policy)
		if ctx.Err() != nil {
			return
		}
		if status.Code(err) == codes.Unauthenticated {
			client.cfg.Logger.Warn("wallet watch rejected", zap.String("user_id", session.UserID), zap.Error(err))
			return
		}
		wait := policy.NextBackOff()
		client.cfg.Logger.Debug("wallet watch reconnecting", zap.String("user_id", session.UserID), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (client *Client) consume(ctx context.Context, generation uint64, session Session, policy backoff.BackOff) error {
	stream, err := client.remote.WatchWallet(withBearer(ctx, session.Token), &moneysv1.WatchWalletRequest{})
	if err != nil {
		return err
	}
	for {
		response, err := stream.Recv()
		if err != nil {
			return err
		}
		policy.Reset()
		client.publish(generation, View{Known: true, Wallet: snapshotFromWire(response.GetMoneys())})
	}
}

func withBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationMetadataKey, "Bearer "+token)
}

func snapshotFromWire(wallet *moneysv1.Wallet) moneys.WalletSnapshot {
	if wallet == nil {
		return moneys.WalletSnapshot{}
	}
	return moneys.WalletSnapshot{
		UserID:                   wallet.UserId,
		Balance:                  wallet.Balance,
		PaidBalance:              wallet.PaidBalance,
		DailyFreeTarget:          wallet.DailyFreeTarget,
		LastGrantBoundaryUnixUTC: wallet.LastGrantBoundaryUnixUtc,
		VIPTier:                  wallet.VipTier,
		Version:                  wallet.Version,
	}
}
