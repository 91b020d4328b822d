package server

import (
	"context"
	"net"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	moneysv1 "github.com/MarkoPoloResearchLab/moneys/api/moneys/v1"
	"github.com/MarkoPoloResearchLab/moneys/internal/auth"
	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

const testSigningKey = "server-test-signing-key"

func TestConfigValidateDefaults(test *testing.T) {
	cfg := Config{AuthSigningKey: testSigningKey, GrantHour: 17}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabaseURL || cfg.GRPCListenAddr != defaultGRPCListenAddr {
		test.Fatalf("unexpected endpoints %q %q", cfg.DatabaseURL, cfg.GRPCListenAddr)
	}
	if cfg.StoreBackend != StoreBackendGorm {
		test.Fatalf("expected gorm backend, got %q", cfg.StoreBackend)
	}
	if cfg.policy.Hour() != 17 || cfg.policy.Location().String() != defaultGrantTimezone {
		test.Fatalf("unexpected policy %d %s", cfg.policy.Hour(), cfg.policy.Location())
	}
	cost, err := cfg.costTable.Cost(mustSpendKind(test, "start_chat"))
	if err != nil || cost.Int64() != 10 {
		test.Fatalf("expected default start_chat cost 10, got %v %v", cost, err)
	}
}

func TestConfigValidateRejectsInvalidValues(test *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(cfg *Config)
		message string
	}{
		{name: "missing key", mutate: func(cfg *Config) { cfg.AuthSigningKey = " " }, message: "signing key"},
		{name: "unknown backend", mutate: func(cfg *Config) { cfg.StoreBackend = "bolt" }, message: "unsupported store backend"},
		{name: "pgx over sqlite", mutate: func(cfg *Config) { cfg.StoreBackend = StoreBackendPGX }, message: "requires a postgres"},
		{name: "bad timezone", mutate: func(cfg *Config) { cfg.GrantTimezone = "Mars/Olympus" }, message: "grant timezone"},
		{name: "bad hour", mutate: func(cfg *Config) { cfg.GrantHour = 24 }, message: "hour"},
		{name: "negative target", mutate: func(cfg *Config) { cfg.DailyFreeTarget = -5 }, message: "daily free target"},
		{name: "bad costs", mutate: func(cfg *Config) { cfg.Costs = "start_chat" }, message: "expected kind=amount"},
		{name: "reserved cost kind", mutate: func(cfg *Config) { cfg.Costs = "purchase=3" }, message: "reserved"},
		{name: "gateway without key", mutate: func(cfg *Config) { cfg.Gateway.ListenAddr = ":9090" }, message: "gateway"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			cfg := DefaultConfig()
			cfg.AuthSigningKey = testSigningKey
			testCase.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				test.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.message) {
				test.Fatalf("expected %q in %v", testCase.message, err)
			}
		})
	}
}

func TestParseCosts(test *testing.T) {
	costs, err := ParseCosts(" start_chat=12, tip_jar = 1 ,")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	expected := map[string]int64{"start_chat": 12, "tip_jar": 1}
	if !reflect.DeepEqual(costs, expected) {
		test.Fatalf("expected %v, got %v", expected, costs)
	}
	for _, raw := range []string{"", " , ", "start_chat=ten", "=3x"} {
		if _, err := ParseCosts(raw); err == nil {
			test.Fatalf("expected error for %q", raw)
		}
	}
}

func TestServeHandlesCallsUntilCancelled(test *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthSigningKey = testSigningKey
	cfg.DatabaseURL = "sqlite://" + filepath.Join(test.TempDir(), "moneys.db")
	cfg.Costs = "start_chat=7"
	cfg.ShutdownTimeout = time.Second
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		test.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, cfg, zap.NewNop(), listener) }()

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := moneysv1.NewMoneysServiceClient(conn)

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	defer healthCancel()
	healthResponse, err := healthpb.NewHealthClient(conn).Check(healthCtx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true))
	if err != nil {
		test.Fatalf("health check without a token: %v", err)
	}
	if healthResponse.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("expected SERVING, got %v", healthResponse.GetStatus())
	}

	authenticator, err := auth.NewAuthenticator(cfg.AuthSigningKey, cfg.AuthIssuer)
	if err != nil {
		test.Fatalf("authenticator: %v", err)
	}
	token, err := authenticator.Mint(mustUserID(test, "alice"), time.Minute, time.Now())
	if err != nil {
		test.Fatalf("mint: %v", err)
	}
	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	callCtx = metadata.AppendToOutgoingContext(callCtx, auth.MetadataKey, "Bearer "+token)

	ensured, err := client.EnsureWallet(callCtx, &moneysv1.EnsureWalletRequest{}, grpc.WaitForReady(true))
	if err != nil {
		test.Fatalf("ensure wallet: %v", err)
	}
	if ensured.GetMoneys().Balance != 100 {
		test.Fatalf("expected seeded balance 100, got %d", ensured.GetMoneys().Balance)
	}
	spent, err := client.Spend(callCtx, &moneysv1.SpendRequest{Kind: "start_chat"})
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if spent.GetMoneys().Balance != 93 {
		test.Fatalf("expected configured cost to apply, got balance %d", spent.GetMoneys().Balance)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			test.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("serve did not stop after cancellation")
	}
}

func mustUserID(test *testing.T, raw string) moneys.UserID {
	test.Helper()
	userID, err := moneys.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustSpendKind(test *testing.T, raw string) moneys.SpendKind {
	test.Helper()
	kind, err := moneys.NewSpendKind(raw)
	if err != nil {
		test.Fatalf("spend kind: %v", err)
	}
	return kind
}
