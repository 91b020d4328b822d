package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/MarkoPoloResearchLab/moneys/internal/auth"
	"github.com/MarkoPoloResearchLab/moneys/internal/gateway"
	"github.com/MarkoPoloResearchLab/moneys/internal/server"
	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL         = "database-url"
	flagStoreBackend        = "store-backend"
	flagListenAddr          = "listen-addr"
	flagRedisURL            = "redis-url"
	flagAuthSigningKey      = "auth-signing-key"
	flagAuthIssuer          = "auth-issuer"
	flagGrantHour           = "grant-hour"
	flagGrantTimezone       = "grant-timezone"
	flagDailyFreeTarget     = "daily-free-target"
	flagCosts               = "costs"
	flagTransactionAttempts = "transaction-attempts"
	flagShutdownTimeout     = "shutdown-timeout"
	flagGatewayListenAddr   = "gateway-listen-addr"
	flagGatewayRPCTimeout   = "gateway-rpc-timeout"
	flagGatewayOrigins      = "gateway-allowed-origins"
	flagGatewayHistoryLimit = "gateway-history-limit"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagUserID              = "user"
	flagTokenTTL            = "ttl"
	flagEnvFile             = "env-file"
	envPrefix               = "MONEYS"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "moneysd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := server.DefaultConfig()
	cmd := &cobra.Command{
		Use:           "moneysd",
		Short:         "Moneys economy gRPC server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return server.Run(ctx, cfg, logger)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, ".env", "optional dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, cfg.DatabaseURL, "database url (sqlite:// path or postgres://)")
	flags.String(flagStoreBackend, string(cfg.StoreBackend), "store backend: gorm or pgx")
	flags.String(flagListenAddr, cfg.GRPCListenAddr, "gRPC listen address")
	flags.String(flagRedisURL, "", "redis url for the cross-process wallet feed; in-memory when empty")
	flags.String(flagAuthSigningKey, "", "HS256 key for bearer tokens (required)")
	flags.String(flagAuthIssuer, cfg.AuthIssuer, "bearer token issuer")
	flags.Int(flagGrantHour, cfg.GrantHour, "local hour of the daily grant boundary")
	flags.String(flagGrantTimezone, cfg.GrantTimezone, "IANA zone of the daily grant boundary")
	flags.Int64(flagDailyFreeTarget, cfg.DailyFreeTarget, "balance restored by the daily grant")
	flags.String(flagCosts, "", "spend prices as kind=cost,kind=cost; built-in table when empty")
	flags.Int(flagTransactionAttempts, cfg.TransactionAttempts, "attempts per operation on transaction conflicts")
	flags.Duration(flagShutdownTimeout, cfg.ShutdownTimeout, "graceful shutdown limit")
	flags.String(flagGatewayListenAddr, "", "HTTP gateway listen address; gateway disabled when empty")
	flags.Duration(flagGatewayRPCTimeout, 0, "gateway backend RPC timeout")
	flags.String(flagGatewayOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Int32(flagGatewayHistoryLimit, 0, "default entry page size served by the gateway")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key (required with the gateway)")
	flags.String(flagSessionIssuer, "", "expected TAuth session issuer")
	flags.String(flagSessionCookieName, "", "TAuth session cookie name")

	cmd.AddCommand(newMintTokenCommand(&cfg))
	return cmd
}

// newMintTokenCommand prints a bearer token for a user, for operators and
// local clients.
func newMintTokenCommand(cfg *server.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mint-token",
		Short:         "Print a bearer token for a user",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUserID, _ := cmd.Flags().GetString(flagUserID)
			ttl, _ := cmd.Flags().GetDuration(flagTokenTTL)
			userID, err := moneys.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			authenticator, err := auth.NewAuthenticator(cfg.AuthSigningKey, cfg.AuthIssuer)
			if err != nil {
				return err
			}
			token, err := authenticator.Mint(userID, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagUserID, "", "user id placed in the token subject (required)")
	cmd.Flags().Duration(flagTokenTTL, 24*time.Hour, "token lifetime")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *server.Config) error {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = server.StoreBackend(strings.TrimSpace(v.GetString(flagStoreBackend)))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.AuthSigningKey = v.GetString(flagAuthSigningKey)
	cfg.AuthIssuer = strings.TrimSpace(v.GetString(flagAuthIssuer))
	cfg.GrantHour = v.GetInt(flagGrantHour)
	cfg.GrantTimezone = strings.TrimSpace(v.GetString(flagGrantTimezone))
	cfg.DailyFreeTarget = v.GetInt64(flagDailyFreeTarget)
	cfg.Costs = v.GetString(flagCosts)
	cfg.TransactionAttempts = v.GetInt(flagTransactionAttempts)
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	cfg.Gateway = gateway.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagGatewayListenAddr)),
		RPCTimeout:        v.GetDuration(flagGatewayRPCTimeout),
		HistoryLimit:      v.GetInt32(flagGatewayHistoryLimit),
		AllowedOrigins:    gateway.ParseAllowedOrigins(v.GetString(flagGatewayOrigins)),
		SessionSigningKey: v.GetString(flagSessionSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagSessionIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagSessionCookieName)),
	}

	return cfg.Validate()
}
