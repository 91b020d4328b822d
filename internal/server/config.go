package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/moneys/internal/gateway"
	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
)

// StoreBackend selects the persistence implementation.
type StoreBackend string

const (
	// StoreBackendGorm persists through gorm over sqlite or postgres.
	StoreBackendGorm StoreBackend = "gorm"
	// StoreBackendPGX persists through a raw pgx pool. Postgres only.
	StoreBackendPGX StoreBackend = "pgx"

	defaultDatabaseURL         = "sqlite:///tmp/moneys.db"
	defaultGRPCListenAddr      = ":7000"
	defaultAuthIssuer          = "moneys"
	defaultGrantTimezone       = "America/Los_Angeles"
	defaultGrantHour           = 17
	defaultDailyFreeTarget     = 100
	defaultTransactionAttempts = 3
	defaultShutdownTimeout     = 10 * time.Second
)

// Config aggregates runtime settings for moneysd.
type Config struct {
	DatabaseURL         string
	StoreBackend        StoreBackend
	GRPCListenAddr      string
	RedisURL            string
	AuthSigningKey      string
	AuthIssuer          string
	GrantHour           int
	GrantTimezone       string
	DailyFreeTarget     int64
	Costs               string
	TransactionAttempts int
	ShutdownTimeout     time.Duration
	// Gateway is served only when Gateway.ListenAddr is set.
	Gateway gateway.Config

	policy    moneys.GrantPolicy
	costTable moneys.CostTable
}

// Validate fills defaults, resolves the grant policy and cost table, and
// rejects invalid values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.AuthIssuer = defaultIfEmpty(cfg.AuthIssuer, defaultAuthIssuer)
	cfg.GrantTimezone = defaultIfEmpty(cfg.GrantTimezone, defaultGrantTimezone)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreBackendGorm
	}
	if cfg.DailyFreeTarget == 0 {
		cfg.DailyFreeTarget = defaultDailyFreeTarget
	}
	if cfg.TransactionAttempts == 0 {
		cfg.TransactionAttempts = defaultTransactionAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.StoreBackend != StoreBackendGorm && cfg.StoreBackend != StoreBackendPGX {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == StoreBackendPGX && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store backend %q requires a postgres database url", cfg.StoreBackend)
	}
	if strings.TrimSpace(cfg.AuthSigningKey) == "" {
		return fmt.Errorf("auth signing key is required")
	}
	if cfg.DailyFreeTarget < 0 {
		return fmt.Errorf("daily free target must be positive")
	}
	if cfg.TransactionAttempts < 0 {
		return fmt.Errorf("transaction attempts must be positive")
	}
	location, err := time.LoadLocation(cfg.GrantTimezone)
	if err != nil {
		return fmt.Errorf("grant timezone: %w", err)
	}
	policy, err := moneys.NewGrantPolicy(cfg.GrantHour, location)
	if err != nil {
		return err
	}
	cfg.policy = policy
	cfg.costTable = moneys.DefaultCostTable()
	if strings.TrimSpace(cfg.Costs) != "" {
		parsed, err := ParseCosts(cfg.Costs)
		if err != nil {
			return err
		}
		costTable, err := moneys.NewCostTable(parsed)
		if err != nil {
			return err
		}
		cfg.costTable = costTable
	}
	if cfg.Gateway.ListenAddr != "" {
		if err := cfg.Gateway.Validate(); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}
	return nil
}

// DefaultConfig returns a Config with the documented defaults applied to
// every field except secrets.
func DefaultConfig() Config {
	return Config{
		DatabaseURL:         defaultDatabaseURL,
		StoreBackend:        StoreBackendGorm,
		GRPCListenAddr:      defaultGRPCListenAddr,
		AuthIssuer:          defaultAuthIssuer,
		GrantHour:           defaultGrantHour,
		GrantTimezone:       defaultGrantTimezone,
		DailyFreeTarget:     defaultDailyFreeTarget,
		TransactionAttempts: defaultTransactionAttempts,
		ShutdownTimeout:     defaultShutdownTimeout,
	}
}

// ParseCosts parses "kind=cost,kind=cost" into a price map.
func ParseCosts(raw string) (map[string]int64, error) {
	costs := make(map[string]int64)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		kind, value, found := strings.Cut(trimmed, "=")
		if !found {
			return nil, fmt.Errorf("cost %q: expected kind=amount", trimmed)
		}
		cost, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cost %q: %w", trimmed, err)
		}
		costs[strings.TrimSpace(kind)] = cost
	}
	if len(costs) == 0 {
		return nil, fmt.Errorf("costs: no kinds configured")
	}
	return costs, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
