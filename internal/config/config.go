package config

import (
	"fmt"
	"os"      // For environment variables
	"strconv" // For string to int conversion
	"strings"
	"time"

	"github.com/joho/godotenv" // For loading .env files
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"coin_ledger/internal/compliance"
	"coin_ledger/internal/utils"
)

// Store drivers accepted by STORE_DRIVER
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
)

// Config holds the application configuration
type Config struct {
	AppPort     string // Application port
	StoreDriver string // memory or mysql
	DBUser      string // Database user
	DBPassword  string // Database password
	DBHost      string // Database host
	DBPort      string // Database port
	DBName      string // Database name
	JWTSecret   string // JWT secret key
	RedisAddr   string // Redis server address, empty disables caching
	RedisPass   string // Redis password
	RedisDB     int    // Redis database number
	IsProd      bool   // Is production environment
	LogLevel    logrus.Level
	Admins      []string // Usernames registered with the admin role

	CoinType          string
	MaxSupply         decimal.Decimal
	DailyMintLimit    decimal.Decimal // Zero disables the limit
	USDRate           decimal.Decimal
	RequiredApprovals int
	MintProposers     []uint
	MintApprovers     []uint

	SanctionedJurisdictions []string
	BlockedCorridors        []compliance.Corridor
	RequireKYC              bool
	IdentityCacheTTL        time.Duration

	SettlementSecret string // Shared HMAC key for payouts and the webhook
	PayoutURL        string // Empty leaves withdrawals pending for the webhook
	PayoutWorkers    int
	PayoutAttempts   int
	PayoutTimeout    time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Load .env file if present
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from a variable lookup, applying defaults
// for unset values.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		AppPort:     p.str("APP_PORT", "8080"),
		StoreDriver: p.str("STORE_DRIVER", DriverMySQL),
		DBUser:      getenv("DB_USER"),
		DBPassword:  getenv("DB_PASSWORD"),
		DBHost:      p.str("DB_HOST", "127.0.0.1"),
		DBPort:      p.str("DB_PORT", "3306"),
		DBName:      getenv("DB_NAME"),
		JWTSecret:   getenv("JWT_SECRET"),
		RedisAddr:   getenv("REDIS_ADDR"),
		RedisPass:   getenv("REDIS_PASS"),
		RedisDB:     p.int("REDIS_DB", 0),
		IsProd:      getenv("IS_PROD") == "true",
		LogLevel:    p.level("LOG_LEVEL", logrus.InfoLevel),
		Admins:      utils.SplitList(strings.ToLower(getenv("ADMIN_USERNAMES"))),

		CoinType:          p.str("COIN_TYPE", "AZR"),
		MaxSupply:         p.decimal("MAX_SUPPLY", decimal.NewFromInt(1_000_000)),
		DailyMintLimit:    p.decimal("DAILY_MINT_LIMIT", decimal.Zero),
		USDRate:           p.decimal("USD_RATE", decimal.NewFromInt(1)),
		RequiredApprovals: p.int("REQUIRED_APPROVALS", 2),
		MintProposers:     p.ids("MINT_PROPOSERS"),
		MintApprovers:     p.ids("MINT_APPROVERS"),

		SanctionedJurisdictions: utils.SplitList(getenv("SANCTIONED_JURISDICTIONS")),
		BlockedCorridors:        p.corridors("BLOCKED_CORRIDORS"),
		RequireKYC:              getenv("REQUIRE_KYC") == "true",
		IdentityCacheTTL:        p.duration("IDENTITY_CACHE_TTL", 5*time.Minute),

		SettlementSecret: getenv("SETTLEMENT_SECRET"),
		PayoutURL:        getenv("PAYOUT_URL"),
		PayoutWorkers:    p.int("PAYOUT_WORKERS", 4),
		PayoutAttempts:   p.int("PAYOUT_ATTEMPTS", 3),
		PayoutTimeout:    p.duration("PAYOUT_TIMEOUT", 30*time.Second),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverMySQL:
	default:
		return fmt.Errorf("config: STORE_DRIVER must be %q or %q, got %q", DriverMemory, DriverMySQL, c.StoreDriver)
	}
	if c.JWTSecret == "" && c.IsProd {
		return fmt.Errorf("config: JWT_SECRET is required in production")
	}
	if !c.MaxSupply.IsPositive() {
		return fmt.Errorf("config: MAX_SUPPLY must be positive")
	}
	if c.DailyMintLimit.IsNegative() {
		return fmt.Errorf("config: DAILY_MINT_LIMIT must not be negative")
	}
	if !c.USDRate.IsPositive() {
		return fmt.Errorf("config: USD_RATE must be positive")
	}
	if c.RequiredApprovals < 1 {
		return fmt.Errorf("config: REQUIRED_APPROVALS must be at least 1")
	}
	return nil
}

// DSN returns the MySQL connection string for the DB_* settings
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// parser keeps the first error so FromEnv can read every variable in one pass.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) level(key string, def logrus.Level) logrus.Level {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	lvl, err := logrus.ParseLevel(v)
	if err != nil {
		p.fail(key, err)
	}
	return lvl
}

func (p *parser) ids(key string) []uint {
	ids, err := utils.ParseUintList(p.getenv(key))
	if err != nil {
		p.fail(key, err)
	}
	return ids
}

func (p *parser) corridors(key string) []compliance.Corridor {
	c, err := compliance.ParseCorridors(p.getenv(key))
	if err != nil {
		p.fail(key, err)
	}
	return c
}
