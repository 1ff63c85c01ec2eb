package models

import "time"

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig
	Reconcile ReconcileConfig
	Rail      RailConfig
	Holds     HoldsConfig
	Journal   JournalConfig
	Lock      LockConfig
	Server    ServerConfig
	LogLevel  string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	BusyTimeout     time.Duration
}

// ReconcileConfig holds round-up reconciliation settings
type ReconcileConfig struct {
	WorkerPoolSize      int
	RailConcurrency     int
	MaxRetries          int
	InitialBackoff      time.Duration
	HoldTimeout         time.Duration
	RailTimeout         time.Duration
	Window              time.Duration
	OrphanWindow        time.Duration
	ReservationRetries  int
	DefaultMonthlyFee   string
	TransferDescription string
}

// RailConfig holds payment rail (ACH transfer API) settings
type RailConfig struct {
	BaseURL     string
	ClientId    string
	Secret      string
	Network     string
	AchClass    string
	HTTPTimeout time.Duration
}

// HoldsConfig holds authorization hold service settings
type HoldsConfig struct {
	StripeKey string
}

// JournalConfig selects and configures the optional allocation journal
type JournalConfig struct {
	Backend      string // "none" or "formance"
	StackURL     string
	ClientId     string
	ClientSecret string
	LedgerName   string
}

// LockConfig holds per-user lock settings
type LockConfig struct {
	RedisAddr  string
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port               int
	StatusPollInterval time.Duration
	StatusStaleAfter   time.Duration
}
