package postgresql

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	defaultConnectAttempts = 1
	pingTimeout            = 5 * time.Second
)

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL takes precedence over the discrete fields when set
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ConnectAttempts bounds the pings made before NewClient gives up.
	// Zero means a single attempt.
	ConnectAttempts      int
	ConnectRetryInterval time.Duration
}

// DSN returns the connection string handed to lib/pq
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// target describes the server for logs without leaking credentials
func (c *Config) target() slog.Attr {
	if c.URL != "" {
		return slog.String("target", "url")
	}
	return slog.String("target", fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database))
}

// Client owns the job database connection pool
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient opens the pool and pings the server, retrying while the
// database is still coming up.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	db, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := ping(db, config, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL",
		config.target(),
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
	)

	return &Client{db: db, config: config, logger: logger}, nil
}

func ping(db *sqlx.DB, config *Config, logger *slog.Logger) error {
	attempts := config.ConnectAttempts
	if attempts < defaultConnectAttempts {
		attempts = defaultConnectAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			return nil
		}

		logger.Warn("PostgreSQL not reachable",
			config.target(),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(config.ConnectRetryInterval)
		}
	}
	return fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", attempts, err)
}

// GetDB returns the underlying pool
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Close logs the final pool statistics and closes the pool
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}

	c.logger.Info("Closing PostgreSQL pool", c.StatsAttr())
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close PostgreSQL pool: %w", err)
	}
	return nil
}

// HealthCheck runs a trivial query against the pool
func (c *Client) HealthCheck(ctx context.Context) error {
	var one int
	if err := c.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// StatsAttr groups the pool statistics under a "pool" log key
func (c *Client) StatsAttr() slog.Attr {
	stats := c.db.Stats()
	return slog.Group("pool",
		slog.Int("max_open", stats.MaxOpenConnections),
		slog.Int("open", stats.OpenConnections),
		slog.Int("in_use", stats.InUse),
		slog.Int("idle", stats.Idle),
		slog.Int64("wait_count", stats.WaitCount),
		slog.Duration("wait_duration", stats.WaitDuration),
	)
}
