package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Option tunes a repository constructor. Settings that belong to the other
// backend are carried but never read.
type Option func(*settings)

type settings struct {
	persistHook func() error
	postgres    PostgresConfig
}

// PostgresConfig holds the pool settings layered over the DSN.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

const defaultAcquireTimeout = 5 * time.Second

func collectSettings(dsn string, opts []Option) settings {
	s := settings{postgres: PostgresConfig{
		DSN:             strings.TrimSpace(dsn),
		AcquireTimeout:  defaultAcquireTimeout,
		ApplicationName: "multicam-live",
	}}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// poolConfig parses the DSN and overlays the non-zero settings.
func (c PostgresConfig) poolConfig() (*pgxpool.Config, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if c.MaxConnections > 0 {
		pc.MaxConns = c.MaxConnections
	}
	if c.MinConnections > 0 {
		pc.MinConns = c.MinConnections
	}
	if c.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = c.MaxConnIdleTime
	}
	pc.ConnConfig.ConnectTimeout = c.AcquireTimeout
	if c.ApplicationName != "" {
		if pc.ConnConfig.RuntimeParams == nil {
			pc.ConnConfig.RuntimeParams = map[string]string{}
		}
		pc.ConnConfig.RuntimeParams["application_name"] = c.ApplicationName
	}
	return pc, nil
}

// WithPersistHook runs before each JSON write; an error aborts the write.
func WithPersistHook(hook func() error) Option {
	return func(s *settings) { s.persistHook = hook }
}

func WithPostgresPoolLimits(maxConns, minConns int32, idle time.Duration) Option {
	return func(s *settings) {
		if maxConns > 0 {
			s.postgres.MaxConnections = maxConns
		}
		if minConns >= 0 {
			s.postgres.MinConnections = minConns
		}
		if idle > 0 {
			s.postgres.MaxConnIdleTime = idle
		}
	}
}

// WithPostgresAcquireTimeout bounds both dialing and pings.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.postgres.AcquireTimeout = timeout
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(s *settings) { s.postgres.ApplicationName = strings.TrimSpace(name) }
}
