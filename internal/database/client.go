// Package database provides the SQL plumbing around the aggregation core:
// retry-until-ready connections, the PostgreSQL window reader and the MySQL
// summary writer.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	// SQL drivers for the source and target stores
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Driver names registered by the imported drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// ConnectOptions controls how long Connect keeps trying.
type ConnectOptions struct {
	// Name identifies the store in logs and errors.
	Name string
	// Timeout bounds the whole retry sequence. Zero means retry until ctx is done.
	Timeout time.Duration
	// PingTimeout bounds a single attempt.
	PingTimeout time.Duration
	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.Name == "" {
		o.Name = "database"
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = 5 * time.Second
	}
	if o.InitialInterval == 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.MaxInterval == 0 {
		o.MaxInterval = 5 * time.Second
	}
	return o
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// Connect opens a pooled connection and blocks until the store answers a ping,
// retrying with exponential backoff. It fails with a *ConnectivityError once
// opts.Timeout elapses or ctx is cancelled.
func Connect(ctx context.Context, driver, dsn string, opts ConnectOptions) (*sql.DB, error) {
	opts = opts.withDefaults()

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", opts.Name, err)
	}

	// Configure connection pool; a run issues one query and one transaction
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := waitReady(ctx, db, opts); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("store", opts.Name).Msg("Failed to close unreachable database handle")
		}
		return nil, err
	}

	return db, nil
}

func waitReady(ctx context.Context, p pinger, opts ConnectOptions) error {
	opts = opts.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval

	attempts := 0
	ping := func() (struct{}, error) {
		attempts++
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
		return struct{}{}, p.PingContext(pingCtx)
	}

	_, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(b),
		// zero disables the limit
		backoff.WithMaxElapsedTime(opts.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().
				Err(err).
				Str("store", opts.Name).
				Int("attempt", attempts).
				Dur("retry_in", next).
				Msg("Database not ready, retrying")
		}),
	)
	if err != nil {
		return &ConnectivityError{Store: opts.Name, Attempts: attempts, Err: err}
	}

	log.Info().Str("store", opts.Name).Int("attempts", attempts).Msg("Database connection established")
	return nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// validateIdentifier guards table names that are interpolated into SQL.
func validateIdentifier(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}
