// Package watermark samples a congestion value from monitored PostgreSQL targets.
//
// The value is the transaction-ID age of the single most-congested relation in
// the target database. It only falls after an external remediation action
// (VACUUM), which this package never issues; callers must always re-sample.
package watermark

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// relation age is computed from relfrozenxid; toast tables are folded into
// their parent via pg_total_relation_size, so the pg_toast namespace is skipped.
const sampleQuery = `SELECT c.oid::regclass::text, age(c.relfrozenxid), pg_size_pretty(pg_total_relation_size(c.oid))
FROM pg_class c
JOIN pg_namespace n ON c.relnamespace = n.oid
WHERE c.relkind IN ('r', 't', 'm') AND n.nspname NOT IN ('pg_toast')
ORDER BY 2 DESC
LIMIT 1`

// Sample is one observation of a target's congestion value.
type Sample struct {
	Target   string
	Relation string
	Value    int64
	Size     string
	At       time.Time
}

// Sampler produces fresh congestion samples for one datastore target.
type Sampler interface {
	// Sample queries the target for its current worst relation.
	Sample(ctx context.Context) (Sample, error)
	// Target identifies the sampled datastore (host/dbname).
	Target() string
	// Close releases the target's connection resources.
	Close()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresSampler reads the transaction-ID age watermark from one database.
type PostgresSampler struct {
	pool   querier
	target string
}

// NewPostgresSampler connects to the DSN and verifies the target is reachable.
// An unparseable DSN is a configuration error; an unreachable target is fatal.
func NewPostgresSampler(ctx context.Context, dsn string) (*PostgresSampler, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &ConfigError{DSN: Redact(dsn), Err: err}
	}
	scheme, _, found := strings.Cut(dsn, "://")
	if !found {
		return nil, &ConfigError{DSN: Redact(dsn), Err: fmt.Errorf("keyword/value DSNs are not supported, use a postgres:// or postgresql:// URL")}
	}
	if scheme != "postgres" && scheme != "postgresql" {
		return nil, &ConfigError{DSN: Redact(dsn), Err: fmt.Errorf("unsupported scheme %q", scheme)}
	}
	poolCfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect target: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping target %s: %w", targetID(poolCfg), err)
	}
	return &PostgresSampler{
		pool:   pool,
		target: targetID(poolCfg),
	}, nil
}

// NewPostgresSamplerWithPool constructs a sampler from an existing pool
// (primarily for testing).
func NewPostgresSamplerWithPool(pool querier, target string) (*PostgresSampler, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresSampler{pool: pool, target: target}, nil
}

// Sample fetches the current watermark for the worst relation.
func (s *PostgresSampler) Sample(ctx context.Context) (Sample, error) {
	var (
		relation string
		value    int64
		size     string
	)
	if err := s.pool.QueryRow(ctx, sampleQuery).Scan(&relation, &value, &size); err != nil {
		return Sample{}, fmt.Errorf("sample watermark for %s: %w", s.target, err)
	}
	return Sample{
		Target:   s.target,
		Relation: relation,
		Value:    value,
		Size:     size,
		At:       time.Now().UTC(),
	}, nil
}

// Target identifies the sampled datastore.
func (s *PostgresSampler) Target() string {
	return s.target
}

// Close releases the underlying pool resources.
func (s *PostgresSampler) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ConfigError marks a DSN that cannot be used to monitor a target. It is
// non-fatal: the governor skips the target and runs with degraded coverage.
type ConfigError struct {
	DSN string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("target config %s: %v", e.DSN, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func targetID(cfg *pgxpool.Config) string {
	return fmt.Sprintf("%s/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Database)
}

// Redact strips credentials from a DSN for logging.
func Redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "xxxxxxxx" + dsn[at:]
}
