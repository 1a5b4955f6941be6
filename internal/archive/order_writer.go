package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

// DBExecutor is the subset of pgxpool.Pool the writer needs.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Connect opens a pgx pool against url.
func Connect(ctx context.Context, url string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	if pc.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pc.HealthCheckPeriod
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS orders;
	CREATE TABLE IF NOT EXISTS orders.t_order (
		s_id_order     TEXT PRIMARY KEY,
		s_type         TEXT NOT NULL,
		s_token_in     TEXT NOT NULL,
		s_token_out    TEXT NOT NULL,
		dec_amount     NUMERIC NOT NULL,
		s_side         TEXT NOT NULL,
		s_status       TEXT NOT NULL,
		n_version      BIGINT NOT NULL,
		dec_price      NUMERIC,
		dec_amount_out NUMERIC,
		s_venue        TEXT,
		s_tx_hash      TEXT,
		s_error        TEXT,
		dt_created     TIMESTAMPTZ NOT NULL,
		dt_updated     TIMESTAMPTZ NOT NULL
	);
`

const upsertQuery = `
	INSERT INTO orders.t_order (
		s_id_order,
		s_type,
		s_token_in,
		s_token_out,
		dec_amount,
		s_side,
		s_status,
		n_version,
		dec_price,
		dec_amount_out,
		s_venue,
		s_tx_hash,
		s_error,
		dt_created,
		dt_updated
	)
	VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13, $14, $15
	)
	ON CONFLICT (s_id_order)
	DO UPDATE SET
		s_status = EXCLUDED.s_status,
		n_version = EXCLUDED.n_version,
		dec_price = EXCLUDED.dec_price,
		dec_amount_out = EXCLUDED.dec_amount_out,
		s_venue = EXCLUDED.s_venue,
		s_tx_hash = EXCLUDED.s_tx_hash,
		s_error = EXCLUDED.s_error,
		dt_updated = EXCLUDED.dt_updated
	WHERE orders.t_order.n_version < EXCLUDED.n_version;
`

// OrderWriter mirrors order records into Postgres for reporting.
// Redis stays authoritative; a failed write is logged and returned but
// never rolls back a status change.
type OrderWriter struct {
	db     DBExecutor
	logger *zap.Logger
}

// NewOrderWriter constructs a writer over db.
func NewOrderWriter(db DBExecutor, logger *zap.Logger) *OrderWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderWriter{db: db, logger: logger}
}

// EnsureSchema creates the archive table if it does not exist.
func (w *OrderWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// Upsert inserts or updates the archived copy of o. Older versions never
// overwrite newer ones.
func (w *OrderWriter) Upsert(ctx context.Context, o *model.Order) error {
	if o == nil {
		return nil
	}

	var price, amountOut any
	var venue, txHash, errMsg string
	if r := o.Result; r != nil {
		if r.Price != nil {
			price = r.Price.String()
		}
		if r.AmountOut != nil {
			amountOut = r.AmountOut.String()
		}
		venue, txHash, errMsg = r.Venue, r.TxHash, r.Error
	}

	_, err := w.db.Exec(ctx, upsertQuery,
		o.ID,              // s_id_order
		string(o.Type),    // s_type
		o.TokenIn,         // s_token_in
		o.TokenOut,        // s_token_out
		o.Amount.String(), // dec_amount
		string(o.Side),    // s_side
		string(o.Status),  // s_status
		o.Version,         // n_version
		price,             // dec_price
		amountOut,         // dec_amount_out
		venue,             // s_venue
		txHash,            // s_tx_hash
		errMsg,            // s_error
		o.CreatedAt,       // dt_created
		o.UpdatedAt,       // dt_updated
	)
	if err != nil {
		w.logger.Error("archive.order_upsert_failed",
			zap.String("order_id", o.ID),
			zap.String("status", string(o.Status)),
			zap.Error(err),
		)
		return err
	}

	w.logger.Debug("archive.order_upsert",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.Int64("version", o.Version),
	)
	return nil
}

// HealthCheck pings the database.
func (w *OrderWriter) HealthCheck(ctx context.Context) error {
	if err := w.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
