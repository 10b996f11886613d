// Package sqlcaller runs the pgq introspection queries over database/sql.
package sqlcaller

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultQueueInfoQuery lists every queue.
	DefaultQueueInfoQuery = `SELECT * FROM pgq.get_queue_info()`
	// DefaultConsumerInfoQuery lists the consumers of the queue bound to $1.
	DefaultConsumerInfoQuery = `SELECT * FROM pgq.get_consumer_info($1)`

	defaultQueryTimeout = 10 * time.Second
)

// Config tunes a Caller. Zero values select the defaults.
type Config struct {
	QueueInfoQuery    string
	ConsumerInfoQuery string
	QueryTimeout      time.Duration
	Logger            *zap.Logger
}

// Caller implements model.SQLCaller on a *sql.DB.
type Caller struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex // guards pinned and serializes unscoped queries
	pinned *sql.Conn
}

var _ model.SQLCaller = (*Caller)(nil)

type connKey struct{}

// Open opens and pings a database with the named driver ("pgx" or
// "duckdb").
func Open(ctx context.Context, driver, dsn string, cfg Config) (*Caller, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	c := New(db, cfg)
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s database", driver)
	}
	return c, nil
}

// New wraps an already opened database.
func New(db *sql.DB, cfg Config) *Caller {
	if cfg.QueueInfoQuery == "" {
		cfg.QueueInfoQuery = DefaultQueueInfoQuery
	}
	if cfg.ConsumerInfoQuery == "" {
		cfg.ConsumerInfoQuery = DefaultConsumerInfoQuery
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Caller{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "sqlcaller")),
	}
}

// DB returns the underlying database.
func (c *Caller) DB() *sql.DB {
	return c.db
}

// Close releases the pinned connection and closes the database.
func (c *Caller) Close() error {
	c.ReleaseConnection()
	return c.db.Close()
}

// QueueInfo returns one row per queue.
func (c *Caller) QueueInfo(ctx context.Context) ([]model.Row, error) {
	rows, err := c.query(ctx, c.cfg.QueueInfoQuery)
	return rows, errors.WithMessage(err, "queue info")
}

// ConsumerInfo returns one row per consumer of queue.
func (c *Caller) ConsumerInfo(ctx context.Context, queue string) ([]model.Row, error) {
	rows, err := c.query(ctx, c.cfg.ConsumerInfoQuery, queue)
	return rows, errors.WithMessagef(err, "consumer info %s", queue)
}

// WithConnection checks out one connection for every query made through
// the ctx handed to fn and returns it to the pool afterwards.
func (c *Caller) WithConnection(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(connKey{}).(*sql.Conn); ok {
		return fn(ctx)
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()
	return fn(context.WithValue(ctx, connKey{}, conn))
}

// ReleaseConnection closes the connection pinned by queries made outside
// WithConnection.
func (c *Caller) ReleaseConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		return
	}
	if err := c.pinned.Close(); err != nil {
		c.logger.Warn("release connection", zap.Error(err))
	}
	c.pinned = nil
}

func (c *Caller) query(ctx context.Context, query string, args ...any) ([]model.Row, error) {
	if conn, ok := ctx.Value(connKey{}).(*sql.Conn); ok {
		return c.queryOn(ctx, conn, query, args...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		conn, err := c.db.Conn(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "acquire connection")
		}
		c.pinned = conn
	}
	return c.queryOn(ctx, c.pinned, query, args...)
}

func (c *Caller) queryOn(ctx context.Context, conn *sql.Conn, query string, args ...any) ([]model.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []model.Row
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WithStack(err)
		}
		row := make(model.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i])
		}
		out = append(out, row)
	}
	return out, errors.WithStack(rows.Err())
}

// normalize turns driver specific values into types model.ToFloat reads.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case duckdb.Interval:
		return time.Duration(x.Micros)*time.Microsecond +
			time.Duration(x.Days)*24*time.Hour +
			time.Duration(x.Months)*30*24*time.Hour
	case duckdb.Decimal:
		return x.Float64()
	}
	return v
}
