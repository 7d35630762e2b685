package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

const healthCheckTimeout = 2 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a store is built without a connection source.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when a new connection cannot be established.
	// The failure is not retried; the next Acquire tries again.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrManagerClosed is returned by Acquire after Close.
	ErrManagerClosed = errors.New("connection manager is closed")
)

type (
	// Connection wraps the PostgreSQL handle. Statements run outside explicit
	// transactions, so each one commits on its own.
	Connection struct {
		DB *sql.DB

		pingTimeout time.Duration // zero means healthCheckTimeout
	}

	// Dialer opens and verifies a new Connection.
	Dialer func(ctx context.Context, cfg *Config) (*Connection, error)

	// Manager owns the single shared Connection of the process.
	//
	// The connection is opened lazily by the first Acquire and checked for liveness on
	// every Acquire after that. A dead connection is replaced under a mutex; goroutines
	// that were waiting on the mutex reuse the replacement instead of dialing again.
	Manager struct {
		cfg     *Config
		logger  *slog.Logger
		dial    Dialer
		current atomic.Pointer[Connection]
		mu      sync.Mutex // serializes reconnects and Close
		closed  bool
	}

	// ManagerOption configures optional Manager behavior.
	ManagerOption func(*Manager)
)

// NewConnection opens a PostgreSQL handle for cfg and pings it within cfg.ConnectTimeout.
func NewConnection(ctx context.Context, cfg *Config) (*Connection, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Connection{DB: db}, nil
}

// HealthCheck pings the database on a connection taken from the pool.
//
// Waiting for a pooled connection is bounded by ctx alone; only the ping itself is bounded
// by the health check timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	conn, err := c.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	timeout := c.pingTimeout
	if timeout <= 0 {
		timeout = healthCheckTimeout
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return conn.PingContext(pingCtx)
}

// Close closes the underlying handle.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// WithDialer replaces NewConnection as the way new connections are opened.
func WithDialer(dial Dialer) ManagerOption {
	return func(m *Manager) {
		m.dial = dial
	}
}

// NewManager creates a Manager. No connection is opened until the first Acquire.
func NewManager(cfg *Config, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "connection_manager")),
		dial:   NewConnection,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Config returns the configuration the manager dials with.
func (m *Manager) Config() *Config {
	return m.cfg
}

// Acquire returns a live connection, opening or replacing it as needed.
//
// A cancelled ctx is reported as such and never causes a reconnect.
func (m *Manager) Acquire(ctx context.Context) (*Connection, error) {
	conn := m.current.Load()
	if conn != nil {
		err := conn.HealthCheck(ctx)
		if err == nil {
			return conn, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		m.logger.Warn("Database connection is not alive", slog.String("error", err.Error()))
	}

	return m.reconnect(ctx, conn)
}

// reconnect replaces stale (nil when nothing was open yet) unless another goroutine
// already did so while this one waited for the lock.
func (m *Manager) reconnect(ctx context.Context, stale *Connection) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if current := m.current.Load(); current != nil && current != stale {
		return current, nil
	}

	if stale != nil {
		m.current.Store(nil)

		if err := stale.Close(); err != nil {
			m.logger.Debug("Closing stale connection failed", slog.String("error", err.Error()))
		}
	}

	start := time.Now()

	conn, err := m.dial(ctx, m.cfg)
	if err != nil {
		m.logger.Error("Failed to connect to database",
			slog.String("database_url", m.cfg.MaskDatabaseURL()),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	m.current.Store(conn)

	m.logger.Info("Database connected",
		slog.String("database_url", m.cfg.MaskDatabaseURL()),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("reconnect", stale != nil),
	)

	return conn, nil
}

// Invalidate drops conn if it is still the current connection, so the next Acquire
// dials a fresh one. Callers use it after a connection-class error.
func (m *Manager) Invalidate(conn *Connection) {
	if conn == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current.CompareAndSwap(conn, nil) {
		return
	}

	m.logger.Warn("Discarding broken database connection")

	if err := conn.Close(); err != nil {
		m.logger.Debug("Closing broken connection failed", slog.String("error", err.Error()))
	}
}

// HealthCheck reports whether a live connection can be acquired.
func (m *Manager) HealthCheck(ctx context.Context) error {
	_, err := m.Acquire(ctx)

	return err
}

// Close closes the current connection. Acquire fails afterwards.
// This method is safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	conn := m.current.Swap(nil)
	if conn == nil {
		return nil
	}

	return conn.Close()
}

// isConnectionError reports errors after which the connection should not be reused.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// context.DeadlineExceeded satisfies net.Error; a timed-out caller says nothing about the link.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08": // connection_exception
			return true
		case pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03": // server shutting down
			return true
		}

		return false
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
