// Package db owns the bounded set of PostgreSQL sessions shared by every
// request. Connections are opened lazily, handed out first-come first-served
// and recycled without a validation round trip.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

// DefaultMaxConns is used when NewPool is given a non-positive size.
const DefaultMaxConns = 16

const (
	defaultConnectTimeout = 10 * time.Second
	closeTimeout          = 5 * time.Second
)

// ErrPoolClosed is returned by Acquire once Close has been called.
var ErrPoolClosed = errors.New("connection pool closed")

// Conn is the part of *pgx.Conn the accessor relies on.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	IsClosed() bool
	Close(ctx context.Context) error
}

// ConnectFunc opens one new database session.
type ConnectFunc func(ctx context.Context) (Conn, error)

// Connector returns a ConnectFunc dialing the given postgres:// URL.
func Connector(databaseURL string) (ConnectFunc, error) {
	config, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}

	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, config.Copy())
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return conn, nil
	}, nil
}

// Option configures a Pool.
type Option func(*Pool)

// WithAcquireTimeout bounds how long Acquire waits for a free connection.
// Zero keeps the wait unbounded.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pool is a bounded, lazily populated set of database sessions. It is safe
// for concurrent use and is meant to live for the whole process.
type Pool struct {
	res            *puddle.Pool[Conn]
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// NewPool builds a pool of at most maxConns sessions. No session is opened
// here, so the service can start while the database is still unreachable.
func NewPool(connect ConnectFunc, maxConns int32, opts ...Option) (*Pool, error) {
	if connect == nil {
		return nil, errors.New("create pool: nil connect func")
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}

	p := &Pool{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")

	res, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			conn, err := connect(ctx)
			if err != nil {
				return nil, err
			}
			p.logger.Debug("connection opened")
			return conn, nil
		},
		Destructor: func(conn Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := conn.Close(ctx); err != nil {
				p.logger.Debug("close connection", "err", err)
			}
			p.logger.Debug("connection discarded")
		},
		MaxSize: maxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	p.res = res
	return p, nil
}

// Acquire checks out one connection, opening a new one when none is idle
// and the pool is below its maximum, or waiting for a release otherwise.
// A session already known to be closed is discarded rather than returned.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	for {
		res, err := p.res.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return nil, ErrPoolClosed
			}
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		if res.Value().IsClosed() {
			res.Destroy()
			continue
		}
		return &Lease{res: res}, nil
	}
}

// WithConn runs fn on a checked-out connection and always gives it back,
// including when fn fails or panics. A connection-level failure (or a panic)
// discards the session so the next Acquire opens a fresh one.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) (err error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed || IsConnError(err, lease.Conn()) {
			lease.MarkBroken()
		}
		lease.Release()
	}()

	err = fn(lease.Conn())
	completed = true
	return err
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Acquired          int32
	Idle              int32
	Total             int32
	Max               int32
	AcquireCount      int64
	EmptyAcquireCount int64
}

// Stat reports the current pool occupancy.
func (p *Pool) Stat() Stats {
	s := p.res.Stat()
	return Stats{
		Acquired:          s.AcquiredResources(),
		Idle:              s.IdleResources(),
		Total:             s.TotalResources(),
		Max:               s.MaxResources(),
		AcquireCount:      s.AcquireCount(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
	}
}

// Close rejects further Acquire calls and closes every session once all
// leases are back.
func (p *Pool) Close() {
	p.res.Close()
}

// Lease is one checked-out connection. It is owned by a single goroutine and
// must be released exactly once; extra Release calls are no-ops.
type Lease struct {
	res      *puddle.Resource[Conn]
	broken   bool
	released bool
}

// Conn returns the leased session.
func (l *Lease) Conn() Conn {
	return l.res.Value()
}

// MarkBroken flags the session as unusable; Release will discard it.
func (l *Lease) MarkBroken() {
	l.broken = true
}

// Release hands the session back for reuse, or discards it when it was
// marked broken or has been closed underneath us.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true

	if l.broken || l.res.Value().IsClosed() {
		l.res.Destroy()
		return
	}
	l.res.Release()
}

// IsConnError reports whether err means the session itself can no longer be
// trusted, as opposed to a statement the server rejected.
func IsConnError(err error, conn Conn) bool {
	if err == nil {
		return false
	}
	if conn != nil && conn.IsClosed() {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception class
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return pgconn.Timeout(err)
}
