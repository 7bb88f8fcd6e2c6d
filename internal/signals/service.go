// Package signals reads the latest readings of a signal type from the
// machine_signals table through the shared connection pool.
//
// Callers on the HTTP path use FetchSignals, which never fails: both "no
// matching rows" and "database unavailable" come back as an empty slice.
// Fetch keeps the two apart for logging, metrics and the export job.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/machinedata/signal-accessor/internal/db"
)

// DefaultLimit is the number of readings returned per request.
const DefaultLimit = 10

// latestQuery is the only statement the service runs. The signal type is
// always a bound parameter.
const latestQuery = `SELECT id, signal_type, value, "timestamp"
	FROM machine_signals
	WHERE signal_type = $1
	ORDER BY "timestamp" DESC
	LIMIT $2`

// Outcome tells an empty result caused by missing data from one caused by
// a failing database.
type Outcome int

const (
	Found Outcome = iota
	NoData
	UpstreamFailed
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NoData:
		return "no_data"
	case UpstreamFailed:
		return "upstream_failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of one fetch. Signals is never nil.
type Result struct {
	Signals []Signal
	Outcome Outcome
	Err     error
}

// Observer receives one call per fetch.
type Observer interface {
	ObserveFetch(outcome string, elapsed time.Duration)
}

// Option configures a Service.
type Option func(*Service)

// WithLimit overrides DefaultLimit.
func WithLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithQueryTimeout bounds each query. Zero leaves it unbounded.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Service) { s.queryTimeout = d }
}

// WithObserver reports every fetch to o.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithLogger sets the logger for failed fetches.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service fetches readings. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	pool         *db.Pool
	limit        int
	queryTimeout time.Duration
	observer     Observer
	logger       *slog.Logger
}

// NewService returns a Service reading through pool.
func NewService(pool *db.Pool, opts ...Option) *Service {
	s := &Service{
		pool:   pool,
		limit:  DefaultLimit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "signals")
	return s
}

// FetchSignals returns the newest readings of signalType, most recent first.
// Any failure is logged and yields an empty slice.
func (s *Service) FetchSignals(ctx context.Context, signalType string) []Signal {
	return s.Fetch(ctx, signalType).Signals
}

// Fetch is FetchSignals with the outcome and cause attached.
func (s *Service) Fetch(ctx context.Context, signalType string) Result {
	start := time.Now()
	res := s.fetch(ctx, signalType)
	if s.observer != nil {
		s.observer.ObserveFetch(res.Outcome.String(), time.Since(start))
	}
	return res
}

func (s *Service) fetch(ctx context.Context, signalType string) Result {
	var (
		out      []Signal
		acquired bool
	)
	err := s.pool.WithConn(ctx, func(conn db.Conn) error {
		acquired = true
		qctx := ctx
		if s.queryTimeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
			defer cancel()
		}
		var err error
		out, err = queryLatest(qctx, conn, signalType, s.limit)
		return err
	})
	if err != nil {
		msg := "query execution failed"
		if !acquired {
			msg = "database connection unavailable"
		}
		s.logger.Error(msg, "signal_type", signalType, "err", err)
		return Result{Signals: []Signal{}, Outcome: UpstreamFailed, Err: err}
	}

	if len(out) == 0 {
		return Result{Signals: []Signal{}, Outcome: NoData}
	}
	return Result{Signals: out, Outcome: Found}
}

func queryLatest(ctx context.Context, conn db.Conn, signalType string, limit int) ([]Signal, error) {
	rows, err := conn.Query(ctx, latestQuery, signalType, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	out := make([]Signal, 0, limit)
	for rows.Next() {
		var (
			id    int64
			typ   string
			value float64
			ts    time.Time
		)
		if err := rows.Scan(&id, &typ, &value, &ts); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, Signal{
			ID:         id,
			SignalType: typ,
			Value:      value,
			Timestamp:  NewTimestamp(ts),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read signals: %w", err)
	}
	return out, nil
}
