// Package dbtest provides an in-memory stand-in for the machine_signals
// table so the pool, the query service and the HTTP layer can be tested
// without a running PostgreSQL.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/machinedata/signal-accessor/internal/db"
)

// ErrConnectionLost is returned by a query that broke its session.
var ErrConnectionLost = errors.New("unexpected EOF")

// Reading is one row of the fake machine_signals table.
type Reading struct {
	ID         int64
	SignalType string
	Value      float64
	Timestamp  time.Time
}

// DB is a fake database server. Connect satisfies db.ConnectFunc.
type DB struct {
	mu         sync.Mutex
	readings   []Reading
	connectErr error
	queryErr   error
	rowsErr    error
	breakNext  int
	hold       chan struct{}
	lastSQL    string
	lastArgs   []any

	opened  atomic.Int64
	queries atomic.Int64
	inQuery atomic.Int64
	maxSeen atomic.Int64
}

// NewDB returns a fake seeded with readings.
func NewDB(readings ...Reading) *DB {
	return &DB{readings: append([]Reading(nil), readings...)}
}

// Insert adds rows to the table.
func (d *DB) Insert(readings ...Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readings = append(d.readings, readings...)
}

// FailConnect makes every new session fail with err (nil restores).
func (d *DB) FailConnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// FailQueries makes every query fail with err while leaving sessions open.
func (d *DB) FailQueries(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queryErr = err
}

// FailRows makes result iteration end with err.
func (d *DB) FailRows(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rowsErr = err
}

// BreakNextQueries makes the next n queries close their session and fail.
func (d *DB) BreakNextQueries(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakNext = n
}

// HoldQueries blocks every query until the returned func is called.
func (d *DB) HoldQueries() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold = ch
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.hold = nil
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Opened is the number of sessions ever opened.
func (d *DB) Opened() int64 { return d.opened.Load() }

// Queries is the number of queries received.
func (d *DB) Queries() int64 { return d.queries.Load() }

// MaxConcurrentQueries is the highest number of queries seen in flight at once.
func (d *DB) MaxConcurrentQueries() int64 { return d.maxSeen.Load() }

// LastQuery returns the text and arguments of the latest query.
func (d *DB) LastQuery() (string, []any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSQL, append([]any(nil), d.lastArgs...)
}

// Connect opens a fake session.
func (d *DB) Connect(ctx context.Context) (db.Conn, error) {
	d.mu.Lock()
	err := d.connectErr
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dial tcp: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Conn{db: d, id: d.opened.Add(1)}, nil
}

// Conn is one fake session.
type Conn struct {
	db     *DB
	id     int64
	closed atomic.Bool
}

// ID identifies the session in opening order, starting at 1.
func (c *Conn) ID() int64 { return c.id }

// IsClosed implements db.Conn.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Close implements db.Conn.
func (c *Conn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

// Query understands the single latest-readings statement: args are the
// signal type and the row limit.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if c.IsClosed() {
		return nil, errors.New("conn closed")
	}
	d := c.db
	d.queries.Add(1)

	n := d.inQuery.Add(1)
	defer d.inQuery.Add(-1)
	for {
		seen := d.maxSeen.Load()
		if n <= seen || d.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	d.mu.Lock()
	d.lastSQL, d.lastArgs = sql, append([]any(nil), args...)
	hold := d.hold
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			c.closed.Store(true)
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.breakNext > 0 {
		d.breakNext--
		c.closed.Store(true)
		return nil, ErrConnectionLost
	}
	if d.queryErr != nil {
		return nil, d.queryErr
	}
	if len(args) != 2 {
		return nil, &pgconn.PgError{Severity: "ERROR", Code: "08P01", Message: "bind message supplies wrong number of parameters"}
	}
	signalType, ok := args[0].(string)
	if !ok {
		return nil, &pgconn.PgError{Severity: "ERROR", Code: "42804", Message: "signal_type must be text"}
	}
	limit, err := toInt(args[1])
	if err != nil {
		return nil, &pgconn.PgError{Severity: "ERROR", Code: "42804", Message: err.Error()}
	}

	var matched []Reading
	for _, r := range d.readings {
		if r.SignalType == signalType {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	data := make([][]any, len(matched))
	for i, r := range matched {
		data[i] = []any{r.ID, r.SignalType, r.Value, r.Timestamp}
	}
	return &Rows{data: data, err: d.rowsErr}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	}
	return 0, fmt.Errorf("limit must be an integer, got %T", v)
}

// Rows is a pgx.Rows over fixed values.
type Rows struct {
	data   [][]any
	pos    int
	err    error
	closed bool
}

var _ pgx.Rows = (*Rows)(nil)

func (r *Rows) Close() { r.closed = true }

// Err reports the injected iteration error once all rows are consumed.
func (r *Rows) Err() error {
	if r.pos < len(r.data) {
		return nil
	}
	return r.err
}

func (r *Rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.data)))
}

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	if r.pos >= len(r.data) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.data) {
		return errors.New("scan called without a current row")
	}
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("number of field descriptions must equal number of destinations, got %d and %d", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return fmt.Errorf("can't scan into dest[%d]: %w", i, err)
		}
	}
	return nil
}

func (r *Rows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.data) {
		return nil, errors.New("no current row")
	}
	return r.data[r.pos-1], nil
}

func (r *Rows) RawValues() [][]byte { return nil }

func (r *Rows) Conn() *pgx.Conn { return nil }

func assign(dest, v any) error {
	switch d := dest.(type) {
	case *int64:
		if n, ok := v.(int64); ok {
			*d = n
			return nil
		}
	case *int32:
		if n, ok := v.(int64); ok {
			*d = int32(n)
			return nil
		}
	case *string:
		if s, ok := v.(string); ok {
			*d = s
			return nil
		}
	case *float64:
		if f, ok := v.(float64); ok {
			*d = f
			return nil
		}
	case *time.Time:
		if t, ok := v.(time.Time); ok {
			*d = t
			return nil
		}
	}
	return fmt.Errorf("cannot assign %T to %T", v, dest)
}
