package sharding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Aidin1998/realtyshard/internal/sharding/events"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errConnRefused = errors.New("connection refused")

// fakePool stands in for a pgxpool.Pool
type fakePool struct {
	key string

	mu       sync.Mutex
	pingErr  error
	pings    int
	closed   bool
	conn     *fakeConn
	acquired atomic.Int32
	released atomic.Int32
}

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.acquired.Add(1)
	c := p.conn
	if c == nil {
		c = &fakeConn{}
	}
	return &trackedConn{fakeConn: c, pool: p}, nil
}

func (p *fakePool) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	return p.pingErr
}

func (p *fakePool) setPingErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingErr = err
}

func (p *fakePool) Stat() PoolStats {
	return PoolStats{TotalConns: 2, IdleConns: 1, AcquiredConns: p.acquired.Load() - p.released.Load(), MaxConns: 4}
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePool) inUse() int32 {
	return p.acquired.Load() - p.released.Load()
}

type trackedConn struct {
	*fakeConn
	pool *fakePool
}

func (c *trackedConn) Release() {
	c.pool.released.Add(1)
}

// fakeConn records statements and replays canned rows
type fakeConn struct {
	mu      sync.Mutex
	execs   []string
	tag     pgconn.CommandTag
	execErr error
	rows    *fakeRows
	lastSQL string
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return c.tag, c.execErr
}

func (c *fakeConn) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSQL = sql
	if c.rows == nil {
		return &fakeRows{}, nil
	}
	r := *c.rows
	r.pos = -1
	return &r, nil
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, _ := c.Query(ctx, sql, args...)
	return rows
}

func (c *fakeConn) Release() {}

// fakeRows implements pgx.Rows over in-memory values
type fakeRows struct {
	columns []string
	values  [][]any
	pos     int
	closed  bool
}

func newFakeRows(columns []string, values ...[]any) *fakeRows {
	return &fakeRows{columns: columns, values: values, pos: -1}
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, name := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: name}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	if r.closed {
		return false
	}
	r.pos++
	if r.pos >= len(r.values) {
		r.closed = true
		return false
	}
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.values[r.pos], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return errors.New("fakeRows: unsupported scan target")
}

// poolFarm hands out fakePools and can fail creation per pool key
type poolFarm struct {
	mu      sync.Mutex
	pools   map[string]*fakePool
	failing map[string]bool
	calls   map[string]int

	// when set, factory signals entered and blocks until gate is closed
	gate    chan struct{}
	entered chan struct{}
}

func newPoolFarm() *poolFarm {
	return &poolFarm{
		pools:   make(map[string]*fakePool),
		failing: make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (f *poolFarm) fail(key string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[key] = failing
}

func (f *poolFarm) factory(_ context.Context, cfg *ShardConfig) (Pool, error) {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := cfg.PoolKey()
	f.calls[key]++
	if f.failing[key] {
		return nil, errConnRefused
	}
	p := &fakePool{key: key}
	f.pools[key] = p
	return p, nil
}

func (f *poolFarm) pool(key string) *fakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[key]
}

// recordingSink captures status events
type recordingSink struct {
	mu     sync.Mutex
	events []events.StatusEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev events.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) snapshot() []events.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.StatusEvent(nil), s.events...)
}
