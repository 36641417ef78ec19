package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	queryTimeout  = 5 * time.Second

	tableName = "usage_log"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS usage_log (
	id          UUID,
	created_at  DateTime64(3, 'UTC'),
	user_id     String,
	provider    LowCardinality(String),
	model       LowCardinality(String),
	type        LowCardinality(String),
	status      LowCardinality(String),
	cached      Bool,
	tokens_in   UInt32,
	tokens_out  UInt32,
	cost        Float64,
	latency_ms  UInt32,
	error       String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, user_id)`

const insertSQL = "INSERT INTO usage_log (id, created_at, user_id, provider, model, type, status, cached, tokens_in, tokens_out, cost, latency_ms, error)"

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("usage: store closed")

// ClickHouseStore writes entries to ClickHouse through a buffered channel
// that a background goroutine drains in batches, so Record never blocks on
// the network. If the buffer is full the entry is dropped and counted.
//
// Aggregations run in SQL. Entries still sitting in the buffer are not yet
// visible to them; the lag is bounded by the flush interval.
type ClickHouseStore struct {
	conn driver.Conn
	log  *slog.Logger

	ch        chan Entry
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	flushed atomic.Int64

	batchSize     int
	flushInterval time.Duration
}

// ClickHouseOption configures a ClickHouseStore.
type ClickHouseOption func(*ClickHouseStore)

// WithBatching overrides the batch size and flush interval.
func WithBatching(size int, interval time.Duration) ClickHouseOption {
	return func(s *ClickHouseStore) {
		if size > 0 {
			s.batchSize = size
		}
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// OpenClickHouse parses dsn, connects, verifies the connection and creates
// the usage table when it does not exist.
func OpenClickHouse(ctx context.Context, dsn string, log *slog.Logger, opts ...ClickHouseOption) (*ClickHouseStore, error) {
	chOpts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("usage: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: ping clickhouse: %w", err)
	}
	if err := conn.Exec(pingCtx, createTableSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: create table: %w", err)
	}

	return NewClickHouseStore(conn, log, opts...), nil
}

// NewClickHouseStore wraps an open connection and starts the flusher.
func NewClickHouseStore(conn driver.Conn, log *slog.Logger, opts ...ClickHouseOption) *ClickHouseStore {
	if log == nil {
		log = slog.Default()
	}
	s := &ClickHouseStore{
		conn:          conn,
		log:           log,
		ch:            make(chan Entry, channelBuffer),
		done:          make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
	for _, o := range opts {
		o(s)
	}

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *ClickHouseStore) Record(_ context.Context, e Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.ch <- e.normalize():
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many entries were discarded because the buffer was full.
func (s *ClickHouseStore) Dropped() int64 { return s.dropped.Load() }

// Flushed returns how many entries were written successfully.
func (s *ClickHouseStore) Flushed() int64 { return s.flushed.Load() }

// Close stops accepting entries, flushes the buffer and closes the connection.
func (s *ClickHouseStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
		err = s.conn.Close()
	})
	return err
}

func (s *ClickHouseStore) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		err := s.insert(ctx, batch)
		cancel()
		if err != nil {
			s.log.Error("usage_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		} else {
			s.flushed.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseStore) insert(ctx context.Context, entries []Entry) error {
	b, err := s.conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := b.Append(
			e.ID,
			e.CreatedAt,
			e.UserID,
			e.Provider,
			e.Model,
			e.Type,
			string(e.Status),
			e.Cached,
			clampUint32(e.TokensIn),
			clampUint32(e.TokensOut),
			e.Cost,
			clampUint32(int(e.Latency.Milliseconds())),
			e.Error,
		); err != nil {
			_ = b.Abort()
			return fmt.Errorf("append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func clampUint32(n int) uint32 {
	switch {
	case n < 0:
		return 0
	case int64(n) > int64(^uint32(0)):
		return ^uint32(0)
	default:
		return uint32(n)
	}
}

// whereClause renders f as a SQL condition with positional parameters.
// The returned string is empty when f selects everything.
func whereClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const totalsSelect = `SELECT
	toInt64(count()),
	toInt64(countIf(status = 'success')),
	toInt64(countIf(status = 'error')),
	toInt64(countIf(cached)),
	toInt64(sum(tokens_in)),
	toInt64(sum(tokens_out)),
	toFloat64(sum(cost)),
	toFloat64(ifNotFinite(avg(latency_ms), 0))
FROM ` + tableName

// groupQuery builds an aggregation grouped by keyExpr. When withProvider is
// set the provider column is selected and grouped as well.
func groupQuery(keyExpr string, withProvider bool, where, order string) string {
	provider := "''"
	group := keyExpr
	if withProvider {
		provider = "provider"
		group = "provider, " + keyExpr
	}
	return fmt.Sprintf(
		"SELECT %s AS k, %s AS p, toInt64(count()), toInt64(sum(tokens_in) + sum(tokens_out)), toFloat64(sum(cost)) FROM %s%s GROUP BY %s ORDER BY %s",
		keyExpr, provider, tableName, where, group, order,
	)
}

func (s *ClickHouseStore) Stats(ctx context.Context, f Filter) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where, args := whereClause(f)

	var (
		st        Stats
		avgMillis float64
	)
	if err := s.conn.QueryRow(ctx, totalsSelect+where, args...).Scan(
		&st.Requests, &st.Successes, &st.Errors, &st.CacheHits,
		&st.TokensIn, &st.TokensOut, &st.Cost, &avgMillis,
	); err != nil {
		return Stats{}, fmt.Errorf("usage: totals: %w", err)
	}
	st.AvgLatency = time.Duration(avgMillis * float64(time.Millisecond))

	var err error
	if st.ByModel, err = s.groups(ctx, groupQuery("model", true, where, "k"), args); err != nil {
		return Stats{}, fmt.Errorf("usage: by model: %w", err)
	}
	if st.ByUser, err = s.groups(ctx, groupQuery("user_id", false, where, "k"), args); err != nil {
		return Stats{}, fmt.Errorf("usage: by user: %w", err)
	}
	if st.ByDay, err = s.groups(ctx, groupQuery("toString(toDate(created_at))", false, where, "k"), args); err != nil {
		return Stats{}, fmt.Errorf("usage: by day: %w", err)
	}
	sortGroups(st.ByModel)
	sortGroups(st.ByUser)

	return st, nil
}

func (s *ClickHouseStore) groups(ctx context.Context, query string, args []any) ([]Group, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.Key, &g.Provider, &g.Requests, &g.Tokens, &g.Cost); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) DailyRequests(ctx context.Context, userID string, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where, args := whereClause(dayFilter(userID, now))
	var n int64
	if err := s.conn.QueryRow(ctx, "SELECT toInt64(count()) FROM "+tableName+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("usage: daily requests: %w", err)
	}
	return n, nil
}

func (s *ClickHouseStore) MonthlyCost(ctx context.Context, now time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where, args := whereClause(monthFilter(now))
	var sum float64
	if err := s.conn.QueryRow(ctx, "SELECT toFloat64(sum(cost)) FROM "+tableName+where, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("usage: monthly cost: %w", err)
	}
	return sum, nil
}

// Prune issues a lightweight delete. ClickHouse applies it asynchronously,
// so the returned count is the number of rows matched at call time.
func (s *ClickHouseStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int64
	if err := s.conn.QueryRow(ctx, "SELECT toInt64(count()) FROM "+tableName+" WHERE created_at < ?", before.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("usage: prune count: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.conn.Exec(ctx, "DELETE FROM "+tableName+" WHERE created_at < ?", before.UTC()); err != nil {
		return 0, fmt.Errorf("usage: prune: %w", err)
	}
	return n, nil
}

// Ping verifies the connection is alive.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}
