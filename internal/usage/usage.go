// Package usage records one immutable entry per generation request and
// aggregates them into request, token and cost statistics.
//
// Two backends are provided: MemoryStore (default, per-process) and
// ClickHouseStore (batched asynchronous inserts, SQL aggregation). Both are
// safe for concurrent use.
package usage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a generation request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is one row of the append-only usage log.
type Entry struct {
	ID        uuid.UUID     `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	UserID    string        `json:"user_id"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Type      string        `json:"type"`
	Status    Status        `json:"status"`
	Cached    bool          `json:"cached"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	Cost      float64       `json:"cost"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// normalize fills the id and timestamp when the caller left them empty.
func (e Entry) normalize() Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e
}

// Filter selects the entries an aggregation runs over. From is inclusive,
// To is exclusive; zero values leave that side unbounded. Empty string
// fields match everything.
type Filter struct {
	From     time.Time
	To       time.Time
	UserID   string
	Provider string
	Model    string
}

// Match reports whether e falls inside the filter.
func (f Filter) Match(e Entry) bool {
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Provider != "" && e.Provider != f.Provider {
		return false
	}
	if f.Model != "" && e.Model != f.Model {
		return false
	}
	return true
}

// Period names a reporting window.
type Period string

const (
	PeriodToday  Period = "today"
	PeriodWeek   Period = "week"
	PeriodMonth  Period = "month"
	PeriodYear   Period = "year"
	PeriodAll    Period = "all"
	PeriodCustom Period = "custom"
)

// ErrInvalidPeriod is returned for unknown periods and bad custom ranges.
var ErrInvalidPeriod = errors.New("usage: invalid period")

// ParsePeriod validates s. An empty string selects the current month.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return PeriodMonth, nil
	case PeriodToday, PeriodWeek, PeriodMonth, PeriodYear, PeriodAll, PeriodCustom:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
}

// Range resolves the period to a [from, to) window in UTC relative to now.
// Calendar periods (today, month, year) start at the UTC boundary; week is
// the trailing 7 days. Custom requires from < to.
func (p Period) Range(now, from, to time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	switch p {
	case PeriodToday:
		return DayStart(now), time.Time{}, nil
	case PeriodWeek:
		return now.Add(-7 * 24 * time.Hour), time.Time{}, nil
	case PeriodMonth:
		return MonthStart(now), time.Time{}, nil
	case PeriodYear:
		return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), time.Time{}, nil
	case PeriodAll:
		return time.Time{}, time.Time{}, nil
	case PeriodCustom:
		if from.IsZero() || to.IsZero() || !from.Before(to) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: custom range needs from < to", ErrInvalidPeriod)
		}
		return from.UTC(), to.UTC(), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, string(p))
	}
}

// DayStart returns midnight UTC of t's day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func dayFilter(userID string, now time.Time) Filter {
	from := DayStart(now)
	return Filter{From: from, To: from.AddDate(0, 0, 1), UserID: userID}
}

func monthFilter(now time.Time) Filter {
	from := MonthStart(now)
	return Filter{From: from, To: from.AddDate(0, 1, 0)}
}

// Totals are the additive aggregates over a filtered set of entries.
type Totals struct {
	Requests   int64         `json:"requests"`
	Successes  int64         `json:"successes"`
	Errors     int64         `json:"errors"`
	CacheHits  int64         `json:"cache_hits"`
	TokensIn   int64         `json:"tokens_in"`
	TokensOut  int64         `json:"tokens_out"`
	Cost       float64       `json:"cost"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Group is one row of a grouped aggregation. Key is the model, user id or
// day ("2006-01-02") depending on the grouping; Provider is only set when
// grouping by model.
type Group struct {
	Key      string  `json:"key"`
	Provider string  `json:"provider,omitempty"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Stats is the result of Store.Stats.
type Stats struct {
	Totals
	ByModel []Group `json:"by_model"`
	ByUser  []Group `json:"by_user"`
	ByDay   []Group `json:"by_day"`
}

// Store is an append-only usage log.
type Store interface {
	// Record appends e. ID and CreatedAt are filled when zero.
	Record(ctx context.Context, e Entry) error
	// Stats aggregates every entry matching f.
	Stats(ctx context.Context, f Filter) (Stats, error)
	// DailyRequests counts userID's entries since midnight UTC of now.
	DailyRequests(ctx context.Context, userID string, now time.Time) (int64, error)
	// MonthlyCost sums the cost of all entries in now's calendar month (UTC).
	MonthlyCost(ctx context.Context, now time.Time) (float64, error)
	// Prune deletes entries created before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// CSVHeader is the first row of ExportCSV output.
var CSVHeader = []string{"Provider", "Model", "Requests", "Tokens", "Cost"}

// ExportCSV renders the per-model aggregation of f as CSV.
func ExportCSV(ctx context.Context, s Store, f Filter) ([]byte, error) {
	st, err := s.Stats(ctx, f)
	if err != nil {
		return nil, err
	}
	return EncodeCSV(st.ByModel)
}

// EncodeCSV writes rows under CSVHeader. Cost is printed with six decimals.
func EncodeCSV(rows []Group) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("usage: write csv: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.Provider,
			r.Key,
			strconv.FormatInt(r.Requests, 10),
			strconv.FormatInt(r.Tokens, 10),
			strconv.FormatFloat(r.Cost, 'f', 6, 64),
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("usage: write csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("usage: write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// sortGroups orders model and user groups by cost, then requests, then key.
func sortGroups(gs []Group) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Cost != gs[j].Cost {
			return gs[i].Cost > gs[j].Cost
		}
		if gs[i].Requests != gs[j].Requests {
			return gs[i].Requests > gs[j].Requests
		}
		if gs[i].Key != gs[j].Key {
			return gs[i].Key < gs[j].Key
		}
		return gs[i].Provider < gs[j].Provider
	})
}
