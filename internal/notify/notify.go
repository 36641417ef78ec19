// Package notify delivers budget alerts. Delivery is best-effort: callers
// log failures and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/contentgen-gateway/internal/metrics"
)

// Alert describes monthly spend crossing the configured threshold.
type Alert struct {
	Month            string    `json:"month"`
	Spent            float64   `json:"spent"`
	Budget           float64   `json:"budget"`
	ThresholdPercent int       `json:"threshold_percent"`
	UsedPercent      float64   `json:"used_percent"`
	Recipient        string    `json:"recipient,omitempty"`
	At               time.Time `json:"at"`
}

// Subject is a one-line summary suitable for an email subject.
func (a Alert) Subject() string {
	return fmt.Sprintf("AI budget alert: %.0f%% of %s budget used", a.UsedPercent, a.Month)
}

// Body is the plain-text alert message.
func (a Alert) Body() string {
	return fmt.Sprintf(
		"AI content generation spend for %s has reached $%.2f of the $%.2f monthly budget (%.1f%%).\n"+
			"The alert threshold is %d%%. Requests will be refused once the budget is exhausted.\n",
		a.Month, a.Spent, a.Budget, a.UsedPercent, a.ThresholdPercent,
	)
}

// Notifier delivers an alert over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// Log writes alerts to the structured log. It never fails.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(ctx context.Context, a Alert) error {
	l.log.WarnContext(ctx, "budget_alert",
		slog.String("month", a.Month),
		slog.Float64("spent", a.Spent),
		slog.Float64("budget", a.Budget),
		slog.Float64("used_percent", a.UsedPercent),
		slog.Int("threshold_percent", a.ThresholdPercent),
	)
	return nil
}

// Multi fans an alert out to every channel. All channels are attempted;
// the returned error joins every failure.
type Multi struct {
	notifiers []Notifier
	log       *slog.Logger
	prom      *metrics.Registry
}

func NewMulti(log *slog.Logger, prom *metrics.Registry, notifiers ...Notifier) *Multi {
	if log == nil {
		log = slog.Default()
	}
	return &Multi{notifiers: notifiers, log: log, prom: prom}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		err := n.Notify(ctx, a)
		m.prom.RecordNotification(n.Name(), err == nil)
		if err != nil {
			m.log.WarnContext(ctx, "notification_failed",
				slog.String("channel", n.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of channels.
func (m *Multi) Len() int { return len(m.notifiers) }
