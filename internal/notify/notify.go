// Package notify delivers BatchFinalized events to operators. Delivery is
// best-effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pensionops/rebalancer/internal/model"
)

// Sink receives finalized batch notifications.
type Sink interface {
	Notify(ctx context.Context, event model.BatchFinalized) error
}

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, event model.BatchFinalized) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes the event to the structured log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, event model.BatchFinalized) error {
	slog.Info("batch finalized notification",
		"batch_id", event.BatchID,
		"fund", event.Fund,
		"order_count", event.OrderCount,
		"trade_date", event.TradeDate,
		"files", len(event.DriveFileURLs),
	)
	return nil
}

// Text renders the event as a short chat message. File links are listed
// in key order.
func Text(event model.BatchFinalized) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch finalized: fund=%s, orders=%d, trade date=%s, batch=%s",
		event.Fund, event.OrderCount, event.TradeDate, event.BatchID)

	keys := make([]string, 0, len(event.DriveFileURLs))
	for k := range event.DriveFileURLs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, event.DriveFileURLs[k])
	}
	return b.String()
}
