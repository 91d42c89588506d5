// Package provider holds one adapter per upstream data source. Adapters share
// the pagination, retry and validation machinery in this file and differ only
// in protocol: HMAC-signed REST, signed BI queries, bearer REST, and the
// cookie-session console flow.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/civil"

	"adpipeline/internal/models"
)

// Window is the calendar slice an extraction covers, inclusive on both ends.
type Window struct {
	Start civil.Date
	End   civil.Date
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start, w.End)
}

// TableRows couples normalized rows with their warehouse destination.
type TableRows struct {
	Table  string
	Rows   []models.Fact
	Upsert bool   // mapping tables merge by key instead of appending
	KeyCol string // merge key when Upsert is set
}

// Video points at one creative asset to mirror into the blob archive
// alongside the batch's raw payload.
type Video struct {
	MaterialID string
	URL        string
}

// Extraction is one adapter's output for a window: normalized rows grouped by
// destination table, the verbatim upstream payload for the blob archive,
// creative video assets to mirror, and any data-anomaly warnings.
type Extraction struct {
	Tables   []TableRows
	Raw      json.RawMessage
	Videos   []Video
	Warnings []Warning
}

// RowCount sums rows across destination tables.
func (e *Extraction) RowCount() int {
	n := 0
	for _, t := range e.Tables {
		n += len(t.Rows)
	}
	return n
}

// Adapter extracts one source's rows for a window. Errors carry the taxonomy
// kinds from errors.go.
type Adapter interface {
	Name() string
	Extract(ctx context.Context, w Window) (*Extraction, error)
}

// Caps bounds a pagination run.
type Caps struct {
	PageSize  int
	MaxPages  int // hard cap; hitting it emits a bounded-by-safety warning
	MaxRows   int // hard cap; same
	MaxEmpty  int // consecutive empty pages before giving up
}

func (c Caps) withDefaults() Caps {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 500
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 500000
	}
	if c.MaxEmpty <= 0 {
		c.MaxEmpty = 3
	}
	return c
}

// fetchPage returns one page of raw items plus the server's advertised total
// (0 when the server does not report one).
type fetchPage func(ctx context.Context, page int) (items []json.RawMessage, total int, err error)

// paginate drives a serial page loop with the shared stop rules: short page,
// advertised total reached, MaxEmpty consecutive empty pages, and the
// MaxPages / MaxRows safety caps.
func paginate(ctx context.Context, source string, caps Caps, fetch fetchPage) ([]json.RawMessage, []Warning, error) {
	caps = caps.withDefaults()

	var (
		out      []json.RawMessage
		warnings []Warning
		empty    int
	)

	for page := 1; ; page++ {
		if page > caps.MaxPages {
			warnings = append(warnings, Warning{
				Source: source,
				Rule:   "bounded-by-safety",
				Detail: fmt.Sprintf("stopped at page cap %d; rows kept: %d", caps.MaxPages, len(out)),
			})
			break
		}

		items, total, err := fetchWithRetry(ctx, source, page, fetch)
		if err != nil {
			return nil, warnings, err
		}

		if len(items) == 0 {
			empty++
			if empty >= caps.MaxEmpty {
				break
			}
			continue
		}
		empty = 0
		out = append(out, items...)

		if len(out) >= caps.MaxRows {
			warnings = append(warnings, Warning{
				Source: source,
				Rule:   "bounded-by-safety",
				Detail: fmt.Sprintf("stopped at row cap %d", caps.MaxRows),
			})
			out = out[:caps.MaxRows]
			break
		}
		if len(items) < caps.PageSize {
			break // short page: server has no more
		}
		if total > 0 && len(out) >= total {
			break
		}
	}

	return out, warnings, nil
}

// retryBackoff is the bounded per-page backoff schedule.
var retryBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// fetchWithRetry runs one page fetch with up to 3 attempts. Only retryable
// kinds (RateLimited, Transient) get another attempt; the fetch closure
// re-signs requests per attempt, so HMAC adapters never replay a stale sign.
func fetchWithRetry(ctx context.Context, source string, page int, fetch fetchPage) ([]json.RawMessage, int, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			log.Printf("[%s] page %d attempt %d after: %v", source, page, attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(retryBackoff[attempt-1]):
			}
		}

		items, total, err := fetch(ctx, page)
		if err == nil {
			return items, total, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("page %d failed after 3 attempts: %w", page, lastErr)
}

// Validation thresholds from the data-quality rules. Violations warn, never
// abort.
const (
	anomalyROAS     = 5.0
	anomalyDaySpend = 100000.0
)

// validateSpendRow applies the shared anomaly rules to one (spend,
// impressions, roas) triple and appends warnings for the alarm path.
func validateSpendRow(source, key string, spend float64, impressions int64, roas float64, warnings []Warning) []Warning {
	if spend > 0 && impressions == 0 {
		warnings = append(warnings, Warning{
			Source: source,
			Rule:   "spend-without-impressions",
			Detail: fmt.Sprintf("%s: spend=%.2f impressions=0", key, spend),
		})
	}
	if roas > anomalyROAS {
		warnings = append(warnings, Warning{
			Source: source,
			Rule:   "roas-out-of-range",
			Detail: fmt.Sprintf("%s: roas=%.2f", key, roas),
		})
	}
	if spend > anomalyDaySpend {
		warnings = append(warnings, Warning{
			Source: source,
			Rule:   "daily-spend-spike",
			Detail: fmt.Sprintf("%s: spend=%.0f", key, spend),
		})
	}
	return warnings
}

// parseStatDate accepts the date spellings the upstreams actually emit.
func parseStatDate(raw string) (civil.Date, error) {
	for _, layout := range []string{"2006-01-02", "20060102", "2006/01/02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, fmt.Errorf("unparseable stat_date %q: %w", raw, ErrInvalid)
}
