package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/civil"

	"adpipeline/internal/config"
	"adpipeline/internal/publish"
	"adpipeline/internal/query"
	"adpipeline/internal/report"
)

// topNSize is how deep the daily/weekly leaderboards go.
const topNSize = 10

// ReportStore is the slice of the query layer the report runner reads.
type ReportStore interface {
	DailySummary(ctx context.Context, day civil.Date) (query.DailySummary, error)
	WeekSummary(ctx context.Context, start, end civil.Date) (query.WeekComparison, error)
	DailyTrend(ctx context.Context, start, end civil.Date) ([]query.TrendPoint, error)
	TopNBy(ctx context.Context, dimension, measure string, start, end civil.Date, n int) ([]query.Ranked, error)
	OptimizerAggs(ctx context.Context, start, end civil.Date) ([]query.OptimizerAgg, error)
	DramaStats(ctx context.Context, start, end civil.Date) ([]query.DramaStat, error)
	HourlySnapshots(ctx context.Context, day civil.Date) ([]query.HourlyPoint, error)
}

// Reporter composes and publishes the scheduled reports.
type Reporter struct {
	store    ReportStore
	business *config.Business
	sinks    []publish.Sink
	alarmer  publish.Alarmer
}

func NewReporter(store ReportStore, business *config.Business, sinks []publish.Sink, alarmer publish.Alarmer) *Reporter {
	return &Reporter{store: store, business: business, sinks: sinks, alarmer: alarmer}
}

// RunDaily builds and publishes the T-1 daily report with a trailing 7-day
// trend.
func (r *Reporter) RunDaily(ctx context.Context, day civil.Date) error {
	summary, err := r.store.DailySummary(ctx, day)
	if err != nil {
		return r.fail(ctx, "daily report", err)
	}
	trend, err := r.store.DailyTrend(ctx, day.AddDays(-6), day)
	if err != nil {
		return r.fail(ctx, "daily report", err)
	}
	countries, err := r.store.TopNBy(ctx, "country", "spend", day, day, topNSize)
	if err != nil {
		return r.fail(ctx, "daily report", err)
	}
	dramas, err := r.store.DramaStats(ctx, day, day)
	if err != nil {
		return r.fail(ctx, "daily report", err)
	}
	optimizers, err := r.store.OptimizerAggs(ctx, day, day)
	if err != nil {
		return r.fail(ctx, "daily report", err)
	}
	editors, err := r.store.TopNBy(ctx, "editor_name", "spend", day, day, topNSize)
	if err != nil {
		return r.fail(ctx, "daily report", err)
	}

	doc := report.ComposeDaily(report.DailyData{
		Summary:      summary,
		Trend:        trend,
		TopCountries: countries,
		TopDramas:    query.TopDramasBySpend(dramas, topNSize),
		Optimizers:   query.RankLabels(personAggs(optimizers), r.business.MinSpendDaily),
		TopEditors:   editors,
	})
	return r.publish(ctx, "daily", doc)
}

// RunWeekly builds and publishes the weekly report: week-over-week topline,
// drama buckets, optimizer ranks and the team rollup.
func (r *Reporter) RunWeekly(ctx context.Context, start, end civil.Date) error {
	comparison, err := r.store.WeekSummary(ctx, start, end)
	if err != nil {
		return r.fail(ctx, "weekly report", err)
	}
	trend, err := r.store.DailyTrend(ctx, start, end)
	if err != nil {
		return r.fail(ctx, "weekly report", err)
	}
	dramas, err := r.store.DramaStats(ctx, start, end)
	if err != nil {
		return r.fail(ctx, "weekly report", err)
	}
	optimizers, err := r.store.OptimizerAggs(ctx, start, end)
	if err != nil {
		return r.fail(ctx, "weekly report", err)
	}
	editors, err := r.store.TopNBy(ctx, "editor_name", "spend", start, end, topNSize)
	if err != nil {
		return r.fail(ctx, "weekly report", err)
	}

	doc := report.ComposeWeekly(report.WeeklyData{
		Comparison: comparison,
		Trend:      trend,
		Buckets:    query.Categorize(dramas, query.BucketThresholds(r.business.Buckets)),
		Optimizers: query.RankLabels(personAggs(optimizers), r.business.MinSpendWeekly),
		Teams:      query.TeamRollup(optimizers, r.business.TeamOf()),
		TopEditors: editors,
	})
	return r.publish(ctx, "weekly", doc)
}

func personAggs(optimizers []query.OptimizerAgg) []query.PersonAgg {
	people := make([]query.PersonAgg, 0, len(optimizers))
	for _, o := range optimizers {
		people = append(people, query.PersonAgg{Name: o.Name, Spend: o.Spend, Revenue: o.Revenue})
	}
	return people
}

// RunIntraday builds and publishes the same-day hourly snapshot report.
func (r *Reporter) RunIntraday(ctx context.Context, day civil.Date) error {
	points, err := r.store.HourlySnapshots(ctx, day)
	if err != nil {
		return r.fail(ctx, "intraday report", err)
	}
	return r.publish(ctx, "intraday", report.ComposeIntraday(day, points))
}

// publish delivers to every sink; sinks fail independently so a broken doc
// target never blocks the chat card.
func (r *Reporter) publish(ctx context.Context, kind string, doc report.Document) error {
	started := time.Now()
	var firstErr error
	delivered := 0
	for _, s := range r.sinks {
		if err := s.Publish(ctx, doc); err != nil {
			log.Printf("[report] %s sink %T failed: %v", kind, s, err)
			if r.alarmer != nil {
				r.alarmer.Alarm(ctx, publish.LevelError,
					fmt.Sprintf("%s report delivery failed", kind),
					fmt.Sprintf("sink %T: %v", s, err))
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	log.Printf("[report] %s published to %d/%d sinks in %v", kind, delivered, len(r.sinks), time.Since(started))
	return firstErr
}

func (r *Reporter) fail(ctx context.Context, job string, err error) error {
	log.Printf("[report] %s: %v", job, err)
	if r.alarmer != nil {
		r.alarmer.Alarm(ctx, publish.LevelError, job+" failed", err.Error())
	}
	return err
}
