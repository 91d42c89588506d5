package query

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"

	"adpipeline/internal/warehouse"
)

// Store runs the query layer against the warehouse. Report jobs never run
// concurrently with ingest (scheduler rule), so the latest-per-date slice is
// stable for the duration of a report.
type Store struct {
	client    *bigquery.Client
	project   string
	quickbiDS string
	xmpDS     string
}

func NewStore(client *bigquery.Client, project, quickbiDS, xmpDS string) *Store {
	return &Store{client: client, project: project, quickbiDS: quickbiDS, xmpDS: xmpDS}
}

func (s *Store) quickbiTable(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.quickbiDS, name)
}

func (s *Store) xmpTable(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.xmpDS, name)
}

func (s *Store) run(ctx context.Context, sql string, params []bigquery.QueryParameter) (*bigquery.RowIterator, error) {
	q := s.client.Query(sql)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return it, nil
}

func dateParam(name string, d civil.Date) bigquery.QueryParameter {
	return bigquery.QueryParameter{Name: name, Value: d}
}

// DailySummary returns the single-day topline from the BI campaign facts.
func (s *Store) DailySummary(ctx context.Context, day civil.Date) (DailySummary, error) {
	it, err := s.run(ctx, dailySummarySQL(s.quickbiTable(warehouse.TableQuickBICampaigns)),
		[]bigquery.QueryParameter{dateParam("day", day)})
	if err != nil {
		return DailySummary{}, err
	}

	var row struct {
		Spend   bigquery.NullFloat64 `bigquery:"spend"`
		Revenue bigquery.NullFloat64 `bigquery:"revenue"`
		ROAS    bigquery.NullFloat64 `bigquery:"roas"`
		CPM     bigquery.NullFloat64 `bigquery:"cpm"`
	}
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return DailySummary{Date: day}, nil
		}
		return DailySummary{}, err
	}
	return DailySummary{
		Date:    day,
		Spend:   row.Spend.Float64,
		Revenue: row.Revenue.Float64,
		ROAS:    row.ROAS.Float64,
		CPM:     row.CPM.Float64,
	}, nil
}

// WeekSummary aggregates one window and the window immediately before it
// (same length), for week-over-week comparison.
func (s *Store) WeekSummary(ctx context.Context, start, end civil.Date) (WeekComparison, error) {
	current, err := s.windowSummary(ctx, start, end)
	if err != nil {
		return WeekComparison{}, err
	}

	days := end.DaysSince(start) + 1
	prevEnd := start.AddDays(-1)
	prevStart := prevEnd.AddDays(-(days - 1))
	previous, err := s.windowSummary(ctx, prevStart, prevEnd)
	if err != nil {
		return WeekComparison{}, err
	}

	return Compare(current, previous), nil
}

func (s *Store) windowSummary(ctx context.Context, start, end civil.Date) (WeekSummary, error) {
	it, err := s.run(ctx, windowSummarySQL(s.quickbiTable(warehouse.TableQuickBICampaigns)),
		[]bigquery.QueryParameter{dateParam("start", start), dateParam("end", end)})
	if err != nil {
		return WeekSummary{}, err
	}

	var row struct {
		Spend         bigquery.NullFloat64 `bigquery:"spend"`
		Revenue       bigquery.NullFloat64 `bigquery:"revenue"`
		ROAS          bigquery.NullFloat64 `bigquery:"roas"`
		DailyAvgSpend bigquery.NullFloat64 `bigquery:"daily_avg_spend"`
		AvgCPM        bigquery.NullFloat64 `bigquery:"avg_cpm"`
	}
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return WeekSummary{Start: start, End: end}, nil
		}
		return WeekSummary{}, err
	}
	return WeekSummary{
		Start:         start,
		End:           end,
		Spend:         row.Spend.Float64,
		Revenue:       row.Revenue.Float64,
		ROAS:          row.ROAS.Float64,
		DailyAvgSpend: row.DailyAvgSpend.Float64,
		AvgCPM:        row.AvgCPM.Float64,
	}, nil
}

// DailyTrend returns (date, spend, roas) per day, ascending.
func (s *Store) DailyTrend(ctx context.Context, start, end civil.Date) ([]TrendPoint, error) {
	it, err := s.run(ctx, dailyTrendSQL(s.quickbiTable(warehouse.TableQuickBICampaigns)),
		[]bigquery.QueryParameter{dateParam("start", start), dateParam("end", end)})
	if err != nil {
		return nil, err
	}

	var out []TrendPoint
	for {
		var row struct {
			StatDate civil.Date           `bigquery:"stat_date"`
			Spend    bigquery.NullFloat64 `bigquery:"spend"`
			ROAS     bigquery.NullFloat64 `bigquery:"roas"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, TrendPoint{Date: row.StatDate, Spend: row.Spend.Float64, ROAS: row.ROAS.Float64})
	}
	return out, nil
}

// TopNBy ranks a dimension by a measure over the window. editor_name reads
// the editor stats table; everything else reads the BI campaign facts.
func (s *Store) TopNBy(ctx context.Context, dimension, measure string, start, end civil.Date, n int) ([]Ranked, error) {
	table := s.quickbiTable(warehouse.TableQuickBICampaigns)
	if dimension == "editor_name" {
		table = s.xmpTable(warehouse.TableXMPEditorStats)
	}
	sql, err := topNSQL(table, dimension, measure)
	if err != nil {
		return nil, err
	}

	it, err := s.run(ctx, sql, []bigquery.QueryParameter{
		dateParam("start", start), dateParam("end", end),
		{Name: "n", Value: int64(n)},
	})
	if err != nil {
		return nil, err
	}

	var out []Ranked
	for {
		var row struct {
			Name    bigquery.NullString  `bigquery:"name"`
			Measure bigquery.NullFloat64 `bigquery:"measure"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Ranked{Name: row.Name.StringVal, Measure: row.Measure.Float64})
	}
	return out, nil
}

// OptimizerAggs returns per-optimizer window aggregates for rank labels and
// the team rollup.
func (s *Store) OptimizerAggs(ctx context.Context, start, end civil.Date) ([]OptimizerAgg, error) {
	it, err := s.run(ctx, optimizerAggSQL(s.xmpTable(warehouse.TableXMPOptimizerStats)),
		[]bigquery.QueryParameter{dateParam("start", start), dateParam("end", end)})
	if err != nil {
		return nil, err
	}

	var out []OptimizerAgg
	for {
		var row struct {
			Name          bigquery.NullString  `bigquery:"name"`
			Spend         bigquery.NullFloat64 `bigquery:"spend"`
			Revenue       bigquery.NullFloat64 `bigquery:"revenue"`
			CampaignCount bigquery.NullInt64   `bigquery:"campaign_count"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, OptimizerAgg{
			Name:          row.Name.StringVal,
			Spend:         row.Spend.Float64,
			Revenue:       row.Revenue.Float64,
			CampaignCount: int(row.CampaignCount.Int64),
		})
	}
	return out, nil
}

// DramaStats aggregates per-drama performance for a window, then fills the
// week-over-week ROAS delta from the preceding window of the same length.
func (s *Store) DramaStats(ctx context.Context, start, end civil.Date) ([]DramaStat, error) {
	current, err := s.dramaWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}

	days := end.DaysSince(start) + 1
	prevEnd := start.AddDays(-1)
	previous, err := s.dramaWindow(ctx, prevEnd.AddDays(-(days-1)), prevEnd)
	if err != nil {
		return nil, err
	}

	prevROAS := make(map[string]float64, len(previous))
	for _, p := range previous {
		prevROAS[p.DramaID] = p.ROAS
	}
	for i := range current {
		if roas, ok := prevROAS[current[i].DramaID]; ok {
			current[i].ROASChangeWoW = current[i].ROAS - roas
		}
	}
	return current, nil
}

func (s *Store) dramaWindow(ctx context.Context, start, end civil.Date) ([]DramaStat, error) {
	it, err := s.run(ctx, dramaStatsSQL(
		s.quickbiTable(warehouse.TableQuickBICampaigns),
		s.quickbiTable(warehouse.TableDramaMapping)),
		[]bigquery.QueryParameter{dateParam("start", start), dateParam("end", end)})
	if err != nil {
		return nil, err
	}

	var out []DramaStat
	for {
		var row struct {
			DramaID   bigquery.NullString  `bigquery:"drama_id"`
			DramaName bigquery.NullString  `bigquery:"drama_name"`
			Spend     bigquery.NullFloat64 `bigquery:"spend"`
			Revenue   bigquery.NullFloat64 `bigquery:"revenue"`
			ROAS      bigquery.NullFloat64 `bigquery:"roas"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		name := row.DramaName.StringVal
		if name == "" {
			name = row.DramaID.StringVal
		}
		out = append(out, DramaStat{
			DramaID:   row.DramaID.StringVal,
			DramaName: name,
			Spend:     row.Spend.Float64,
			Revenue:   row.Revenue.Float64,
			ROAS:      row.ROAS.Float64,
		})
	}
	return out, nil
}

// HourlyPoint is one hour of the intraday snapshot.
type HourlyPoint struct {
	Hour       int64
	TotalSpend float64
	D0ROAS     float64
}

// HourlySnapshots returns the intraday curve for a day, ascending by hour.
func (s *Store) HourlySnapshots(ctx context.Context, day civil.Date) ([]HourlyPoint, error) {
	it, err := s.run(ctx, hourlySnapshotSQL(s.quickbiTable(warehouse.TableHourlySnapshots)),
		[]bigquery.QueryParameter{dateParam("day", day)})
	if err != nil {
		return nil, err
	}

	var out []HourlyPoint
	for {
		var row struct {
			Hour       bigquery.NullInt64   `bigquery:"hour"`
			TotalSpend bigquery.NullFloat64 `bigquery:"total_spend"`
			D0ROAS     bigquery.NullFloat64 `bigquery:"d0_roas"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, HourlyPoint{Hour: row.Hour.Int64, TotalSpend: row.TotalSpend.Float64, D0ROAS: row.D0ROAS.Float64})
	}
	return out, nil
}
