// Package query composes the closed set of parameterized aggregations the
// reports are built from. SQL builders and execution live in sql.go and
// store.go; this file holds the pure math so every rollup is verifiable
// against rows in memory, independent of the warehouse.
package query

import (
	"math"
	"sort"

	"cloud.google.com/go/civil"
)

// DailySummary is the single-day topline.
type DailySummary struct {
	Date    civil.Date
	Spend   float64
	Revenue float64
	ROAS    float64
	CPM     float64
}

// WeekSummary is the aggregate over one report week.
type WeekSummary struct {
	Start         civil.Date
	End           civil.Date
	Spend         float64
	Revenue       float64
	ROAS          float64
	DailyAvgSpend float64
	AvgCPM        float64
}

// WeekComparison is the current week against the previous one.
// SpendChange is a ratio of the previous spend; ROASChange is the difference
// of the two ROAS fractions (percentage points expressed as a fraction).
type WeekComparison struct {
	Current     WeekSummary
	Previous    WeekSummary
	SpendChange float64
	ROASChange  float64
}

// Compare fills the week-over-week deltas.
func Compare(current, previous WeekSummary) WeekComparison {
	c := WeekComparison{Current: current, Previous: previous}
	if previous.Spend > 0 {
		c.SpendChange = (current.Spend - previous.Spend) / previous.Spend
	}
	c.ROASChange = current.ROAS - previous.ROAS
	return c
}

// TrendPoint is one day of the daily trend, ordered ascending by date.
type TrendPoint struct {
	Date  civil.Date
	Spend float64
	ROAS  float64
}

// Ranked is one row of a top-N list, already ordered by the store query.
type Ranked struct {
	Name    string
	Measure float64
}

// PersonAgg is one person's window aggregate before ranking.
type PersonAgg struct {
	Name    string
	Spend   float64
	Revenue float64
}

// ROAS of the person's aggregate.
func (p PersonAgg) ROAS() float64 {
	if p.Spend <= 0 {
		return 0
	}
	return p.Revenue / p.Spend
}

// Rank-label names.
const (
	LabelSpendTop = "Spend Top1"
	LabelROASTop  = "ROAS Top1"
)

// PersonRank is one person's ranks and labels for a window.
type PersonRank struct {
	Name      string
	Spend     float64
	Revenue   float64
	ROAS      float64
	SpendRank int
	ROASRank  int
	Labels    []string
}

// RankLabels ranks people by spend and by ROAS, applying the minimum-spend
// gate. At most one person carries each Top1 label; ties break by the ranked
// measure then name ascending. People under the gate keep rank 0 and no label.
func RankLabels(people []PersonAgg, minSpend float64) []PersonRank {
	eligible := make([]PersonAgg, 0, len(people))
	for _, p := range people {
		if p.Spend >= minSpend {
			eligible = append(eligible, p)
		}
	}

	bySpend := append([]PersonAgg(nil), eligible...)
	sort.SliceStable(bySpend, func(i, j int) bool {
		if bySpend[i].Spend != bySpend[j].Spend {
			return bySpend[i].Spend > bySpend[j].Spend
		}
		return bySpend[i].Name < bySpend[j].Name
	})
	byROAS := append([]PersonAgg(nil), eligible...)
	sort.SliceStable(byROAS, func(i, j int) bool {
		if byROAS[i].ROAS() != byROAS[j].ROAS() {
			return byROAS[i].ROAS() > byROAS[j].ROAS()
		}
		return byROAS[i].Name < byROAS[j].Name
	})

	spendRank := make(map[string]int, len(bySpend))
	for i, p := range bySpend {
		spendRank[p.Name] = i + 1
	}
	roasRank := make(map[string]int, len(byROAS))
	for i, p := range byROAS {
		roasRank[p.Name] = i + 1
	}

	out := make([]PersonRank, 0, len(people))
	for _, p := range people {
		r := PersonRank{
			Name:      p.Name,
			Spend:     p.Spend,
			Revenue:   p.Revenue,
			ROAS:      p.ROAS(),
			SpendRank: spendRank[p.Name],
			ROASRank:  roasRank[p.Name],
		}
		if r.SpendRank == 1 {
			r.Labels = append(r.Labels, LabelSpendTop)
		}
		if r.ROASRank == 1 {
			r.Labels = append(r.Labels, LabelROASTop)
		}
		out = append(out, r)
	}
	return out
}

// DramaStat is one drama's window aggregate, with its week-over-week ROAS
// delta when a previous window is available.
type DramaStat struct {
	DramaID       string
	DramaName     string
	Spend         float64
	Revenue       float64
	ROAS          float64
	ROASChangeWoW float64
}

// TopDramasBySpend keeps the n highest-spend dramas, name ascending on ties.
func TopDramasBySpend(stats []DramaStat, n int) []DramaStat {
	out := append([]DramaStat(nil), stats...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Spend != out[j].Spend {
			return out[i].Spend > out[j].Spend
		}
		return out[i].DramaName < out[j].DramaName
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// BucketThresholds mirror the business config; see internal/config.
type BucketThresholds struct {
	TopSpend          float64
	TopROAS           float64
	PotentialSpendMin float64
	PotentialSpendMax float64
	PotentialROAS     float64
	DecliningROASDrop float64
	LosingSpendMin    float64
	LosingROAS        float64
}

// Buckets are the weekly drama categories. A drama may appear in more than
// one bucket (a top drama can also be declining).
type Buckets struct {
	Top       []DramaStat
	Potential []DramaStat
	Declining []DramaStat
	Losing    []DramaStat
}

// Categorize sorts dramas into the four buckets, each ordered by spend
// descending with name ascending tie-break.
func Categorize(stats []DramaStat, t BucketThresholds) Buckets {
	var b Buckets
	for _, s := range stats {
		if s.Spend > t.TopSpend && s.ROAS > t.TopROAS {
			b.Top = append(b.Top, s)
		}
		if s.Spend > t.PotentialSpendMin && s.Spend < t.PotentialSpendMax && s.ROAS > t.PotentialROAS {
			b.Potential = append(b.Potential, s)
		}
		if s.ROASChangeWoW < -t.DecliningROASDrop {
			b.Declining = append(b.Declining, s)
		}
		if s.Spend > t.LosingSpendMin && s.ROAS < t.LosingROAS {
			b.Losing = append(b.Losing, s)
		}
	}
	for _, bucket := range [][]DramaStat{b.Top, b.Potential, b.Declining, b.Losing} {
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].Spend != bucket[j].Spend {
				return bucket[i].Spend > bucket[j].Spend
			}
			return bucket[i].DramaName < bucket[j].DramaName
		})
	}
	return b
}

// TeamStat is one team's window rollup.
type TeamStat struct {
	Team          string
	Spend         float64
	Revenue       float64
	ROAS          float64
	CampaignCount int
}

// OptimizerAgg is one optimizer's window aggregate for the team rollup.
type OptimizerAgg struct {
	Name          string
	Spend         float64
	Revenue       float64
	CampaignCount int
}

// TeamRollup groups optimizer aggregates into teams using the one-way
// optimizer -> team map. Optimizers without a team land in "unassigned".
func TeamRollup(optimizers []OptimizerAgg, teamOf map[string]string) []TeamStat {
	agg := map[string]*TeamStat{}
	for _, o := range optimizers {
		team := teamOf[o.Name]
		if team == "" {
			team = "unassigned"
		}
		t := agg[team]
		if t == nil {
			t = &TeamStat{Team: team}
			agg[team] = t
		}
		t.Spend += o.Spend
		t.Revenue += o.Revenue
		t.CampaignCount += o.CampaignCount
	}

	out := make([]TeamStat, 0, len(agg))
	for _, t := range agg {
		if t.Spend > 0 {
			t.ROAS = t.Revenue / t.Spend
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spend != out[j].Spend {
			return out[i].Spend > out[j].Spend
		}
		return out[i].Team < out[j].Team
	})
	return out
}

// DatedRow is anything carrying the (stat_date, batch_id) pair the
// latest-batch reducer keys on.
type DatedRow interface {
	Date() civil.Date
	Batch() string
}

// FilterLatestBatch keeps, for each date, only rows from the maximum batch
// observed for that date. Raw cross-batch sums would double-count.
func FilterLatestBatch[T DatedRow](rows []T) []T {
	maxBatch := map[civil.Date]string{}
	for _, r := range rows {
		if b := r.Batch(); b > maxBatch[r.Date()] {
			maxBatch[r.Date()] = b
		}
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if r.Batch() == maxBatch[r.Date()] {
			out = append(out, r)
		}
	}
	return out
}

// RoundPct rounds a fraction to one decimal of a percent: 0.12345 -> 12.3.
func RoundPct(fraction float64) float64 {
	return math.Round(fraction*1000) / 10
}

// RoundCurrency rounds to the given number of decimals: 0 in summaries, 2 in
// tables.
func RoundCurrency(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
