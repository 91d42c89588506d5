package report

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"

	"adpipeline/internal/query"
)

// DailyData carries everything the daily report renders.
type DailyData struct {
	Summary      query.DailySummary
	Trend        []query.TrendPoint // trailing window ending on the report day
	TopCountries []query.Ranked
	TopDramas    []query.DramaStat
	Optimizers   []query.PersonRank
	TopEditors   []query.Ranked
}

// ComposeDaily builds the T-1 daily report.
func ComposeDaily(d DailyData) Document {
	s := d.Summary
	doc := Document{Title: fmt.Sprintf("Daily Ad Report %s", s.Date)}

	doc.Sections = append(doc.Sections, Section{
		Heading: "Overview",
		Paragraphs: []string{
			fmt.Sprintf("Spend %s, revenue %s, ROAS %s, CPM %s.",
				moneyWhole(s.Spend), moneyWhole(s.Revenue), roas(s.ROAS), money(s.CPM)),
		},
	})

	if len(d.Trend) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Trend",
			Tables:  []Table{trendTable(d.Trend)},
		})
	}
	if len(d.TopCountries) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Top Countries by Spend",
			Tables:  []Table{rankedTable("Country", d.TopCountries)},
		})
	}
	if len(d.TopDramas) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Top Dramas",
			Tables:  []Table{dramaTable(d.TopDramas, false)},
		})
	}
	if len(d.Optimizers) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Optimizers",
			Tables:  []Table{optimizerTable(d.Optimizers)},
		})
	}
	if len(d.TopEditors) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Top Editors by Spend",
			Tables:  []Table{rankedTable("Editor", d.TopEditors)},
		})
	}
	return doc
}

// WeeklyData carries everything the weekly report renders.
type WeeklyData struct {
	Comparison query.WeekComparison
	Trend      []query.TrendPoint
	Buckets    query.Buckets
	Optimizers []query.PersonRank
	Teams      []query.TeamStat
	TopEditors []query.Ranked
}

// ComposeWeekly builds the week-over-week report.
func ComposeWeekly(d WeeklyData) Document {
	c := d.Comparison
	doc := Document{Title: fmt.Sprintf("Weekly Ad Report %s to %s", c.Current.Start, c.Current.End)}

	doc.Sections = append(doc.Sections, Section{
		Heading: "Overview",
		Paragraphs: []string{
			fmt.Sprintf("Spend %s (%s, %s WoW), revenue %s, ROAS %s (%s pts WoW).",
				moneyWhole(c.Current.Spend), signWord(c.SpendChange), pct(c.SpendChange),
				moneyWhole(c.Current.Revenue), roas(c.Current.ROAS), pct(c.ROASChange)),
			fmt.Sprintf("Daily average spend %s, average CPM %s.",
				moneyWhole(c.Current.DailyAvgSpend), money(c.Current.AvgCPM)),
		},
	})

	if len(d.Trend) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Daily Trend",
			Tables:  []Table{trendTable(d.Trend)},
		})
	}

	for _, bucket := range []struct {
		heading string
		stats   []query.DramaStat
	}{
		{"Top Dramas", d.Buckets.Top},
		{"Potential Dramas", d.Buckets.Potential},
		{"Declining Dramas", d.Buckets.Declining},
		{"Losing Dramas", d.Buckets.Losing},
	} {
		if len(bucket.stats) == 0 {
			continue
		}
		doc.Sections = append(doc.Sections, Section{
			Heading: bucket.heading,
			Tables:  []Table{dramaTable(bucket.stats, true)},
		})
	}

	if len(d.Optimizers) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Optimizers",
			Tables:  []Table{optimizerTable(d.Optimizers)},
		})
	}
	if len(d.Teams) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Teams",
			Tables:  []Table{teamTable(d.Teams)},
		})
	}
	if len(d.TopEditors) > 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading: "Top Editors by Spend",
			Tables:  []Table{rankedTable("Editor", d.TopEditors)},
		})
	}
	return doc
}

// ComposeIntraday builds the same-day snapshot report from the hourly curve.
func ComposeIntraday(day civil.Date, points []query.HourlyPoint) Document {
	doc := Document{Title: fmt.Sprintf("Intraday Snapshot %s", day)}

	if len(points) == 0 {
		doc.Sections = append(doc.Sections, Section{
			Heading:    "Overview",
			Paragraphs: []string{"No snapshot rows for today yet."},
		})
		return doc
	}

	latest := points[len(points)-1]
	doc.Sections = append(doc.Sections, Section{
		Heading: "Overview",
		Paragraphs: []string{
			fmt.Sprintf("As of hour %d: spend %s, D0 ROAS %s.",
				latest.Hour, moneyWhole(latest.TotalSpend), roas(latest.D0ROAS)),
		},
		Tables: []Table{hourlyTable(points)},
	})
	return doc
}

func trendTable(points []query.TrendPoint) Table {
	t := Table{Header: []string{"Date", "Spend", "ROAS"}}
	for _, p := range points {
		t.Rows = append(t.Rows, []string{p.Date.String(), moneyWhole(p.Spend), roas(p.ROAS)})
	}
	return t
}

func rankedTable(dimension string, rows []query.Ranked) Table {
	t := Table{Header: []string{dimension, "Spend"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.Name, moneyWhole(r.Measure)})
	}
	return t
}

func dramaTable(stats []query.DramaStat, withWoW bool) Table {
	header := []string{"Drama", "Spend", "Revenue", "ROAS"}
	if withWoW {
		header = append(header, "ROAS WoW")
	}
	t := Table{Header: header}
	for _, s := range stats {
		row := []string{s.DramaName, moneyWhole(s.Spend), moneyWhole(s.Revenue), roas(s.ROAS)}
		if withWoW {
			row = append(row, pct(s.ROASChangeWoW))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func optimizerTable(ranks []query.PersonRank) Table {
	t := Table{Header: []string{"Optimizer", "Spend", "Revenue", "ROAS", "Labels"}}
	for _, r := range ranks {
		t.Rows = append(t.Rows, []string{
			r.Name, moneyWhole(r.Spend), moneyWhole(r.Revenue), roas(r.ROAS),
			strings.Join(r.Labels, ", "),
		})
	}
	return t
}

func teamTable(teams []query.TeamStat) Table {
	t := Table{Header: []string{"Team", "Spend", "Revenue", "ROAS", "Campaigns"}}
	for _, s := range teams {
		t.Rows = append(t.Rows, []string{
			s.Team, moneyWhole(s.Spend), moneyWhole(s.Revenue), roas(s.ROAS),
			fmt.Sprintf("%d", s.CampaignCount),
		})
	}
	return t
}

func hourlyTable(points []query.HourlyPoint) Table {
	t := Table{Header: []string{"Hour", "Spend", "D0 ROAS"}}
	for _, p := range points {
		t.Rows = append(t.Rows, []string{
			fmt.Sprintf("%02d:00", p.Hour), moneyWhole(p.TotalSpend), roas(p.D0ROAS),
		})
	}
	return t
}
