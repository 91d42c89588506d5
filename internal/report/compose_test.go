package report

import (
	"strings"
	"testing"

	"cloud.google.com/go/civil"

	"adpipeline/internal/query"
)

func TestComposeDaily(t *testing.T) {
	day := civil.Date{Year: 2026, Month: 1, Day: 15}
	doc := ComposeDaily(DailyData{
		Summary: query.DailySummary{Date: day, Spend: 12345.6, Revenue: 6789.1, ROAS: 0.55, CPM: 1.234},
		Trend: []query.TrendPoint{
			{Date: day.AddDays(-1), Spend: 11000, ROAS: 0.5},
			{Date: day, Spend: 12345.6, ROAS: 0.55},
		},
		TopCountries: []query.Ranked{{Name: "US", Measure: 8000}},
	})

	if doc.Title != "Daily Ad Report 2026-01-15" {
		t.Errorf("title = %q", doc.Title)
	}
	if len(doc.Sections) != 3 {
		t.Fatalf("got %d sections, want 3 (empty ones skipped)", len(doc.Sections))
	}
	overview := doc.Sections[0].Paragraphs[0]
	if !strings.Contains(overview, "Spend 12346") || !strings.Contains(overview, "ROAS 0.55") {
		t.Errorf("overview = %q", overview)
	}
	if got := doc.Sections[1].Tables[0]; len(got.Rows) != 2 || got.Rows[1][0] != "2026-01-15" {
		t.Errorf("trend table = %+v", got)
	}
}

func TestComposeWeekly(t *testing.T) {
	cur := query.WeekSummary{
		Start: civil.Date{Year: 2026, Month: 1, Day: 12},
		End:   civil.Date{Year: 2026, Month: 1, Day: 18},
		Spend: 1000, Revenue: 500, ROAS: 0.5, DailyAvgSpend: 142.9, AvgCPM: 2.5,
	}
	prev := query.WeekSummary{Spend: 800, Revenue: 500, ROAS: 0.625}

	doc := ComposeWeekly(WeeklyData{
		Comparison: query.Compare(cur, prev),
		Buckets: query.Buckets{
			Top: []query.DramaStat{{DramaID: "d1", DramaName: "alpha", Spend: 20000, Revenue: 11000, ROAS: 0.55, ROASChangeWoW: 0.05}},
		},
		Optimizers: []query.PersonRank{
			{Name: "alice", Spend: 23000, Revenue: 13700, ROAS: 0.5957, SpendRank: 1, Labels: []string{query.LabelSpendTop}},
		},
		Teams: []query.TeamStat{{Team: "growth", Spend: 400, Revenue: 110, ROAS: 0.275, CampaignCount: 5}},
	})

	overview := doc.Sections[0].Paragraphs[0]
	if !strings.Contains(overview, "up, +25.0% WoW") {
		t.Errorf("overview missing spend delta: %q", overview)
	}
	if !strings.Contains(overview, "-12.5% pts WoW") {
		t.Errorf("overview missing roas delta: %q", overview)
	}

	var headings []string
	for _, s := range doc.Sections {
		headings = append(headings, s.Heading)
	}
	want := []string{"Overview", "Top Dramas", "Optimizers", "Teams"}
	if strings.Join(headings, "|") != strings.Join(want, "|") {
		t.Errorf("headings = %v, want %v", headings, want)
	}

	opt := doc.Sections[2].Tables[0]
	if opt.Rows[0][4] != query.LabelSpendTop {
		t.Errorf("optimizer labels cell = %q", opt.Rows[0][4])
	}
}

func TestComposeIntraday(t *testing.T) {
	day := civil.Date{Year: 2026, Month: 1, Day: 15}

	doc := ComposeIntraday(day, nil)
	if !strings.Contains(doc.Sections[0].Paragraphs[0], "No snapshot rows") {
		t.Errorf("empty-day report = %+v", doc.Sections[0])
	}

	doc = ComposeIntraday(day, []query.HourlyPoint{
		{Hour: 9, TotalSpend: 4000, D0ROAS: 0.12},
		{Hour: 10, TotalSpend: 4600, D0ROAS: 0.14},
	})
	overview := doc.Sections[0].Paragraphs[0]
	if !strings.Contains(overview, "As of hour 10") || !strings.Contains(overview, "4600") {
		t.Errorf("overview = %q", overview)
	}
	table := doc.Sections[0].Tables[0]
	if table.Rows[0][0] != "09:00" {
		t.Errorf("hour cell = %q, want zero-padded", table.Rows[0][0])
	}
}
