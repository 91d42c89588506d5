package query

import (
	"strings"
	"testing"
)

const testTable = "`proj.ds.quickbi_campaigns`"

// Every aggregate must read through the latest-batch-per-date join; a raw scan
// would double-count days that were ingested more than once.
func TestBuildersUseLatestJoin(t *testing.T) {
	topN, err := topNSQL(testTable, "country", "spend")
	if err != nil {
		t.Fatal(err)
	}

	builders := map[string]string{
		"daily":    dailySummarySQL(testTable),
		"window":   windowSummarySQL(testTable),
		"trend":    dailyTrendSQL(testTable),
		"topn":     topN,
		"optim":    optimizerAggSQL(testTable),
		"drama":    dramaStatsSQL(testTable, "`proj.ds.drama_mapping`"),
		"snapshot": hourlySnapshotSQL(testTable),
	}
	for name, sql := range builders {
		if !strings.Contains(sql, "MAX(batch_id)") {
			t.Errorf("%s: missing latest-batch reducer:\n%s", name, sql)
		}
		if !strings.Contains(sql, "USING (stat_date, batch_id)") {
			t.Errorf("%s: missing latest join:\n%s", name, sql)
		}
	}
}

func TestTopNSQLWhitelist(t *testing.T) {
	for _, tc := range []struct {
		dimension, measure string
		wantErr            bool
	}{
		{"country", "spend", false},
		{"campaign_name", "revenue", false},
		{"drama_id", "spend", false},
		{"editor_name", "spend", false},
		{"spend; DROP TABLE x", "spend", true},
		{"country", "spend); DELETE", true},
		{"optimizer", "spend", true},
	} {
		_, err := topNSQL(testTable, tc.dimension, tc.measure)
		if (err != nil) != tc.wantErr {
			t.Errorf("topNSQL(%q, %q) err = %v, wantErr %v", tc.dimension, tc.measure, err, tc.wantErr)
		}
	}
}

func TestDailySummarySQLParams(t *testing.T) {
	sql := dailySummarySQL(testTable)
	if !strings.Contains(sql, "@day") {
		t.Errorf("daily summary missing @day parameter:\n%s", sql)
	}
	if !strings.Contains(sql, "SAFE_DIVIDE") {
		t.Errorf("daily summary must not divide by zero spend:\n%s", sql)
	}
}

func TestDramaStatsSQLExcludesUnmapped(t *testing.T) {
	sql := dramaStatsSQL(testTable, "`proj.ds.drama_mapping`")
	if !strings.Contains(sql, "t.drama_id != ''") {
		t.Errorf("drama stats must skip rows without a drama id:\n%s", sql)
	}
	if !strings.Contains(sql, "LEFT JOIN") {
		t.Errorf("drama stats must keep dramas missing from the mapping:\n%s", sql)
	}
}
