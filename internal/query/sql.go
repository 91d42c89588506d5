package query

import (
	"fmt"
)

// latestPerDate is the reducer every aggregate joins first: for each calendar
// date, keep only rows tagged with the maximum batch_id observed for that
// date. Batch IDs order lexicographically == temporally, so MAX is "latest".
func latestPerDate(qualifiedTable string) string {
	return fmt.Sprintf(
		"(SELECT stat_date, MAX(batch_id) AS batch_id FROM %s GROUP BY stat_date)",
		qualifiedTable)
}

// withLatest wraps a table reference so downstream clauses read only the
// authoritative slice per date.
func withLatest(qualifiedTable string) string {
	return fmt.Sprintf("%s t JOIN %s latest USING (stat_date, batch_id)",
		qualifiedTable, latestPerDate(qualifiedTable))
}

func dailySummarySQL(campaignTable string) string {
	return fmt.Sprintf(`SELECT
  SUM(t.spend) AS spend,
  SUM(t.revenue) AS revenue,
  SAFE_DIVIDE(SUM(t.revenue), SUM(t.spend)) AS roas,
  SAFE_DIVIDE(SUM(t.spend) * 1000, SUM(t.impressions)) AS cpm
FROM %s
WHERE t.stat_date = @day`, withLatest(campaignTable))
}

func windowSummarySQL(campaignTable string) string {
	return fmt.Sprintf(`SELECT
  SUM(t.spend) AS spend,
  SUM(t.revenue) AS revenue,
  SAFE_DIVIDE(SUM(t.revenue), SUM(t.spend)) AS roas,
  SAFE_DIVIDE(SUM(t.spend), COUNT(DISTINCT t.stat_date)) AS daily_avg_spend,
  SAFE_DIVIDE(SUM(t.spend) * 1000, SUM(t.impressions)) AS avg_cpm
FROM %s
WHERE t.stat_date BETWEEN @start AND @end`, withLatest(campaignTable))
}

func dailyTrendSQL(campaignTable string) string {
	return fmt.Sprintf(`SELECT
  t.stat_date AS stat_date,
  SUM(t.spend) AS spend,
  SAFE_DIVIDE(SUM(t.revenue), SUM(t.spend)) AS roas
FROM %s
WHERE t.stat_date BETWEEN @start AND @end
GROUP BY stat_date
ORDER BY stat_date ASC`, withLatest(campaignTable))
}

// Dimensions and measures the top-N query accepts. Identifiers are inlined
// into SQL, so anything outside this set is rejected.
var (
	topNDimensions = map[string]bool{
		"campaign_name": true,
		"country":       true,
		"drama_id":      true,
		"editor_name":   true,
	}
	topNMeasures = map[string]bool{
		"spend":   true,
		"revenue": true,
	}
)

func topNSQL(table, dimension, measure string) (string, error) {
	if !topNDimensions[dimension] {
		return "", fmt.Errorf("unsupported top-n dimension %q", dimension)
	}
	if !topNMeasures[measure] {
		return "", fmt.Errorf("unsupported top-n measure %q", measure)
	}
	return fmt.Sprintf(`SELECT
  t.%s AS name,
  SUM(t.%s) AS measure
FROM %s
WHERE t.stat_date BETWEEN @start AND @end
GROUP BY name
ORDER BY measure DESC, name ASC
LIMIT @n`, dimension, measure, withLatest(table)), nil
}

func optimizerAggSQL(optimizerTable string) string {
	return fmt.Sprintf(`SELECT
  t.optimizer AS name,
  SUM(t.spend) AS spend,
  SUM(t.new_user_revenue + t.media_user_revenue) AS revenue,
  COUNT(DISTINCT t.campaign_id) AS campaign_count
FROM %s
WHERE t.stat_date BETWEEN @start AND @end
GROUP BY name`, withLatest(optimizerTable))
}

func dramaStatsSQL(campaignTable, mappingTable string) string {
	return fmt.Sprintf(`SELECT
  t.drama_id AS drama_id,
  ANY_VALUE(m.drama_name) AS drama_name,
  SUM(t.spend) AS spend,
  SUM(t.revenue) AS revenue,
  SAFE_DIVIDE(SUM(t.revenue), SUM(t.spend)) AS roas
FROM %s
LEFT JOIN %s m ON m.drama_id = t.drama_id
WHERE t.stat_date BETWEEN @start AND @end AND t.drama_id != ''
GROUP BY drama_id`, withLatest(campaignTable), mappingTable)
}

func hourlySnapshotSQL(snapshotTable string) string {
	return fmt.Sprintf(`SELECT
  t.hour AS hour,
  t.total_spend AS total_spend,
  t.d0_roas AS d0_roas
FROM %s
WHERE t.stat_date = @day
ORDER BY hour ASC`, withLatest(snapshotTable))
}
