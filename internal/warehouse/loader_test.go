package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"adpipeline/internal/batch"
	"adpipeline/internal/models"
)

func TestStageTableName(t *testing.T) {
	t.Parallel()

	got := stageTableName(TableQuickBICampaigns, batch.ID("20260116_143309"))
	if got != "quickbi_campaigns_stage_20260116_143309" {
		t.Fatalf("stage name = %q", got)
	}
	// Distinct batches must never share a stage.
	other := stageTableName(TableQuickBICampaigns, batch.ID("20260116_143310"))
	if got == other {
		t.Fatal("stage names collide across batches")
	}
}

func TestBuildStagePromote(t *testing.T) {
	t.Parallel()

	sql := BuildStagePromote("`p.d.quickbi_campaigns`", "`p.d.quickbi_campaigns_stage_20260116_143309`")
	want := "INSERT INTO `p.d.quickbi_campaigns` SELECT * FROM `p.d.quickbi_campaigns_stage_20260116_143309`"
	if sql != want {
		t.Fatalf("promote sql = %q", sql)
	}
	// A single statement: the promotion must not be split into per-chunk DML.
	if strings.Count(sql, ";") != 0 || strings.Count(sql, "INSERT") != 1 {
		t.Fatalf("promotion is not one statement: %q", sql)
	}
}

// chunkPutter counts Put calls and fails from a given call onward.
type chunkPutter struct {
	calls  int
	sizes  []int
	failAt int // 1-based call number; 0 never fails
}

func (p *chunkPutter) Put(_ context.Context, src any) error {
	p.calls++
	if rows, ok := src.([]models.Fact); ok {
		p.sizes = append(p.sizes, len(rows))
	}
	if p.failAt > 0 && p.calls >= p.failAt {
		return errors.New("insert rejected")
	}
	return nil
}

func factRows(n int) []models.Fact {
	out := make([]models.Fact, n)
	for i := range out {
		out[i] = &models.CampaignFact{CampaignID: fmt.Sprintf("c%d", i)}
	}
	return out
}

func TestStreamChunksSplitsAtBulkSize(t *testing.T) {
	t.Parallel()

	p := &chunkPutter{}
	n, err := streamChunks(context.Background(), p, "quickbi_campaigns", factRows(2500))
	if err != nil {
		t.Fatalf("streamChunks: %v", err)
	}
	if n != 2500 {
		t.Errorf("rows = %d, want 2500", n)
	}
	if len(p.sizes) != 3 || p.sizes[0] != 1000 || p.sizes[1] != 1000 || p.sizes[2] != 500 {
		t.Errorf("chunk sizes = %v", p.sizes)
	}
}

func TestStreamChunksStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	p := &chunkPutter{failAt: 2}
	n, err := streamChunks(context.Background(), p, "quickbi_campaigns", factRows(2500))
	if err == nil {
		t.Fatal("want error from rejected chunk")
	}
	if n != 1000 {
		t.Errorf("accepted rows before failure = %d, want 1000", n)
	}
	if !strings.Contains(err.Error(), "[1000,2000)") {
		t.Errorf("error does not name the failed range: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("calls = %d, want no further chunks after a failure", p.calls)
	}
}

func TestBuildMappingMergeLastWriteWins(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 16, 6, 0, 0, 0, time.UTC)
	rows := []*models.DramaMapping{
		{DramaID: "15000201", DramaName: "X", BatchID: "20260116_140000", FetchedAt: at},
		{DramaID: "15000201", DramaName: "Y", BatchID: "20260116_140000", FetchedAt: at},
	}

	sql := BuildMappingMerge("`p.d.drama_mapping`", "drama_id", rows)

	if strings.Count(sql, "SELECT ") != 1 {
		t.Fatalf("duplicate key must collapse to one source row:\n%s", sql)
	}
	if !strings.Contains(sql, "'Y' AS drama_name") {
		t.Fatalf("last write for the key must win:\n%s", sql)
	}
	if strings.Contains(sql, "'X' AS drama_name") {
		t.Fatalf("earlier name must be dropped:\n%s", sql)
	}
	if !strings.Contains(sql, "ON T.drama_id = S.drama_id") {
		t.Fatalf("merge key missing:\n%s", sql)
	}
	if !strings.Contains(sql, "WHEN MATCHED THEN UPDATE SET drama_name = S.drama_name") {
		t.Fatalf("update arm missing:\n%s", sql)
	}
}

func TestBuildMappingMergeMultipleKeys(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 16, 6, 0, 0, 0, time.UTC)
	rows := []*models.DramaMapping{
		{DramaID: "1", DramaName: "A", BatchID: "b", FetchedAt: at},
		{DramaID: "2", DramaName: "B", BatchID: "b", FetchedAt: at},
		{DramaID: "3", DramaName: "C", BatchID: "b", FetchedAt: at},
	}

	sql := BuildMappingMerge("`p.d.drama_mapping`", "drama_id", rows)
	if got := strings.Count(sql, "UNION ALL"); got != 2 {
		t.Fatalf("UNION ALL count=%d want 2:\n%s", got, sql)
	}
}

func TestSQLStringEscaping(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"plain", "'plain'"},
		{"o'brien", `'o\'brien'`},
		{`back\slash`, `'back\\slash'`},
	}
	for _, tc := range cases {
		if got := sqlString(tc.in); got != tc.want {
			t.Fatalf("sqlString(%q)=%s want %s", tc.in, got, tc.want)
		}
	}
}

func TestSchemaForCoversAllTables(t *testing.T) {
	t.Parallel()

	for table := range prototypes {
		schema, err := SchemaFor(table)
		if err != nil {
			t.Fatalf("SchemaFor(%s): %v", table, err)
		}
		have := map[string]bool{}
		for _, f := range schema {
			have[f.Name] = true
			if f.Required {
				t.Fatalf("%s.%s should be nullable", table, f.Name)
			}
		}
		for _, col := range RequiredColumns {
			if !have[col] {
				t.Fatalf("table %s schema missing %s", table, col)
			}
		}
	}

	if _, err := SchemaFor("nope"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}
