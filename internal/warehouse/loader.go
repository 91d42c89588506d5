// Package warehouse is the write path to the columnar store. Every ingestion
// run appends an immutable, batch-tagged slice; nothing is updated or deleted
// except the mapping tables, which merge by key. Read-time queries reduce to
// the latest batch per date (see internal/query).
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"adpipeline/internal/batch"
	"adpipeline/internal/models"
)

// bulkChunk is the row count per insert RPC.
const bulkChunk = 1000

// Loader appends normalized rows to dataset tables, creating schemas on
// demand. The idempotency key is (table, batch_id): re-appending a batch that
// is already present is a no-op.
type Loader struct {
	client  *bigquery.Client
	project string
	dataset string
}

func NewLoader(client *bigquery.Client, project, dataset string) *Loader {
	return &Loader{client: client, project: project, dataset: dataset}
}

func (l *Loader) qualified(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", l.project, l.dataset, table)
}

// stageExpiry bounds how long an orphaned stage table survives a crashed run.
const stageExpiry = 24 * time.Hour

// stageTableName is the per-(table, batch) scratch table a bulk streams into
// before promotion.
func stageTableName(table string, batchID batch.ID) string {
	return fmt.Sprintf("%s_stage_%s", table, batchID)
}

// BuildStagePromote renders the single INSERT..SELECT that moves a staged
// batch into its target table. One DML statement, so the batch lands whole or
// not at all.
func BuildStagePromote(targetTable, stageTable string) string {
	return fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", targetTable, stageTable)
}

// rowPutter is the streaming-insert surface of a table inserter.
type rowPutter interface {
	Put(ctx context.Context, src any) error
}

// streamChunks streams rows in bulkChunk slices. Returns how many rows were
// accepted before the first failure.
func streamChunks(ctx context.Context, ins rowPutter, table string, rows []models.Fact) (int, error) {
	for start := 0; start < len(rows); start += bulkChunk {
		end := start + bulkChunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := ins.Put(ctx, rows[start:end]); err != nil {
			return start, fmt.Errorf("append %s rows [%d,%d): %w", table, start, end, err)
		}
	}
	return len(rows), nil
}

// Append bulk-appends rows tagged with the batch metadata. Returns the number
// of rows written (0 when the batch was already present).
//
// Chunked streaming inserts are not atomic, so rows go to a per-batch stage
// table first and move into the target with one INSERT..SELECT on completion.
// Readers of the target therefore see a batch completely or not at all, and a
// half-streamed stage from a failed run never becomes the date's MAX(batch_id)
// slice.
func (l *Loader) Append(ctx context.Context, table string, rows []models.Fact, batchID batch.ID, fetchedAt time.Time) (int, error) {
	if !KnownTable(table) {
		return 0, fmt.Errorf("append to unknown table %q", table)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := l.ensureTable(ctx, table); err != nil {
		return 0, err
	}

	exists, err := l.batchExists(ctx, table, batchID)
	if err != nil {
		return 0, err
	}
	if exists {
		log.Printf("[warehouse] %s batch %s already appended, skipping %d rows", table, batchID, len(rows))
		return 0, nil
	}

	for _, row := range rows {
		row.Tag(batchID.String(), fetchedAt)
	}

	schema, err := SchemaFor(table)
	if err != nil {
		return 0, err
	}
	stage := l.client.Dataset(l.dataset).Table(stageTableName(table, batchID))
	if err := stage.Create(ctx, &bigquery.TableMetadata{
		Schema:         schema,
		ExpirationTime: time.Now().Add(stageExpiry),
	}); err != nil && !isAlreadyExists(err) {
		return 0, fmt.Errorf("create stage for %s batch %s: %w", table, batchID, err)
	}

	n, err := streamChunks(ctx, stage.Inserter(), table, rows)
	if err != nil {
		l.dropStage(ctx, stage, table, batchID)
		return 0, err
	}

	sql := BuildStagePromote(l.qualified(table), l.qualified(stage.TableID))
	if err := l.runDML(ctx, sql); err != nil {
		l.dropStage(ctx, stage, table, batchID)
		return 0, fmt.Errorf("promote %s batch %s: %w", table, batchID, err)
	}
	l.dropStage(ctx, stage, table, batchID)

	log.Printf("[warehouse] appended %d rows to %s (batch %s)", n, table, batchID)
	return n, nil
}

// dropStage deletes a stage table best-effort; a leftover expires on its own.
func (l *Loader) dropStage(ctx context.Context, stage *bigquery.Table, table string, batchID batch.ID) {
	if err := stage.Delete(ctx); err != nil && !isNotFound(err) {
		log.Printf("[warehouse] drop stage for %s batch %s: %v (expires in %s)", table, batchID, err, stageExpiry)
	}
}

// runDML runs one DML statement to completion.
func (l *Loader) runDML(ctx context.Context, sql string) error {
	job, err := l.client.Query(sql).Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

// UpsertMapping merges rows into a key-mapped table, last write wins on key
// conflict. Used for the drama name mapping.
func (l *Loader) UpsertMapping(ctx context.Context, table, keyCol string, rows []models.Fact, batchID batch.ID, fetchedAt time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	if err := l.ensureTable(ctx, table); err != nil {
		return err
	}

	for _, row := range rows {
		row.Tag(batchID.String(), fetchedAt)
	}

	mappings := make([]*models.DramaMapping, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(*models.DramaMapping)
		if !ok {
			return fmt.Errorf("upsert into %s: unsupported row type %T", table, row)
		}
		mappings = append(mappings, m)
	}

	sql := BuildMappingMerge(l.qualified(table), keyCol, mappings)
	q := l.client.Query(sql)
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("merge %s: %w", table, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("merge %s: %w", table, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("merge %s: %w", table, err)
	}
	return nil
}

// BuildMappingMerge renders the last-write-wins MERGE for a mapping table.
// Rows are deduplicated on the key first (later entries win) because a MERGE
// source must not match one target row twice.
func BuildMappingMerge(qualifiedTable, keyCol string, rows []*models.DramaMapping) string {
	byKey := make(map[string]*models.DramaMapping, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, seen := byKey[r.DramaID]; !seen {
			order = append(order, r.DramaID)
		}
		byKey[r.DramaID] = r
	}

	var src strings.Builder
	for i, key := range order {
		r := byKey[key]
		if i > 0 {
			src.WriteString(" UNION ALL ")
		}
		fmt.Fprintf(&src, "SELECT %s AS drama_id, %s AS drama_name, %s AS batch_id, TIMESTAMP(%s) AS fetched_at",
			sqlString(r.DramaID), sqlString(r.DramaName), sqlString(r.BatchID),
			sqlString(r.FetchedAt.UTC().Format("2006-01-02 15:04:05")))
	}

	return fmt.Sprintf(`MERGE %s T
USING (%s) S
ON T.%s = S.%s
WHEN MATCHED THEN UPDATE SET drama_name = S.drama_name, batch_id = S.batch_id, fetched_at = S.fetched_at
WHEN NOT MATCHED THEN INSERT (drama_id, drama_name, batch_id, fetched_at)
VALUES (S.drama_id, S.drama_name, S.batch_id, S.fetched_at)`,
		qualifiedTable, src.String(), keyCol, keyCol)
}

// BackfillDramaID fills empty drama_id values on the BI campaign facts for
// one date by locating a mapped drama name inside the campaign name. Rows
// ingested before a drama was mapped stay blank until this runs; the nightly
// sweep usually repairs them, this is the manual path.
func (l *Loader) BackfillDramaID(ctx context.Context, day civil.Date, batchID string) error {
	sql := BuildDramaBackfill(l.qualified(TableQuickBICampaigns), l.qualified(TableDramaMapping), batchID != "")
	q := l.client.Query(sql)
	q.Parameters = []bigquery.QueryParameter{{Name: "day", Value: day}}
	if batchID != "" {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Name: "batch_id", Value: batchID})
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("backfill drama_id: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("backfill drama_id: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("backfill drama_id: %w", err)
	}
	log.Printf("[warehouse] drama_id backfill done for %s", day)
	return nil
}

// BuildDramaBackfill renders the drama_id repair UPDATE.
func BuildDramaBackfill(campaignTable, mappingTable string, withBatch bool) string {
	where := "t.stat_date = @day AND t.drama_id = ''"
	if withBatch {
		where += " AND t.batch_id = @batch_id"
	}
	return fmt.Sprintf(`UPDATE %s t
SET drama_id = m.drama_id
FROM %s m
WHERE %s AND m.drama_name != '' AND STRPOS(t.campaign_name, m.drama_name) > 0`,
		campaignTable, mappingTable, where)
}

func sqlString(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

// ensureTable creates the table with its inferred schema on first use and
// rejects existing tables missing the ingestion-metadata columns.
func (l *Loader) ensureTable(ctx context.Context, table string) error {
	t := l.client.Dataset(l.dataset).Table(table)
	md, err := t.Metadata(ctx)
	if isNotFound(err) {
		schema, serr := SchemaFor(table)
		if serr != nil {
			return serr
		}
		if cerr := t.Create(ctx, &bigquery.TableMetadata{Schema: schema}); cerr != nil {
			// Lost a create race with a concurrent tool run; re-check.
			if isAlreadyExists(cerr) {
				return nil
			}
			return fmt.Errorf("create table %s: %w", table, cerr)
		}
		log.Printf("[warehouse] created table %s.%s", l.dataset, table)
		return nil
	}
	if err != nil {
		return fmt.Errorf("table %s metadata: %w", table, err)
	}

	have := make(map[string]bool, len(md.Schema))
	for _, f := range md.Schema {
		have[f.Name] = true
	}
	for _, col := range RequiredColumns {
		if !have[col] {
			return fmt.Errorf("table %s is missing required column %q", table, col)
		}
	}
	return nil
}

// batchExists pre-checks the (table, batch_id) idempotency key. Only
// completed batches are visible here: a failed run leaves nothing in the
// target (its stage is dropped), so a repair run is never suppressed.
func (l *Loader) batchExists(ctx context.Context, table string, batchID batch.ID) (bool, error) {
	q := l.client.Query(fmt.Sprintf(
		"SELECT COUNT(*) AS n FROM %s WHERE batch_id = @batch_id", l.qualified(table)))
	q.Parameters = []bigquery.QueryParameter{{Name: "batch_id", Value: batchID.String()}}

	it, err := q.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("batch pre-check %s: %w", table, err)
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return false, nil
		}
		return false, fmt.Errorf("batch pre-check %s: %w", table, err)
	}
	n, _ := row[0].(int64)
	return n > 0, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 409
}
