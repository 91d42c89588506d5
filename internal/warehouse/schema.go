package warehouse

import (
	"fmt"

	"cloud.google.com/go/bigquery"

	"adpipeline/internal/models"
)

// Table names. Every table carries batch_id STRING and fetched_at TIMESTAMP;
// fact tables additionally carry stat_date DATE.
const (
	TableQuickBICampaigns  = "quickbi_campaigns"
	TableHourlySnapshots   = "hourly_snapshots"
	TableXMPCampaigns      = "xmp_campaigns"
	TableXMPMaterials      = "xmp_materials"
	TableXMPEditorStats    = "xmp_editor_stats"
	TableXMPOptimizerStats = "xmp_optimizer_stats"
	TableInternalCampaigns = "xmp_internal_campaigns"
	TableDramaMapping      = "drama_mapping"
)

// prototypes maps each table to the row struct its schema is inferred from.
var prototypes = map[string]any{
	TableQuickBICampaigns:  models.CampaignFact{},
	TableHourlySnapshots:   models.HourlySnapshot{},
	TableXMPCampaigns:      models.CampaignFact{},
	TableXMPMaterials:      models.MaterialFact{},
	TableXMPEditorStats:    models.EditorRollup{},
	TableXMPOptimizerStats: models.AdSpendFact{},
	TableInternalCampaigns: models.CampaignFact{},
	TableDramaMapping:      models.DramaMapping{},
}

// SchemaFor returns the BigQuery schema of a known table.
func SchemaFor(table string) (bigquery.Schema, error) {
	proto, ok := prototypes[table]
	if !ok {
		return nil, fmt.Errorf("unknown warehouse table %q", table)
	}
	schema, err := bigquery.InferSchema(proto)
	if err != nil {
		return nil, fmt.Errorf("infer schema for %s: %w", table, err)
	}
	// Appends never write NULL; keep columns nullable anyway so later struct
	// fields can land without migrating history.
	relaxed := make(bigquery.Schema, len(schema))
	for i, f := range schema {
		clone := *f
		clone.Required = false
		relaxed[i] = &clone
	}
	return relaxed, nil
}

// KnownTable reports whether the loader manages this table.
func KnownTable(table string) bool {
	_, ok := prototypes[table]
	return ok
}

// RequiredColumns lists the ingestion-metadata columns every managed table
// must carry. Append rejects targets missing any of them.
var RequiredColumns = []string{"batch_id", "fetched_at"}
