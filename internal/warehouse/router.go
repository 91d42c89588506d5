package warehouse

import (
	"context"
	"fmt"
	"time"

	"adpipeline/internal/batch"
	"adpipeline/internal/models"
)

// Router splits the write path across the two datasets: BI-sourced tables and
// console-sourced tables live apart so each side can be granted and dropped
// independently.
type Router struct {
	byTable map[string]*Loader
}

// NewRouter wires each managed table to its dataset loader.
func NewRouter(quickbi, xmp *Loader) *Router {
	return &Router{byTable: map[string]*Loader{
		TableQuickBICampaigns:  quickbi,
		TableHourlySnapshots:   quickbi,
		TableDramaMapping:      quickbi,
		TableXMPCampaigns:      xmp,
		TableXMPMaterials:      xmp,
		TableXMPEditorStats:    xmp,
		TableXMPOptimizerStats: xmp,
		TableInternalCampaigns: xmp,
	}}
}

func (r *Router) loaderFor(table string) (*Loader, error) {
	l, ok := r.byTable[table]
	if !ok {
		return nil, fmt.Errorf("no dataset routes table %q", table)
	}
	return l, nil
}

func (r *Router) Append(ctx context.Context, table string, rows []models.Fact, batchID batch.ID, fetchedAt time.Time) (int, error) {
	l, err := r.loaderFor(table)
	if err != nil {
		return 0, err
	}
	return l.Append(ctx, table, rows, batchID, fetchedAt)
}

func (r *Router) UpsertMapping(ctx context.Context, table, keyCol string, rows []models.Fact, batchID batch.ID, fetchedAt time.Time) error {
	l, err := r.loaderFor(table)
	if err != nil {
		return err
	}
	return l.UpsertMapping(ctx, table, keyCol, rows, batchID, fetchedAt)
}
