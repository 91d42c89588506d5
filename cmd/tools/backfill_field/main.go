package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"adpipeline/internal/config"
	"adpipeline/internal/warehouse"
)

// Repairs drama_id on the BI campaign facts for one date: rows ingested before
// a drama was mapped carry an empty drama_id until this (or the nightly sweep)
// re-derives it from drama_mapping.
//
// Exit codes: 0 success, 1 run failure, 2 configuration error.
func main() {
	var (
		dateStr string
		batchID string
	)
	flag.StringVar(&dateStr, "date", "", "stat date to repair, YYYYMMDD (required)")
	flag.StringVar(&batchID, "batch-id", "", "restrict the repair to one batch")
	flag.Parse()

	if dateStr == "" {
		log.Println("[backfill_field] -date is required")
		os.Exit(2)
	}
	t, err := time.Parse("20060102", dateStr)
	if err != nil {
		log.Printf("[backfill_field] bad -date %q: %v", dateStr, err)
		os.Exit(2)
	}
	day := civil.DateOf(t)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Printf("[backfill_field] config: %v", err)
		os.Exit(2)
	}

	ctx := context.Background()
	bqClient, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		log.Printf("[backfill_field] bigquery client: %v", err)
		os.Exit(2)
	}
	defer bqClient.Close()

	loader := warehouse.NewLoader(bqClient, cfg.ProjectID, cfg.QuickBIDatasetID)

	started := time.Now()
	if batchID != "" {
		log.Printf("[backfill_field] repairing drama_id for %s, batch %s", day, batchID)
	} else {
		log.Printf("[backfill_field] repairing drama_id for %s, all batches", day)
	}
	if err := loader.BackfillDramaID(ctx, day, batchID); err != nil {
		log.Printf("[backfill_field] %v", err)
		os.Exit(1)
	}
	log.Printf("[backfill_field] done in %s", time.Since(started).Truncate(time.Second))
}
