package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"

	"adpipeline/internal/archive"
	"adpipeline/internal/config"
	"adpipeline/internal/creds"
	"adpipeline/internal/pipeline"
	"adpipeline/internal/provider"
	"adpipeline/internal/publish"
	"adpipeline/internal/warehouse"
)

// Runs one ingestion batch for the current calendar day (or T-1 when
// FETCH_YESTERDAY=true), same as a scheduled hourly tick.
//
// Exit codes: 0 success, 1 run failure (alarm emitted), 2 configuration error.
func main() {
	var noAlarm bool
	flag.BoolVar(&noAlarm, "no-alarm", false, "log alarms instead of posting to the ops webhook")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Printf("[ingest_now] config: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bqClient, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		log.Printf("[ingest_now] bigquery client: %v", err)
		os.Exit(2)
	}
	defer bqClient.Close()

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		log.Printf("[ingest_now] storage client: %v", err)
		os.Exit(2)
	}
	defer gcsClient.Close()

	archiver := archive.NewArchiver(gcsClient, cfg.BucketName)
	credStore := creds.NewStore(cfg.CredsDir, archiver)
	if cfg.XMPBaseURL != "" {
		capturer := provider.NewXHRReplayCapturer(cfg.XMPBaseURL)
		capturer.ClientID = cfg.XMPClientID
		capturer.ClientSecret = cfg.XMPClientSecret
		capturer.Username = cfg.XMPUsername
		capturer.Password = cfg.XMPPassword
		credStore.RegisterRefresher(provider.XMPProvider, &provider.CookieSessionRefresher{Capturer: capturer})
	}

	caps := provider.Caps{MaxPages: cfg.MaxPages, MaxRows: cfg.MaxRows}
	var adapters []provider.Adapter
	if cfg.AdsBaseURL != "" {
		adapters = append(adapters,
			provider.NewHMACRestAdapter(cfg.AdsBaseURL, cfg.AliyunAccessKeyID, cfg.AliyunAccessKeySecret, caps))
	}
	if cfg.QuickBIEndpoint != "" {
		adapters = append(adapters,
			provider.NewQuickBIAdapter(cfg.QuickBIEndpoint, cfg.QuickBIAPIID, cfg.QuickBIOverviewAPIID))
	}
	if cfg.XMPBaseURL != "" {
		adapters = append(adapters, provider.NewXMPAdapter(cfg.XMPBaseURL, credStore, caps))
	}
	if len(adapters) == 0 {
		log.Println("[ingest_now] no sources configured")
		os.Exit(2)
	}

	router := warehouse.NewRouter(
		warehouse.NewLoader(bqClient, cfg.ProjectID, cfg.QuickBIDatasetID),
		warehouse.NewLoader(bqClient, cfg.ProjectID, cfg.XMPDatasetID),
	)

	var alarmer publish.Alarmer = publish.LogAlarmer{}
	if cfg.LarkAlertWebhook != "" && !noAlarm {
		alarmer = publish.NewWebhookAlarmer(cfg.LarkAlertWebhook)
	}

	coordinator := pipeline.NewCoordinator(adapters, router, archiver, alarmer, nil)

	w := pipeline.IngestWindow(time.Now(), cfg.FetchYesterday)
	started := time.Now()
	log.Printf("[ingest_now] ingesting %s from %d sources", w, len(adapters))
	rec, err := coordinator.RunIngest(ctx, w)
	if err != nil {
		log.Printf("[ingest_now] %v", err)
		os.Exit(1)
	}
	if failed := rec.Failed(); failed > 0 {
		log.Printf("[ingest_now] batch %s finished with %d failed source(s) in %s",
			rec.BatchID, failed, time.Since(started).Truncate(time.Second))
		os.Exit(1)
	}
	log.Printf("[ingest_now] batch %s done in %s", rec.BatchID, time.Since(started).Truncate(time.Second))
}
