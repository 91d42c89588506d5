package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"cloud.google.com/go/storage"

	"adpipeline/internal/api"
	"adpipeline/internal/archive"
	"adpipeline/internal/batch"
	"adpipeline/internal/config"
	"adpipeline/internal/creds"
	"adpipeline/internal/pipeline"
	"adpipeline/internal/provider"
	"adpipeline/internal/publish"
	"adpipeline/internal/query"
	"adpipeline/internal/scheduler"
	"adpipeline/internal/warehouse"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	log.Println("Initializing ad pipeline...")

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	business, err := config.LoadBusiness(cfg.TeamsPath)
	if err != nil {
		log.Fatalf("Business config: %v", err)
	}
	log.Printf("Project: %s, datasets: %s / %s, bucket: %s",
		cfg.ProjectID, cfg.QuickBIDatasetID, cfg.XMPDatasetID, cfg.BucketName)

	ctx := context.Background()

	bqClient, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		log.Fatalf("BigQuery client: %v", err)
	}
	defer bqClient.Close()

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		log.Fatalf("Storage client: %v", err)
	}
	defer gcsClient.Close()

	archiver := archive.NewArchiver(gcsClient, cfg.BucketName)

	// Credentials: local files, mirrored to the bucket, console bearer
	// refreshed by cookie replay.
	credStore := creds.NewStore(cfg.CredsDir, archiver)
	if cfg.XMPBaseURL != "" {
		capturer := provider.NewXHRReplayCapturer(cfg.XMPBaseURL)
		capturer.ClientID = cfg.XMPClientID
		capturer.ClientSecret = cfg.XMPClientSecret
		capturer.Username = cfg.XMPUsername
		capturer.Password = cfg.XMPPassword
		credStore.RegisterRefresher(provider.XMPProvider, &provider.CookieSessionRefresher{Capturer: capturer})
	}

	// Sources. Each is optional: a deployment configures the upstreams it has.
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
		log.Fatal("No sources configured: set ADS_BASE_URL, QUICKBI_ENDPOINT or XMP_BASE_URL")
	}
	log.Printf("Sources: %d configured", len(adapters))

	// Warehouse write path: one loader per dataset, routed by table.
	router := warehouse.NewRouter(
		warehouse.NewLoader(bqClient, cfg.ProjectID, cfg.QuickBIDatasetID),
		warehouse.NewLoader(bqClient, cfg.ProjectID, cfg.XMPDatasetID),
	)

	var alarmer publish.Alarmer = publish.LogAlarmer{}
	if cfg.LarkAlertWebhook != "" {
		alarmer = publish.NewWebhookAlarmer(cfg.LarkAlertWebhook)
	}

	journal := pipeline.NewJournal(50)
	coordinator := pipeline.NewCoordinator(adapters, router, archiver, alarmer, journal)

	// Reports.
	store := query.NewStore(bqClient, cfg.ProjectID, cfg.QuickBIDatasetID, cfg.XMPDatasetID)
	var sinks []publish.Sink
	if cfg.LarkWebhookURL != "" {
		sinks = append(sinks, publish.NewCardSink(cfg.LarkWebhookURL, cfg.ChatTableRowCap))
	}
	if cfg.LarkAppID != "" && cfg.LarkDocTarget != "" {
		lark := publish.NewLarkClient(cfg.LarkBaseURL, cfg.LarkAppID, cfg.LarkAppSecret)
		sinks = append(sinks, publish.NewDocSink(lark, cfg.LarkDocTarget, cfg.DocTableRowCap))
	}
	reporter := pipeline.NewReporter(store, business, sinks, alarmer)

	// Schedule.
	sched := scheduler.New(alarmer)
	mustSchedule(sched, scheduler.SpecHourlyIngest, "hourly-ingest", func(ctx context.Context) error {
		_, err := coordinator.RunIngest(ctx, pipeline.IngestWindow(time.Now(), cfg.FetchYesterday))
		return err
	})
	mustSchedule(sched, scheduler.SpecNightlySweep, "nightly-sweep", func(ctx context.Context) error {
		_, err := coordinator.RunIngest(ctx, pipeline.WindowFor(batch.Yesterday(time.Now())))
		return err
	})
	if len(sinks) > 0 {
		mustSchedule(sched, scheduler.SpecDailyReport, "daily-report", func(ctx context.Context) error {
			return reporter.RunDaily(ctx, batch.Yesterday(time.Now()))
		})
		mustSchedule(sched, scheduler.SpecWeeklyReport, "weekly-report", func(ctx context.Context) error {
			start, end := previousWeek(time.Now())
			return reporter.RunWeekly(ctx, start, end)
		})
		mustSchedule(sched, scheduler.SpecIntradayReport, "intraday-report", func(ctx context.Context) error {
			return reporter.RunIntraday(ctx, batch.Today(time.Now()))
		})
	} else {
		log.Println("No report sinks configured, report jobs disabled")
	}
	sched.Start()

	// Status API.
	api.BuildCommit = BuildCommit
	server := api.NewServer(journal, sched, cfg.APIPort)
	go func() {
		log.Printf("Status API listening on :%s", cfg.APIPort)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server: %v", err)
		}
	}()

	// Block until shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down...", sig)

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	log.Println("Shutdown complete.")
}

func mustSchedule(s *scheduler.Scheduler, spec, name string, job scheduler.Job) {
	if err := s.Add(spec, name, job); err != nil {
		log.Fatalf("Schedule %s: %v", name, err)
	}
}

// previousWeek is the most recent complete Monday..Sunday window before now.
func previousWeek(now time.Time) (civil.Date, civil.Date) {
	today := batch.Today(now)
	weekday := int(now.In(batch.Location).Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	end := today.AddDays(-weekday) // last Sunday
	return end.AddDays(-6), end
}
