package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"adpipeline/internal/batch"
	"adpipeline/internal/config"
	"adpipeline/internal/pipeline"
	"adpipeline/internal/publish"
	"adpipeline/internal/query"
)

// Exit codes: 0 success, 1 run failure (alarm emitted), 2 configuration error.
func main() {
	var (
		dateStr string
		chat    bool
		doc     bool
	)
	flag.StringVar(&dateStr, "date", "", "report date, YYYY-MM-DD (default yesterday)")
	flag.BoolVar(&chat, "chat", true, "publish the chat card")
	flag.BoolVar(&doc, "doc", false, "publish the document")
	flag.Parse()

	day := batch.Yesterday(time.Now())
	if dateStr != "" {
		var err error
		day, err = civil.ParseDate(dateStr)
		if err != nil {
			log.Printf("[report_daily] bad -date %q: %v", dateStr, err)
			os.Exit(2)
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Printf("[report_daily] config: %v", err)
		os.Exit(2)
	}
	business, err := config.LoadBusiness(cfg.TeamsPath)
	if err != nil {
		log.Printf("[report_daily] business config: %v", err)
		os.Exit(2)
	}

	ctx := context.Background()
	bqClient, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		log.Printf("[report_daily] bigquery client: %v", err)
		os.Exit(2)
	}
	defer bqClient.Close()

	sinks, code := buildSinks(cfg, chat, doc)
	if code != 0 {
		os.Exit(code)
	}

	var alarmer publish.Alarmer = publish.LogAlarmer{}
	if cfg.LarkAlertWebhook != "" {
		alarmer = publish.NewWebhookAlarmer(cfg.LarkAlertWebhook)
	}

	store := query.NewStore(bqClient, cfg.ProjectID, cfg.QuickBIDatasetID, cfg.XMPDatasetID)
	reporter := pipeline.NewReporter(store, business, sinks, alarmer)

	log.Printf("[report_daily] building report for %s", day)
	if err := reporter.RunDaily(ctx, day); err != nil {
		log.Printf("[report_daily] %v", err)
		os.Exit(1)
	}
	log.Printf("[report_daily] done")
}

func buildSinks(cfg *config.Config, chat, doc bool) ([]publish.Sink, int) {
	var sinks []publish.Sink
	if chat {
		if cfg.LarkWebhookURL == "" {
			log.Println("[report_daily] -chat requires LARK_WEBHOOK_URL")
			return nil, 2
		}
		sinks = append(sinks, publish.NewCardSink(cfg.LarkWebhookURL, cfg.ChatTableRowCap))
	}
	if doc {
		if cfg.LarkAppID == "" || cfg.LarkDocTarget == "" {
			log.Println("[report_daily] -doc requires LARK_APP_ID and LARK_DOC_TARGET")
			return nil, 2
		}
		lark := publish.NewLarkClient(cfg.LarkBaseURL, cfg.LarkAppID, cfg.LarkAppSecret)
		sinks = append(sinks, publish.NewDocSink(lark, cfg.LarkDocTarget, cfg.DocTableRowCap))
	}
	if len(sinks) == 0 {
		log.Println("[report_daily] no sinks selected")
		return nil, 2
	}
	return sinks, 0
}
