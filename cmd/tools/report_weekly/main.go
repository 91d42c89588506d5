package main

import (
	"context"
	"flag"
	"log"
	"os"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"adpipeline/internal/config"
	"adpipeline/internal/pipeline"
	"adpipeline/internal/publish"
	"adpipeline/internal/query"
)

// Exit codes: 0 success, 1 run failure (alarm emitted), 2 configuration error.
func main() {
	var (
		endStr string
		days   int
		chat   bool
		doc    bool
	)
	flag.StringVar(&endStr, "end", "", "window end date, YYYY-MM-DD (required)")
	flag.IntVar(&days, "days", 7, "window length in days")
	flag.BoolVar(&chat, "chat", true, "publish the chat card")
	flag.BoolVar(&doc, "doc", true, "publish the document")
	flag.Parse()

	if endStr == "" {
		log.Println("[report_weekly] -end is required")
		os.Exit(2)
	}
	end, err := civil.ParseDate(endStr)
	if err != nil {
		log.Printf("[report_weekly] bad -end %q: %v", endStr, err)
		os.Exit(2)
	}
	if days < 1 {
		log.Printf("[report_weekly] -days must be >= 1, got %d", days)
		os.Exit(2)
	}
	start := end.AddDays(-(days - 1))

	cfg, err := config.FromEnv()
	if err != nil {
		log.Printf("[report_weekly] config: %v", err)
		os.Exit(2)
	}
	business, err := config.LoadBusiness(cfg.TeamsPath)
	if err != nil {
		log.Printf("[report_weekly] business config: %v", err)
		os.Exit(2)
	}

	ctx := context.Background()
	bqClient, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		log.Printf("[report_weekly] bigquery client: %v", err)
		os.Exit(2)
	}
	defer bqClient.Close()

	var sinks []publish.Sink
	if chat {
		if cfg.LarkWebhookURL == "" {
			log.Println("[report_weekly] -chat requires LARK_WEBHOOK_URL")
			os.Exit(2)
		}
		sinks = append(sinks, publish.NewCardSink(cfg.LarkWebhookURL, cfg.ChatTableRowCap))
	}
	if doc {
		if cfg.LarkAppID == "" || cfg.LarkDocTarget == "" {
			log.Println("[report_weekly] -doc requires LARK_APP_ID and LARK_DOC_TARGET")
			os.Exit(2)
		}
		lark := publish.NewLarkClient(cfg.LarkBaseURL, cfg.LarkAppID, cfg.LarkAppSecret)
		sinks = append(sinks, publish.NewDocSink(lark, cfg.LarkDocTarget, cfg.DocTableRowCap))
	}
	if len(sinks) == 0 {
		log.Println("[report_weekly] no sinks selected")
		os.Exit(2)
	}

	var alarmer publish.Alarmer = publish.LogAlarmer{}
	if cfg.LarkAlertWebhook != "" {
		alarmer = publish.NewWebhookAlarmer(cfg.LarkAlertWebhook)
	}

	store := query.NewStore(bqClient, cfg.ProjectID, cfg.QuickBIDatasetID, cfg.XMPDatasetID)
	reporter := pipeline.NewReporter(store, business, sinks, alarmer)

	log.Printf("[report_weekly] building report for %s..%s", start, end)
	if err := reporter.RunWeekly(ctx, start, end); err != nil {
		log.Printf("[report_weekly] %v", err)
		os.Exit(1)
	}
	log.Printf("[report_weekly] done")
}
