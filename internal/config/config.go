package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the full environment-derived configuration, loaded once in main
// and passed through the component graph.
type Config struct {
	// Warehouse
	ProjectID        string // BQ_PROJECT_ID
	QuickBIDatasetID string // QUICKBI_BQ_DATASET_ID
	XMPDatasetID     string // XMP_DATASET_ID

	// Blob archive
	BucketName string // GCS_BUCKET_NAME

	// HMAC-REST provider (internal ad management)
	AdsBaseURL            string
	AliyunAccessKeyID     string
	AliyunAccessKeySecret string

	// Signed-BI provider
	QuickBIEndpoint      string
	QuickBIAPIID         string
	QuickBIOverviewAPIID string

	// Bearer-REST provider
	XMPBaseURL      string
	XMPClientID     string
	XMPClientSecret string
	XMPUsername     string // interactive-login fallback
	XMPPassword     string

	// Publisher
	LarkBaseURL      string
	LarkAppID        string
	LarkAppSecret    string
	LarkWebhookURL   string
	LarkAlertWebhook string
	LarkDocTarget    string // doc token, or "wiki:{node}" for a wiki page

	// Ingest mode
	FetchYesterday bool

	// Safety bounds and caps
	MaxPages        int // hard pagination cap per extraction
	MaxRows         int // hard row cap per extraction
	DocTableRowCap  int // platform table row cap per create call
	ChatTableRowCap int // chat card truncation cap

	// Ops
	APIPort   string
	CredsDir  string // where {provider}_token.json / {provider}_cookies.json live
	TeamsPath string // YAML business config (teams, thresholds)
}

// FromEnv builds a Config from the process environment. A .env file in the
// working directory is merged first when present (existing env wins).
// Missing required keys are reported together so the operator fixes them in
// one pass.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ProjectID:             os.Getenv("BQ_PROJECT_ID"),
		QuickBIDatasetID:      getEnvDefault("QUICKBI_BQ_DATASET_ID", "quickbi"),
		XMPDatasetID:          getEnvDefault("XMP_DATASET_ID", "xmp"),
		BucketName:            os.Getenv("GCS_BUCKET_NAME"),
		AdsBaseURL:            os.Getenv("ADS_BASE_URL"),
		AliyunAccessKeyID:     os.Getenv("ALIYUN_ACCESS_KEY_ID"),
		AliyunAccessKeySecret: os.Getenv("ALIYUN_ACCESS_KEY_SECRET"),
		QuickBIEndpoint:       os.Getenv("QUICKBI_ENDPOINT"),
		QuickBIAPIID:          os.Getenv("QUICKBI_API_ID"),
		QuickBIOverviewAPIID:  os.Getenv("QUICKBI_OVERVIEW_API_ID"),
		XMPBaseURL:            os.Getenv("XMP_BASE_URL"),
		XMPClientID:           os.Getenv("XMP_CLIENT_ID"),
		XMPClientSecret:       os.Getenv("XMP_CLIENT_SECRET"),
		XMPUsername:           os.Getenv("XMP_USERNAME"),
		XMPPassword:           os.Getenv("XMP_PASSWORD"),
		LarkBaseURL:           os.Getenv("LARK_BASE_URL"),
		LarkAppID:             os.Getenv("LARK_APP_ID"),
		LarkAppSecret:         os.Getenv("LARK_APP_SECRET"),
		LarkWebhookURL:        os.Getenv("LARK_WEBHOOK_URL"),
		LarkAlertWebhook:      os.Getenv("LARK_ALERT_WEBHOOK"),
		LarkDocTarget:         os.Getenv("LARK_DOC_TARGET"),
		FetchYesterday:        os.Getenv("FETCH_YESTERDAY") == "true",
		MaxPages:              getEnvInt("MAX_PAGES", 500),
		MaxRows:               getEnvInt("MAX_ROWS", 500000),
		DocTableRowCap:        getEnvInt("DOC_TABLE_ROW_CAP", 5),
		ChatTableRowCap:       getEnvInt("CHAT_TABLE_ROW_CAP", 10),
		APIPort:               getEnvDefault("PORT", "8080"),
		CredsDir:              getEnvDefault("CREDS_DIR", "."),
		TeamsPath:             getEnvDefault("TEAMS_CONFIG", "teams.yaml"),
	}

	var missing []string
	for _, kv := range []struct{ key, val string }{
		{"BQ_PROJECT_ID", cfg.ProjectID},
		{"GCS_BUCKET_NAME", cfg.BucketName},
	} {
		if kv.val == "" {
			missing = append(missing, kv.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %v", missing)
	}

	if cfg.DocTableRowCap < 1 {
		return nil, fmt.Errorf("DOC_TABLE_ROW_CAP must be >= 1, got %d", cfg.DocTableRowCap)
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}
