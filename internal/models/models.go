package models

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/civil"
)

// Channel is the advertising platform family a row belongs to.
type Channel string

const (
	ChannelFacebook Channel = "facebook"
	ChannelTikTok   Channel = "tiktok"
	ChannelOther    Channel = "other"
)

// NormalizeChannel maps upstream channel spellings ("meta", "fb", "tt", ...)
// onto the canonical enum. Unknown values land in ChannelOther.
func NormalizeChannel(raw string) Channel {
	switch raw {
	case "facebook", "fb", "meta", "Facebook", "Meta":
		return ChannelFacebook
	case "tiktok", "tt", "TikTok", "Tiktok":
		return ChannelTikTok
	default:
		return ChannelOther
	}
}

// AdSpendFact represents one row of the 'xmp_optimizer_stats' table:
// per-campaign spend attributed to the optimizer who runs it.
type AdSpendFact struct {
	StatDate         civil.Date `bigquery:"stat_date" json:"stat_date"`
	BatchID          string     `bigquery:"batch_id" json:"batch_id"`
	FetchedAt        time.Time  `bigquery:"fetched_at" json:"fetched_at"`
	Channel          Channel    `bigquery:"channel" json:"channel"`
	CampaignID       string     `bigquery:"campaign_id" json:"campaign_id"`
	CampaignName     string     `bigquery:"campaign_name" json:"campaign_name"`
	Optimizer        string     `bigquery:"optimizer" json:"optimizer"`
	Country          string     `bigquery:"country" json:"country"`
	Spend            float64    `bigquery:"spend" json:"spend"`
	NewUserRevenue   float64    `bigquery:"new_user_revenue" json:"new_user_revenue"`
	MediaUserRevenue float64    `bigquery:"media_user_revenue" json:"media_user_revenue"`
	Impressions      int64      `bigquery:"impressions" json:"impressions"`
	Clicks           int64      `bigquery:"clicks" json:"clicks"`
	Installs         int64      `bigquery:"installs" json:"installs"`
}

// EditorRollup represents one row of the 'xmp_editor_stats' table:
// creative performance rolled up per editor.
type EditorRollup struct {
	StatDate         civil.Date `bigquery:"stat_date" json:"stat_date"`
	BatchID          string     `bigquery:"batch_id" json:"batch_id"`
	FetchedAt        time.Time  `bigquery:"fetched_at" json:"fetched_at"`
	Channel          Channel    `bigquery:"channel" json:"channel"`
	EditorName       string     `bigquery:"editor_name" json:"editor_name"`
	Spend            float64    `bigquery:"spend" json:"spend"`
	Revenue          float64    `bigquery:"revenue" json:"revenue"`
	ROAS             float64    `bigquery:"roas" json:"roas"`
	MaterialCount    int64      `bigquery:"material_count" json:"material_count"`
	HotCount         int64      `bigquery:"hot_count" json:"hot_count"`
	HotRate          float64    `bigquery:"hot_rate" json:"hot_rate"`
	TopMaterial      string     `bigquery:"top_material" json:"top_material"`
	TopMaterialSpend float64    `bigquery:"top_material_spend" json:"top_material_spend"`
}

// CampaignFact represents one row of the 'xmp_internal_campaigns' and
// 'quickbi_campaigns' tables (both share the campaign-fact shape).
type CampaignFact struct {
	StatDate     civil.Date `bigquery:"stat_date" json:"stat_date"`
	BatchID      string     `bigquery:"batch_id" json:"batch_id"`
	FetchedAt    time.Time  `bigquery:"fetched_at" json:"fetched_at"`
	Channel      Channel    `bigquery:"channel" json:"channel"`
	CampaignID   string     `bigquery:"campaign_id" json:"campaign_id"`
	CampaignName string     `bigquery:"campaign_name" json:"campaign_name"`
	Country      string     `bigquery:"country" json:"country"`
	DramaID      string     `bigquery:"drama_id" json:"drama_id,omitempty"`
	Spend        float64    `bigquery:"spend" json:"spend"`
	Revenue      float64    `bigquery:"revenue" json:"revenue"`
	Impressions  int64      `bigquery:"impressions" json:"impressions"`
	Clicks       int64      `bigquery:"clicks" json:"clicks"`
}

// MaterialFact represents one row of the 'xmp_materials' table.
type MaterialFact struct {
	StatDate     civil.Date `bigquery:"stat_date" json:"stat_date"`
	BatchID      string     `bigquery:"batch_id" json:"batch_id"`
	FetchedAt    time.Time  `bigquery:"fetched_at" json:"fetched_at"`
	Channel      Channel    `bigquery:"channel" json:"channel"`
	MaterialID   string     `bigquery:"material_id" json:"material_id"`
	DesignerName string     `bigquery:"designer_name" json:"designer_name"`
	Cost         float64    `bigquery:"cost" json:"cost"`
	Impression   int64      `bigquery:"impression" json:"impression"`
	Click        int64      `bigquery:"click" json:"click"`
}

// DramaMapping represents one row of the 'drama_mapping' table.
// drama_id is the unique key; name conflicts resolve last-write-wins.
type DramaMapping struct {
	DramaID   string    `bigquery:"drama_id" json:"drama_id"`
	DramaName string    `bigquery:"drama_name" json:"drama_name"`
	BatchID   string    `bigquery:"batch_id" json:"batch_id"`
	FetchedAt time.Time `bigquery:"fetched_at" json:"fetched_at"`
}

// HourlySnapshot represents one row of the 'hourly_snapshots' table.
type HourlySnapshot struct {
	StatDate     civil.Date `bigquery:"stat_date" json:"stat_date"`
	BatchID      string     `bigquery:"batch_id" json:"batch_id"`
	FetchedAt    time.Time  `bigquery:"fetched_at" json:"fetched_at"`
	SnapshotTime time.Time  `bigquery:"snapshot_time" json:"snapshot_time"`
	Hour         int64      `bigquery:"hour" json:"hour"`
	TotalSpend   float64    `bigquery:"total_spend" json:"total_spend"`
	D0ROAS       float64    `bigquery:"d0_roas" json:"d0_roas"`
}

// RawPayload is the verbatim upstream response for one (source, batch) pair,
// archived to the blob store alongside the normalized rows.
type RawPayload struct {
	Source    string          `json:"source"`
	BatchID   string          `json:"batch_id"`
	FetchedAt time.Time       `json:"fetched_at"`
	Body      json.RawMessage `json:"body"`
}
