package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"adpipeline/internal/creds"
	"adpipeline/internal/models"
)

// Destinations for the web-console reporting source.
const (
	TableXMPCampaigns      = "xmp_campaigns"
	TableXMPMaterials      = "xmp_materials"
	TableXMPEditorStats    = "xmp_editor_stats"
	TableXMPOptimizerStats = "xmp_optimizer_stats"
)

// XMPProvider is the credential-store key for the console bearer token.
const XMPProvider = "xmp"

// Report levels the console exposes.
const (
	LevelDesigner  = "designer"
	LevelOptimizer = "optimizer"
	LevelAccount   = "account"
	LevelCampaign  = "campaign"
	LevelAd        = "ad"
)

// XMPAdapter extracts level-scoped performance reports from the web console's
// XHR endpoint using a long-lived bearer harvested from a browser session.
// An AuthExpired response forces exactly one credential refresh and one more
// attempt; a second rejection is fatal for the batch.
type XMPAdapter struct {
	BaseURL  string
	Caps     Caps
	Channels []models.Channel

	creds  *creds.Store
	client *http.Client
}

func NewXMPAdapter(baseURL string, store *creds.Store, caps Caps) *XMPAdapter {
	return &XMPAdapter{
		BaseURL:  baseURL,
		Caps:     caps,
		Channels: []models.Channel{models.ChannelFacebook, models.ChannelTikTok},
		creds:    store,
		client:   &http.Client{Timeout: 3 * time.Minute},
	}
}

func (a *XMPAdapter) Name() string { return "xmp" }

type xmpQuery struct {
	Level     string   `json:"level"`
	Channel   string   `json:"channel"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Field     []string `json:"field"`
	Page      int      `json:"page"`
	PageSize  int      `json:"page_size"`
	Search    []string `json:"search"`
}

type xmpEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		List  []json.RawMessage `json:"list"`
		Total int               `json:"total"`
	} `json:"data"`
}

// withAuth runs fn with a usable bearer, refreshing once on AuthExpired.
func (a *XMPAdapter) withAuth(ctx context.Context, fn func(token string) error) error {
	cred, err := a.creds.Get(ctx, XMPProvider)
	if err != nil {
		return err
	}
	a.creds.MarkUsed(XMPProvider)

	err = fn(cred.Token)
	if err == nil || !errors.Is(err, ErrAuthExpired) {
		return err
	}

	cred, rerr := a.creds.ForceRefresh(ctx, XMPProvider)
	if rerr != nil {
		return fmt.Errorf("after auth rejection: %w", rerr)
	}
	// A second AuthExpired from fn is fatal and propagates as-is.
	return fn(cred.Token)
}

func (a *XMPAdapter) fetchLevelPage(ctx context.Context, token string, q xmpQuery) (*xmpEnvelope, []byte, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/report/list", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("level %s: %w", q.Level, classifyStatus(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, classifyNetErr(err)
	}

	var env xmpEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("level %s: decode: %v: %w", q.Level, err, ErrInvalid)
	}
	switch env.Code {
	case 0:
	case 401:
		return nil, nil, fmt.Errorf("level %s: %s: %w", q.Level, env.Msg, ErrAuthExpired)
	default:
		return nil, nil, fmt.Errorf("level %s: code %d %s: %w", q.Level, env.Code, env.Msg, ErrInvalid)
	}
	return &env, body, nil
}

// fetchLevel paginates one (level, channel) report under a valid token.
func (a *XMPAdapter) fetchLevel(ctx context.Context, token, level string, channel models.Channel, w Window, fields []string) ([]json.RawMessage, []Warning, []byte, error) {
	var lastBody []byte
	items, warnings, err := paginate(ctx, a.Name()+"/"+level, a.Caps, func(ctx context.Context, page int) ([]json.RawMessage, int, error) {
		env, body, err := a.fetchLevelPage(ctx, token, xmpQuery{
			Level:     level,
			Channel:   string(channel),
			StartTime: w.Start.String(),
			EndTime:   w.End.String(),
			Field:     fields,
			Page:      page,
			PageSize:  a.Caps.withDefaults().PageSize,
			Search:    []string{},
		})
		if err != nil {
			return nil, 0, err
		}
		lastBody = body
		return env.Data.List, env.Data.Total, nil
	})
	return items, warnings, lastBody, err
}

type xmpOptimizerRow struct {
	StatDate         string  `json:"stat_date"`
	CampaignID       string  `json:"campaign_id"`
	CampaignName     string  `json:"campaign_name"`
	Optimizer        string  `json:"optimizer"`
	Country          string  `json:"country"`
	Spend            float64 `json:"spend"`
	NewUserRevenue   float64 `json:"new_user_revenue"`
	MediaUserRevenue float64 `json:"media_user_revenue"`
	Impressions      int64   `json:"impressions"`
	Clicks           int64   `json:"clicks"`
	Installs         int64   `json:"installs"`
}

type xmpDesignerRow struct {
	StatDate         string  `json:"stat_date"`
	EditorName       string  `json:"editor_name"`
	Spend            float64 `json:"spend"`
	Revenue          float64 `json:"revenue"`
	ROAS             float64 `json:"roas"`
	MaterialCount    int64   `json:"material_count"`
	HotCount         int64   `json:"hot_count"`
	HotRate          float64 `json:"hot_rate"`
	TopMaterial      string  `json:"top_material"`
	TopMaterialSpend float64 `json:"top_material_spend"`
}

type xmpCampaignRow struct {
	StatDate     string  `json:"stat_date"`
	CampaignID   string  `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	Country      string  `json:"country"`
	Spend        float64 `json:"spend"`
	Revenue      float64 `json:"revenue"`
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
}

type xmpAdRow struct {
	StatDate     string  `json:"stat_date"`
	MaterialID   string  `json:"material_id"`
	DesignerName string  `json:"designer_name"`
	VideoURL     string  `json:"video_url"`
	Cost         float64 `json:"cost"`
	Impression   int64   `json:"impression"`
	Click        int64   `json:"click"`
}

// Extract pulls the optimizer, designer, campaign and ad levels for every
// configured channel. One page loop per (level, channel); serial to respect
// the console's rate posture.
func (a *XMPAdapter) Extract(ctx context.Context, w Window) (*Extraction, error) {
	var (
		optimizerRows []models.Fact
		designerRows  []models.Fact
		campaignRows  []models.Fact
		materialRows  []models.Fact
		videos        []Video
		seenVideo     map[string]bool
		warnings      []Warning
		rawBodies     = map[string]json.RawMessage{}
	)

	err := a.withAuth(ctx, func(token string) error {
		// Reset accumulators: an auth-refresh retry reruns the whole pull.
		optimizerRows = optimizerRows[:0]
		designerRows = designerRows[:0]
		campaignRows = campaignRows[:0]
		materialRows = materialRows[:0]
		videos = videos[:0]
		seenVideo = map[string]bool{}
		warnings = warnings[:0]

		for _, channel := range a.Channels {
			items, pw, body, err := a.fetchLevel(ctx, token, LevelOptimizer, channel, w,
				[]string{"stat_date", "campaign_id", "campaign_name", "optimizer", "country", "spend", "new_user_revenue", "media_user_revenue", "impressions", "clicks", "installs"})
			if err != nil {
				return err
			}
			warnings = append(warnings, pw...)
			rawBodies[string(channel)+"/"+LevelOptimizer] = body
			for _, raw := range items {
				var r xmpOptimizerRow
				if err := json.Unmarshal(raw, &r); err != nil {
					return fmt.Errorf("optimizer row: %v: %w", err, ErrInvalid)
				}
				statDate, err := parseStatDate(r.StatDate)
				if err != nil {
					return err
				}
				revenue := r.NewUserRevenue + r.MediaUserRevenue
				roas := 0.0
				if r.Spend > 0 {
					roas = revenue / r.Spend
				}
				warnings = validateSpendRow(a.Name(), r.CampaignID, r.Spend, r.Impressions, roas, warnings)
				optimizerRows = append(optimizerRows, &models.AdSpendFact{
					StatDate:         statDate,
					Channel:          channel,
					CampaignID:       r.CampaignID,
					CampaignName:     r.CampaignName,
					Optimizer:        r.Optimizer,
					Country:          r.Country,
					Spend:            r.Spend,
					NewUserRevenue:   r.NewUserRevenue,
					MediaUserRevenue: r.MediaUserRevenue,
					Impressions:      r.Impressions,
					Clicks:           r.Clicks,
					Installs:         r.Installs,
				})
			}

			items, pw, body, err = a.fetchLevel(ctx, token, LevelDesigner, channel, w,
				[]string{"stat_date", "editor_name", "spend", "revenue", "roas", "material_count", "hot_count", "hot_rate", "top_material", "top_material_spend"})
			if err != nil {
				return err
			}
			warnings = append(warnings, pw...)
			rawBodies[string(channel)+"/"+LevelDesigner] = body
			for _, raw := range items {
				var r xmpDesignerRow
				if err := json.Unmarshal(raw, &r); err != nil {
					return fmt.Errorf("designer row: %v: %w", err, ErrInvalid)
				}
				statDate, err := parseStatDate(r.StatDate)
				if err != nil {
					return err
				}
				designerRows = append(designerRows, &models.EditorRollup{
					StatDate:         statDate,
					Channel:          channel,
					EditorName:       r.EditorName,
					Spend:            r.Spend,
					Revenue:          r.Revenue,
					ROAS:             r.ROAS,
					MaterialCount:    r.MaterialCount,
					HotCount:         r.HotCount,
					HotRate:          r.HotRate,
					TopMaterial:      r.TopMaterial,
					TopMaterialSpend: r.TopMaterialSpend,
				})
			}

			items, pw, body, err = a.fetchLevel(ctx, token, LevelCampaign, channel, w,
				[]string{"stat_date", "campaign_id", "campaign_name", "country", "spend", "revenue", "impressions", "clicks"})
			if err != nil {
				return err
			}
			warnings = append(warnings, pw...)
			rawBodies[string(channel)+"/"+LevelCampaign] = body
			for _, raw := range items {
				var r xmpCampaignRow
				if err := json.Unmarshal(raw, &r); err != nil {
					return fmt.Errorf("campaign row: %v: %w", err, ErrInvalid)
				}
				statDate, err := parseStatDate(r.StatDate)
				if err != nil {
					return err
				}
				campaignRows = append(campaignRows, &models.CampaignFact{
					StatDate:     statDate,
					Channel:      channel,
					CampaignID:   r.CampaignID,
					CampaignName: r.CampaignName,
					Country:      r.Country,
					Spend:        r.Spend,
					Revenue:      r.Revenue,
					Impressions:  r.Impressions,
					Clicks:       r.Clicks,
				})
			}

			items, pw, body, err = a.fetchLevel(ctx, token, LevelAd, channel, w,
				[]string{"stat_date", "material_id", "designer_name", "video_url", "cost", "impression", "click"})
			if err != nil {
				return err
			}
			warnings = append(warnings, pw...)
			rawBodies[string(channel)+"/"+LevelAd] = body
			for _, raw := range items {
				var r xmpAdRow
				if err := json.Unmarshal(raw, &r); err != nil {
					return fmt.Errorf("ad row: %v: %w", err, ErrInvalid)
				}
				statDate, err := parseStatDate(r.StatDate)
				if err != nil {
					return err
				}
				materialRows = append(materialRows, &models.MaterialFact{
					StatDate:     statDate,
					Channel:      channel,
					MaterialID:   r.MaterialID,
					DesignerName: r.DesignerName,
					Cost:         r.Cost,
					Impression:   r.Impression,
					Click:        r.Click,
				})
				if r.VideoURL != "" && !seenVideo[r.MaterialID] {
					seenVideo[r.MaterialID] = true
					videos = append(videos, Video{MaterialID: r.MaterialID, URL: r.VideoURL})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(rawBodies)
	return &Extraction{
		Tables: []TableRows{
			{Table: TableXMPOptimizerStats, Rows: optimizerRows},
			{Table: TableXMPEditorStats, Rows: designerRows},
			{Table: TableXMPCampaigns, Rows: campaignRows},
			{Table: TableXMPMaterials, Rows: materialRows},
		},
		Raw:      raw,
		Videos:   videos,
		Warnings: warnings,
	}, nil
}
