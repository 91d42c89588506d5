package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"adpipeline/internal/models"
)

// Destinations for the BI reporting source.
const (
	TableQuickBICampaigns = "quickbi_campaigns"
	TableHourlySnapshots  = "hourly_snapshots"
	TableDramaMapping     = "drama_mapping"
)

// biBackoff is the vendor-recommended schedule for ServiceUnavailable-class
// failures of the query service.
var biBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

// QuickBIAdapter submits (api_id, conditions_json) pairs to the hosted BI
// query service and normalizes the result sets.
type QuickBIAdapter struct {
	Endpoint      string
	APIID         string // campaign report
	OverviewAPIID string // hourly overview

	client *http.Client
	now    func() time.Time
}

func NewQuickBIAdapter(endpoint, apiID, overviewAPIID string) *QuickBIAdapter {
	return &QuickBIAdapter{
		Endpoint:      endpoint,
		APIID:         apiID,
		OverviewAPIID: overviewAPIID,
		client:        &http.Client{Timeout: 3 * time.Minute},
		now:           time.Now,
	}
}

func (a *QuickBIAdapter) Name() string { return "quickbi" }

type biEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Values  []json.RawMessage `json:"values"`
}

// transientBICode matches the vendor's retryable failure codes.
func transientBICode(code string) bool {
	switch {
	case code == "ServiceUnavailable", code == "SQL.ExecuteFailed":
		return true
	case strings.Contains(code, "Timeout"):
		return true
	default:
		return false
	}
}

// query runs one BI API call, retrying transient vendor failures with the
// 10s/30s/60s schedule.
func (a *QuickBIAdapter) query(ctx context.Context, apiID string, conditions map[string]string) ([]json.RawMessage, []byte, error) {
	payload, err := json.Marshal(map[string]any{
		"api_id":     apiID,
		"conditions": conditions,
	})
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= len(biBackoff); attempt++ {
		if attempt > 0 {
			log.Printf("[quickbi] api %s retry %d after: %v", apiID, attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(biBackoff[attempt-1]):
			}
		}

		items, body, err := a.queryOnce(ctx, payload)
		if err == nil {
			return items, body, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("api %s failed after %d retries: %w", apiID, len(biBackoff), lastErr)
}

func (a *QuickBIAdapter) queryOnce(ctx context.Context, payload []byte) ([]json.RawMessage, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, classifyNetErr(err)
	}

	var env biEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decode: %v: %w", err, ErrInvalid)
	}
	if env.Code != "" && env.Code != "OK" && env.Code != "Success" {
		if transientBICode(env.Code) {
			return nil, nil, fmt.Errorf("vendor code %s: %w", env.Code, ErrRateLimited)
		}
		return nil, nil, fmt.Errorf("vendor code %s: %s: %w", env.Code, env.Message, ErrInvalid)
	}
	return env.Values, body, nil
}

type biCampaignRow struct {
	StatDate     string  `json:"stat_date"`
	CampaignID   string  `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	Channel      string  `json:"channel"`
	Country      string  `json:"country"`
	Spend        float64 `json:"spend"`
	Revenue      float64 `json:"revenue"`
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
	DramaID      string  `json:"drama_id"`
	DramaName    string  `json:"drama_name"`
}

type biOverviewRow struct {
	Hour       int64   `json:"hour"`
	TotalSpend float64 `json:"total_spend"`
	D0ROAS     float64 `json:"d0_roas"`
}

// Extract pulls the campaign report and the hourly overview for the window.
// The drama-id to name mapping rides along on the campaign rows and is
// emitted as an upsert table: one-to-one per run, last write wins on conflict.
func (a *QuickBIAdapter) Extract(ctx context.Context, w Window) (*Extraction, error) {
	campaignItems, campaignBody, err := a.query(ctx, a.APIID, map[string]string{
		"start_date": w.Start.String(),
		"end_date":   w.End.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("campaign report: %w", err)
	}

	var (
		warnings  []Warning
		campaigns []models.Fact
		dramas    []models.Fact
	)
	dramaSeen := make(map[string]string)

	for _, raw := range campaignItems {
		var r biCampaignRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("campaign report: decode row: %v: %w", err, ErrInvalid)
		}
		statDate, err := parseStatDate(r.StatDate)
		if err != nil {
			return nil, err
		}
		roas := 0.0
		if r.Spend > 0 {
			roas = r.Revenue / r.Spend
		}
		warnings = validateSpendRow(a.Name(), r.CampaignID, r.Spend, r.Impressions, roas, warnings)

		campaigns = append(campaigns, &models.CampaignFact{
			StatDate:     statDate,
			Channel:      models.NormalizeChannel(r.Channel),
			CampaignID:   r.CampaignID,
			CampaignName: r.CampaignName,
			Country:      r.Country,
			DramaID:      r.DramaID,
			Spend:        r.Spend,
			Revenue:      r.Revenue,
			Impressions:  r.Impressions,
			Clicks:       r.Clicks,
		})

		if r.DramaID != "" {
			if prev, ok := dramaSeen[r.DramaID]; ok && prev != r.DramaName {
				log.Printf("[quickbi] drama %s name conflict: %q -> %q (last write wins)", r.DramaID, prev, r.DramaName)
			}
			dramaSeen[r.DramaID] = r.DramaName
		}
	}
	for id, name := range dramaSeen {
		dramas = append(dramas, &models.DramaMapping{DramaID: id, DramaName: name})
	}

	overviewItems, overviewBody, err := a.query(ctx, a.OverviewAPIID, map[string]string{
		"stat_date": w.End.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("hourly overview: %w", err)
	}

	var snapshots []models.Fact
	snapTime := a.now()
	for _, raw := range overviewItems {
		var r biOverviewRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("hourly overview: decode row: %v: %w", err, ErrInvalid)
		}
		snapshots = append(snapshots, &models.HourlySnapshot{
			StatDate:     w.End,
			SnapshotTime: snapTime,
			Hour:         r.Hour,
			TotalSpend:   r.TotalSpend,
			D0ROAS:       r.D0ROAS,
		})
	}

	raw, _ := json.Marshal(map[string]json.RawMessage{
		"campaigns": campaignBody,
		"overview":  overviewBody,
	})

	tables := []TableRows{
		{Table: TableQuickBICampaigns, Rows: campaigns},
		{Table: TableHourlySnapshots, Rows: snapshots},
	}
	if len(dramas) > 0 {
		tables = append(tables, TableRows{Table: TableDramaMapping, Rows: dramas, Upsert: true, KeyCol: "drama_id"})
	}

	return &Extraction{Tables: tables, Raw: raw, Warnings: warnings}, nil
}
