package provider

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"adpipeline/internal/models"
)

// TableInternalCampaigns is the destination for the internal ad-management
// campaign facts.
const TableInternalCampaigns = "xmp_internal_campaigns"

// Sign computes the request signature: md5(client_secret || unix_seconds),
// lowercase hex. Computed fresh per request so retries never replay a stale
// timestamp.
func Sign(clientSecret string, unixSeconds int64) string {
	sum := md5.Sum([]byte(clientSecret + strconv.FormatInt(unixSeconds, 10)))
	return fmt.Sprintf("%x", sum)
}

// HMACRestAdapter extracts campaign facts from the internal ad-management
// platform. Every request carries client_id, timestamp and sign; the platform
// enforces at least 6 seconds between calls, which the limiter guarantees.
type HMACRestAdapter struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Caps         Caps

	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewHMACRestAdapter(baseURL, clientID, clientSecret string, caps Caps) *HMACRestAdapter {
	return &HMACRestAdapter{
		BaseURL:      baseURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Caps:         caps,
		client:       &http.Client{Timeout: 3 * time.Minute},
		limiter:      rate.NewLimiter(rate.Every(6*time.Second), 1),
		now:          time.Now,
	}
}

func (a *HMACRestAdapter) Name() string { return "internal_ads" }

// envelope is the platform's uniform response wrapper.
type hmacEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		List  []json.RawMessage `json:"list"`
		Total int               `json:"total"`
	} `json:"data"`
}

func (a *HMACRestAdapter) call(ctx context.Context, endpoint string, params url.Values) (*hmacEnvelope, []byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	ts := a.now().Unix()
	params.Set("client_id", a.ClientID)
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("sign", Sign(a.ClientSecret, ts))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%s: %w", endpoint, classifyStatus(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, classifyNetErr(err)
	}

	var env hmacEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%s: decode: %v: %w", endpoint, err, ErrInvalid)
	}
	switch env.Code {
	case 0:
	case 401, 40101:
		return nil, nil, fmt.Errorf("%s: code %d %s: %w", endpoint, env.Code, env.Message, ErrAuthExpired)
	case 429:
		return nil, nil, fmt.Errorf("%s: code %d %s: %w", endpoint, env.Code, env.Message, ErrRateLimited)
	default:
		return nil, nil, fmt.Errorf("%s: code %d %s: %w", endpoint, env.Code, env.Message, ErrInvalid)
	}
	return &env, body, nil
}

// reportFields are the report columns an extraction asks the platform for, in
// the order the fields parameter lists them.
var reportFields = []string{
	"stat_date", "campaign_id", "campaign_name", "channel", "country",
	"spend", "revenue", "impressions", "clicks",
}

// Fields returns the report field names the platform currently exposes. The
// catalog changes without notice, so Extract intersects its wanted columns
// against it before every report pull.
func (a *HMACRestAdapter) Fields(ctx context.Context) ([]string, error) {
	env, _, err := a.call(ctx, "fields", url.Values{})
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(env.Data.List))
	for _, raw := range env.Data.List {
		var f struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("fields: decode item: %v: %w", err, ErrInvalid)
		}
		fields = append(fields, f.Name)
	}
	return fields, nil
}

// fieldsWithRetry gives the field catalog the same bounded retry the page
// fetches get.
func (a *HMACRestAdapter) fieldsWithRetry(ctx context.Context) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff[attempt-1]):
			}
		}
		fields, err := a.Fields(ctx)
		if err == nil {
			return fields, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("fields failed after 3 attempts: %w", lastErr)
}

type hmacAccount struct {
	AccountID string `json:"account_id"`
	Channel   string `json:"channel"`
}

type hmacReportRow struct {
	StatDate     string  `json:"stat_date"`
	CampaignID   string  `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	Channel      string  `json:"channel"`
	Country      string  `json:"country"`
	Spend        float64 `json:"spend"`
	Revenue      float64 `json:"revenue"`
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
}

// intersectFields keeps wanted columns the platform supports, preserving the
// wanted order, and reports the ones it dropped.
func intersectFields(wanted, supported []string) (selected, missing []string) {
	have := make(map[string]bool, len(supported))
	for _, f := range supported {
		have[f] = true
	}
	for _, f := range wanted {
		if have[f] {
			selected = append(selected, f)
		} else {
			missing = append(missing, f)
		}
	}
	return selected, missing
}

// Extract lists the platform's ad accounts and pulls each account's campaign
// report for the window, requesting only the columns the field catalog still
// carries.
func (a *HMACRestAdapter) Extract(ctx context.Context, w Window) (*Extraction, error) {
	supported, err := a.fieldsWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	selected, missing := intersectFields(reportFields, supported)
	var warnings []Warning
	if len(missing) > 0 {
		warnings = append(warnings, Warning{
			Source: a.Name(),
			Rule:   "missing-upstream-field",
			Detail: fmt.Sprintf("platform no longer exposes: %s", strings.Join(missing, ", ")),
		})
	}

	accountsRaw, pageWarnings, err := paginate(ctx, a.Name(), a.Caps, func(ctx context.Context, page int) ([]json.RawMessage, int, error) {
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))
		params.Set("page_size", strconv.Itoa(a.Caps.withDefaults().PageSize))
		env, _, err := a.call(ctx, "account/list", params)
		if err != nil {
			return nil, 0, err
		}
		return env.Data.List, env.Data.Total, nil
	})
	if err != nil {
		return nil, fmt.Errorf("account/list: %w", err)
	}
	warnings = append(warnings, pageWarnings...)

	accounts := make([]hmacAccount, 0, len(accountsRaw))
	for _, raw := range accountsRaw {
		var acct hmacAccount
		if err := json.Unmarshal(raw, &acct); err != nil {
			return nil, fmt.Errorf("account/list: decode item: %v: %w", err, ErrInvalid)
		}
		accounts = append(accounts, acct)
	}

	var (
		rows     []models.Fact
		rawPages []json.RawMessage
	)
	for _, acct := range accounts {
		pageItems, pageWarnings, err := paginate(ctx, a.Name(), a.Caps, func(ctx context.Context, page int) ([]json.RawMessage, int, error) {
			params := url.Values{}
			params.Set("account_id", acct.AccountID)
			params.Set("start_date", w.Start.String())
			params.Set("end_date", w.End.String())
			params.Set("fields", strings.Join(selected, ","))
			params.Set("page", strconv.Itoa(page))
			params.Set("page_size", strconv.Itoa(a.Caps.withDefaults().PageSize))
			env, body, err := a.call(ctx, "account/report", params)
			if err != nil {
				return nil, 0, err
			}
			rawPages = append(rawPages, body)
			return env.Data.List, env.Data.Total, nil
		})
		if err != nil {
			return nil, fmt.Errorf("account/report %s: %w", acct.AccountID, err)
		}
		warnings = append(warnings, pageWarnings...)

		for _, raw := range pageItems {
			var r hmacReportRow
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("account/report: decode row: %v: %w", err, ErrInvalid)
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

			rows = append(rows, &models.CampaignFact{
				StatDate:     statDate,
				Channel:      models.NormalizeChannel(r.Channel),
				CampaignID:   r.CampaignID,
				CampaignName: r.CampaignName,
				Country:      r.Country,
				Spend:        r.Spend,
				Revenue:      r.Revenue,
				Impressions:  r.Impressions,
				Clicks:       r.Clicks,
			})
		}
	}

	raw, _ := json.Marshal(rawPages)
	return &Extraction{
		Tables:   []TableRows{{Table: TableInternalCampaigns, Rows: rows}},
		Raw:      raw,
		Warnings: warnings,
	}, nil
}
