package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

func TestSignDeterminism(t *testing.T) {
	t.Parallel()

	// md5("abc1700000000"), lowercase hex.
	if got := Sign("abc", 1700000000); got != "22bd6333f840eeeee03ad14f75fd96ac" {
		t.Fatalf("Sign=%q", got)
	}
}

func TestSignMatchesMD5Concat(t *testing.T) {
	t.Parallel()

	// Same secret, different timestamps must not collide.
	a := Sign("secret", 1700000000)
	b := Sign("secret", 1700000001)
	if a == b {
		t.Fatal("signatures for different timestamps collide")
	}
	if len(a) != 32 {
		t.Fatalf("sign length=%d want 32 hex chars", len(a))
	}
}

func TestHMACExtract(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("client_id") == "" || q.Get("timestamp") == "" || q.Get("sign") == "" {
			t.Errorf("missing signing params on %s", r.URL.Path)
		}
		switch r.URL.Path {
		case "/fields":
			list := []any{}
			for _, name := range reportFields {
				list = append(list, map[string]any{"name": name})
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"list": list, "total": len(list)},
			})
		case "/account/list":
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{
					"list":  []any{map[string]any{"account_id": "acct-1", "channel": "facebook"}},
					"total": 1,
				},
			})
		case "/account/report":
			if q.Get("fields") != "stat_date,campaign_id,campaign_name,channel,country,spend,revenue,impressions,clicks" {
				t.Errorf("report fields param = %q", q.Get("fields"))
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{
					"list": []any{map[string]any{
						"stat_date": "2026-01-16", "campaign_id": "c1", "campaign_name": "C One",
						"channel": "facebook", "country": "KR",
						"spend": 120.5, "revenue": 80.0, "impressions": 5000, "clicks": 42,
					}},
					"total": 1,
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := NewHMACRestAdapter(srv.URL, "cid", "secret", Caps{PageSize: 10})
	a.limiter.SetLimit(1e6) // no 6s spacing in tests

	ext, err := a.Extract(context.Background(), Window{
		Start: civil.Date{Year: 2026, Month: 1, Day: 16},
		End:   civil.Date{Year: 2026, Month: 1, Day: 16},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ext.RowCount() != 1 {
		t.Fatalf("rows=%d want 1", ext.RowCount())
	}
	if ext.Tables[0].Table != TableInternalCampaigns {
		t.Fatalf("table=%s", ext.Tables[0].Table)
	}
	if len(ext.Raw) == 0 {
		t.Fatal("raw payload missing")
	}
}

func TestHMACExtractWarnsOnRetiredField(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fields":
			// Catalog without clicks: the platform retired the column.
			list := []any{}
			for _, name := range reportFields {
				if name == "clicks" {
					continue
				}
				list = append(list, map[string]any{"name": name})
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"list": list, "total": len(list)},
			})
		case "/account/list":
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"list": []any{}, "total": 0},
			})
		case "/account/report":
			if q := r.URL.Query().Get("fields"); strings.Contains(q, "clicks") {
				t.Errorf("asked upstream for a retired column: %q", q)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"list": []any{}, "total": 0},
			})
		}
	}))
	defer srv.Close()

	a := NewHMACRestAdapter(srv.URL, "cid", "secret", Caps{PageSize: 10, MaxEmpty: 1})
	a.limiter.SetLimit(1e6)

	ext, err := a.Extract(context.Background(), Window{
		Start: civil.Date{Year: 2026, Month: 1, Day: 16},
		End:   civil.Date{Year: 2026, Month: 1, Day: 16},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	found := false
	for _, warn := range ext.Warnings {
		if warn.Rule == "missing-upstream-field" && strings.Contains(warn.Detail, "clicks") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no missing-upstream-field warning: %+v", ext.Warnings)
	}
}

func TestIntersectFields(t *testing.T) {
	t.Parallel()

	selected, missing := intersectFields(
		[]string{"spend", "revenue", "clicks"},
		[]string{"revenue", "spend", "impressions"},
	)
	if len(selected) != 2 || selected[0] != "spend" || selected[1] != "revenue" {
		t.Errorf("selected = %v, want wanted-order intersection", selected)
	}
	if len(missing) != 1 || missing[0] != "clicks" {
		t.Errorf("missing = %v", missing)
	}
}

func TestHMACServiceUnavailableThreeTimesFails(t *testing.T) {
	// Overrides the package backoff schedule; not parallel.
	orig := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { retryBackoff = orig }()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHMACRestAdapter(srv.URL, "cid", "secret", Caps{PageSize: 10})
	a.limiter.SetLimit(1e6)

	_, err := a.Extract(context.Background(), Window{
		Start: civil.Date{Year: 2026, Month: 1, Day: 16},
		End:   civil.Date{Year: 2026, Month: 1, Day: 16},
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v want ErrRateLimited", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("hits=%d want 3 attempts", got)
	}
}

func TestHMACAuthCodeClassified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 401, "message": "bad sign"})
	}))
	defer srv.Close()

	a := NewHMACRestAdapter(srv.URL, "cid", "secret", Caps{PageSize: 10})
	a.limiter.SetLimit(1e6)

	_, err := a.Fields(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err=%v want ErrAuthExpired", err)
	}
}
