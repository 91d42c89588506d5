package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"adpipeline/internal/creds"
)

// The console's bearer is minted by a browser session. Interactive login
// happens once, by a human, and persists a cookie jar; every later refresh
// replays those cookies against the session XHR endpoint to harvest a fresh
// Authorization bearer without a browser. Only when the cookies themselves
// have died does the flow escalate to ErrNeedsInteractive.

// CookieSessionRefresher adapts a BearerCapturer into the credential store's
// Refresher contract for the console provider.
type CookieSessionRefresher struct {
	Capturer creds.BearerCapturer
}

func (r *CookieSessionRefresher) Refresh(ctx context.Context, current creds.Credential) (creds.Credential, error) {
	if len(current.Cookies) == 0 {
		return creds.Credential{}, fmt.Errorf("no saved cookies: %w", creds.ErrNeedsInteractive)
	}
	fresh, err := r.Capturer.CaptureBearer(ctx, current)
	if err != nil {
		return creds.Credential{}, err
	}
	if fresh.Token == "" {
		return creds.Credential{}, fmt.Errorf("capture produced empty bearer: %w", creds.ErrNeedsInteractive)
	}
	log.Printf("[console] captured fresh bearer (valid %d days)", fresh.ValidDays)
	return fresh, nil
}

// XHRReplayCapturer is the preferred, browser-free capture path: replay the
// saved session cookies directly against the console's token XHR endpoint.
// A headless-browser implementation satisfies the same interface when the
// cookie replay stops working.
type XHRReplayCapturer struct {
	BaseURL string

	// ClientID/ClientSecret sign the token XHR the same way the ads REST
	// endpoints are signed. Optional; unsigned requests work on consoles
	// that gate by session alone.
	ClientID     string
	ClientSecret string

	// Username/Password enable one password-login attempt when the saved
	// cookies are rejected, before escalating to ErrNeedsInteractive.
	Username string
	Password string

	client *http.Client
	now    func() time.Time
}

func NewXHRReplayCapturer(baseURL string) *XHRReplayCapturer {
	return &XHRReplayCapturer{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: time.Minute},
		now:     time.Now,
	}
}

type consoleCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (c *XHRReplayCapturer) CaptureBearer(ctx context.Context, hint creds.Credential) (creds.Credential, error) {
	var cookies []consoleCookie
	if err := json.Unmarshal(hint.Cookies, &cookies); err != nil {
		return creds.Credential{}, fmt.Errorf("corrupt cookie jar: %v: %w", err, creds.ErrNeedsInteractive)
	}

	cred, err := c.tokenXHR(ctx, cookies, hint.Cookies)
	if err == nil || !errors.Is(err, creds.ErrNeedsInteractive) {
		return cred, err
	}

	// The session is dead. One password login attempt mints fresh cookies;
	// if that fails too, only a human can recover.
	if c.Username == "" {
		return creds.Credential{}, err
	}
	log.Printf("[console] cookie replay rejected, attempting password login for %s", c.Username)
	fresh, lerr := c.passwordLogin(ctx)
	if lerr != nil {
		return creds.Credential{}, fmt.Errorf("password login after rejected replay: %v: %w", lerr, creds.ErrNeedsInteractive)
	}
	return fresh, nil
}

func (c *XHRReplayCapturer) tokenXHR(ctx context.Context, cookies []consoleCookie, jar json.RawMessage) (creds.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/session/token", nil)
	if err != nil {
		return creds.Credential{}, err
	}
	c.sign(req)
	for _, ck := range cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return creds.Credential{}, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return creds.Credential{}, fmt.Errorf("cookie replay rejected (%d): %w", resp.StatusCode, creds.ErrNeedsInteractive)
	}
	if resp.StatusCode != http.StatusOK {
		return creds.Credential{}, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return creds.Credential{}, classifyNetErr(err)
	}

	doc, err := decodeTokenDoc(body)
	if err != nil {
		return creds.Credential{}, err
	}

	return creds.Credential{
		Token:                doc.Token,
		Cookies:              jar,
		ValidDays:            doc.ValidDays,
		RefreshThresholdDays: 3,
	}, nil
}

// passwordLogin mints a fresh session and bearer from the configured console
// account. The cookies handed back by the login response replace the jar.
func (c *XHRReplayCapturer) passwordLogin(ctx context.Context) (creds.Credential, error) {
	payload, err := json.Marshal(map[string]string{
		"username": c.Username,
		"password": c.Password,
	})
	if err != nil {
		return creds.Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/session/login", bytes.NewReader(payload))
	if err != nil {
		return creds.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return creds.Credential{}, classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return creds.Credential{}, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return creds.Credential{}, classifyNetErr(err)
	}
	doc, err := decodeTokenDoc(body)
	if err != nil {
		return creds.Credential{}, err
	}

	jar := make([]consoleCookie, 0, len(resp.Cookies()))
	for _, ck := range resp.Cookies() {
		jar = append(jar, consoleCookie{Name: ck.Name, Value: ck.Value})
	}
	rawJar, err := json.Marshal(jar)
	if err != nil {
		return creds.Credential{}, err
	}

	return creds.Credential{
		Token:                doc.Token,
		Cookies:              rawJar,
		ValidDays:            doc.ValidDays,
		RefreshThresholdDays: 3,
	}, nil
}

// sign adds the client_id/timestamp/sign triple when client credentials are
// configured. Same scheme as the ads REST endpoints.
func (c *XHRReplayCapturer) sign(req *http.Request) {
	if c.ClientID == "" {
		return
	}
	ts := c.now().Unix()
	q := req.URL.Query()
	q.Set("client_id", c.ClientID)
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", Sign(c.ClientSecret, ts))
	req.URL.RawQuery = q.Encode()
}

type tokenDoc struct {
	Token     string `json:"token"`
	ValidDays int    `json:"valid_days"`
}

func decodeTokenDoc(body []byte) (tokenDoc, error) {
	var doc tokenDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return tokenDoc{}, fmt.Errorf("decode token response: %v: %w", err, ErrInvalid)
	}
	if doc.ValidDays == 0 {
		doc.ValidDays = 30
	}
	return doc, nil
}
