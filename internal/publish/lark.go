package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// LarkClient talks to the Lark open platform: tenant token exchange, wiki node
// resolution, and docx block writes. It implements DocBackend.
type LarkClient struct {
	BaseURL   string
	AppID     string
	AppSecret string

	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewLarkClient(baseURL, appID, appSecret string) *LarkClient {
	if baseURL == "" {
		baseURL = "https://open.larksuite.com"
	}
	return &LarkClient{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AppID:     appID,
		AppSecret: appSecret,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type larkEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// tenantToken returns a cached tenant_access_token, refreshing when within a
// minute of expiry.
func (c *LarkClient) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"app_id":     c.AppID,
		"app_secret": c.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tenant token: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("tenant token: decode: %w", err)
	}
	if body.Code != 0 {
		return "", fmt.Errorf("tenant token: code %d: %s", body.Code, body.Msg)
	}

	c.token = body.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(body.Expire) * time.Second)
	return c.token, nil
}

// call runs one authorized API call and unwraps the envelope.
func (c *LarkClient) call(ctx context.Context, method, path string, payload any, out any) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env larkEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%s: code %d: %s", path, env.Code, env.Msg)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// ResolveTarget maps a wiki node token to its underlying document. Targets
// prefixed "wiki:" are resolved through the wiki API; anything else is taken
// as a document token directly. Wiki nodes that do not hold a document return
// ErrUnsupportedTarget.
func (c *LarkClient) ResolveTarget(ctx context.Context, target string) (string, error) {
	token, isWiki := strings.CutPrefix(target, "wiki:")
	if !isWiki {
		return target, nil
	}

	var data struct {
		Node struct {
			ObjType  string `json:"obj_type"`
			ObjToken string `json:"obj_token"`
		} `json:"node"`
	}
	path := "/open-apis/wiki/v2/spaces/get_node?token=" + url.QueryEscape(token)
	if err := c.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", err
	}
	if data.Node.ObjType != "docx" {
		return "", fmt.Errorf("wiki node %s holds %q: %w", token, data.Node.ObjType, ErrUnsupportedTarget)
	}
	return data.Node.ObjToken, nil
}

// blockChildrenPath targets the document root block; appended blocks land at
// the end of the document.
func blockChildrenPath(docID, parentID string) string {
	return fmt.Sprintf("/open-apis/docx/v1/documents/%s/blocks/%s/children", docID, parentID)
}

type textElement struct {
	TextRun struct {
		Content string `json:"content"`
	} `json:"text_run"`
}

func textElements(content string) []textElement {
	var e textElement
	e.TextRun.Content = content
	return []textElement{e}
}

func (c *LarkClient) AppendHeading(ctx context.Context, docID, text string) error {
	payload := map[string]any{
		"children": []map[string]any{{
			"block_type": 4, // heading2
			"heading2":   map[string]any{"elements": textElements(text)},
		}},
	}
	return c.call(ctx, http.MethodPost, blockChildrenPath(docID, docID), payload, nil)
}

func (c *LarkClient) AppendParagraph(ctx context.Context, docID, text string) error {
	payload := map[string]any{
		"children": []map[string]any{{
			"block_type": 2, // text
			"text":       map[string]any{"elements": textElements(text)},
		}},
	}
	return c.call(ctx, http.MethodPost, blockChildrenPath(docID, docID), payload, nil)
}

// CreateTable appends an empty table block and returns its cell block ids in
// row-major order.
func (c *LarkClient) CreateTable(ctx context.Context, docID string, rows, cols int) ([][]string, error) {
	payload := map[string]any{
		"children": []map[string]any{{
			"block_type": 31, // table
			"table": map[string]any{
				"property": map[string]any{
					"row_size":    rows,
					"column_size": cols,
				},
			},
		}},
	}
	var data struct {
		Children []struct {
			BlockID string `json:"block_id"`
			Table   struct {
				Cells []string `json:"cells"`
			} `json:"table"`
		} `json:"children"`
	}
	if err := c.call(ctx, http.MethodPost, blockChildrenPath(docID, docID), payload, &data); err != nil {
		return nil, err
	}
	if len(data.Children) == 0 {
		return nil, fmt.Errorf("create table: empty response")
	}
	cells := data.Children[0].Table.Cells
	if len(cells) != rows*cols {
		return nil, fmt.Errorf("create table: got %d cells, want %d", len(cells), rows*cols)
	}

	out := make([][]string, rows)
	for r := 0; r < rows; r++ {
		out[r] = cells[r*cols : (r+1)*cols]
	}
	return out, nil
}

// FillCell writes one text block into a table cell.
func (c *LarkClient) FillCell(ctx context.Context, docID, cellID, text string) error {
	payload := map[string]any{
		"children": []map[string]any{{
			"block_type": 2,
			"text":       map[string]any{"elements": textElements(text)},
		}},
	}
	return c.call(ctx, http.MethodPost, blockChildrenPath(docID, cellID), payload, nil)
}
