package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Alarm levels, ordered by severity.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Alarmer delivers operational alarms. The pipeline treats delivery as
// best-effort: an undeliverable alarm is logged, never fatal.
type Alarmer interface {
	Alarm(ctx context.Context, level, title, body string)
}

// WebhookAlarmer posts alarms to the ops chat webhook.
type WebhookAlarmer struct {
	WebhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewWebhookAlarmer(webhookURL string) *WebhookAlarmer {
	return &WebhookAlarmer{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// Alarm posts one alarm card. Failures are logged and swallowed so an alarm
// about a broken run cannot itself break the run.
func (a *WebhookAlarmer) Alarm(ctx context.Context, level, title, body string) {
	color := "orange"
	switch level {
	case LevelInfo:
		color = "turquoise"
	case LevelError:
		color = "red"
	}

	payload := cardPayload{MsgType: "interactive"}
	payload.Card.Header.Title = cardText{Tag: "plain_text", Content: fmt.Sprintf("[%s] %s", level, title)}
	payload.Card.Header.Template = color
	payload.Card.Elements = append(payload.Card.Elements, cardElement{
		Tag:     "markdown",
		Content: fmt.Sprintf("%s\n\n%s", body, a.now().Format(time.RFC3339)),
	})

	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[alarm] marshal: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.WebhookURL, bytes.NewReader(raw))
	if err != nil {
		log.Printf("[alarm] request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		log.Printf("[alarm] deliver: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		log.Printf("[alarm] deliver: status %d: %s", resp.StatusCode, snippet)
	}
}

// LogAlarmer writes alarms to the process log only. Used by the one-shot
// tools, where the operator is already watching stdout.
type LogAlarmer struct{}

func (LogAlarmer) Alarm(_ context.Context, level, title, body string) {
	log.Printf("[alarm] %s: %s: %s", level, title, body)
}
