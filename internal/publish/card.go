package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"adpipeline/internal/report"
)

// CardSink posts a report as an interactive card to a chat webhook. Cards are
// a skim surface: each table is truncated to RowCap data rows with an ellipsis
// row, and the full report lives in the document sink.
type CardSink struct {
	WebhookURL string
	RowCap     int

	client *http.Client
}

func NewCardSink(webhookURL string, rowCap int) *CardSink {
	if rowCap <= 0 {
		rowCap = 10
	}
	return &CardSink{
		WebhookURL: webhookURL,
		RowCap:     rowCap,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// cardElement is one markdown block of the interactive-card body.
type cardElement struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type cardPayload struct {
	MsgType string `json:"msg_type"`
	Card    struct {
		Header struct {
			Title    cardText `json:"title"`
			Template string   `json:"template"`
		} `json:"header"`
		Elements []cardElement `json:"elements"`
	} `json:"card"`
}

// Publish renders the document into card markdown and posts it.
func (s *CardSink) Publish(ctx context.Context, doc report.Document) error {
	payload := cardPayload{MsgType: "interactive"}
	payload.Card.Header.Title = cardText{Tag: "plain_text", Content: doc.Title}
	payload.Card.Header.Template = "blue"

	for _, sec := range doc.Sections {
		var b strings.Builder
		fmt.Fprintf(&b, "**%s**\n", sec.Heading)
		for _, p := range sec.Paragraphs {
			b.WriteString(p)
			b.WriteString("\n")
		}
		for _, t := range sec.Tables {
			b.WriteString(renderCardTable(t, s.RowCap))
		}
		payload.Card.Elements = append(payload.Card.Elements, cardElement{
			Tag:     "markdown",
			Content: b.String(),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("card webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("card webhook: status %d: %s", resp.StatusCode, raw)
	}

	var ack struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err == nil && json.Unmarshal(raw, &ack) == nil && ack.Code != 0 {
		return fmt.Errorf("card webhook: code %d: %s", ack.Code, ack.Msg)
	}
	return nil
}

// renderCardTable formats a table as pipe-separated markdown, truncated to
// rowCap data rows with a trailing ellipsis row naming the omitted count.
func renderCardTable(t report.Table, rowCap int) string {
	var b strings.Builder
	b.WriteString(strings.Join(t.Header, " | "))
	b.WriteString("\n")

	rows := t.Rows
	omitted := 0
	if len(rows) > rowCap {
		omitted = len(rows) - rowCap
		rows = rows[:rowCap]
	}
	for _, r := range rows {
		b.WriteString(strings.Join(r, " | "))
		b.WriteString("\n")
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "... %d more rows\n", omitted)
	}
	return b.String()
}
