package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"adpipeline/internal/report"
)

func bigTable(rows int) report.Table {
	t := report.Table{Header: []string{"Name", "Spend"}}
	for i := 0; i < rows; i++ {
		t.Rows = append(t.Rows, []string{fmt.Sprintf("row%02d", i), "100"})
	}
	return t
}

func TestRenderCardTableTruncates(t *testing.T) {
	out := renderCardTable(bigTable(12), 10)
	if !strings.Contains(out, "row09") {
		t.Errorf("missing last kept row:\n%s", out)
	}
	if strings.Contains(out, "row10") {
		t.Errorf("row past the cap leaked:\n%s", out)
	}
	if !strings.Contains(out, "... 2 more rows") {
		t.Errorf("missing ellipsis row:\n%s", out)
	}

	out = renderCardTable(bigTable(3), 10)
	if strings.Contains(out, "more rows") {
		t.Errorf("ellipsis on an untruncated table:\n%s", out)
	}
}

func TestCardSinkPublish(t *testing.T) {
	var got cardPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, `{"code":0}`)
	}))
	defer srv.Close()

	sink := NewCardSink(srv.URL, 10)
	err := sink.Publish(context.Background(), report.Document{
		Title: "Daily Ad Report 2026-01-15",
		Sections: []report.Section{
			{Heading: "Overview", Paragraphs: []string{"Spend 12346."}},
			{Heading: "Top Countries by Spend", Tables: []report.Table{bigTable(12)}},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got.MsgType != "interactive" {
		t.Errorf("msg_type = %q", got.MsgType)
	}
	if got.Card.Header.Title.Content != "Daily Ad Report 2026-01-15" {
		t.Errorf("title = %q", got.Card.Header.Title.Content)
	}
	if len(got.Card.Elements) != 2 {
		t.Fatalf("got %d elements, want 2", len(got.Card.Elements))
	}
	if !strings.Contains(got.Card.Elements[1].Content, "... 2 more rows") {
		t.Errorf("table element not truncated:\n%s", got.Card.Elements[1].Content)
	}
}

func TestCardSinkVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":19001,"msg":"invalid signature"}`)
	}))
	defer srv.Close()

	sink := NewCardSink(srv.URL, 10)
	err := sink.Publish(context.Background(), report.Document{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "19001") {
		t.Errorf("err = %v, want vendor code surfaced", err)
	}
}
