package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"adpipeline/internal/pipeline"
)

func seededJournal() *pipeline.Journal {
	j := pipeline.NewJournal(10)
	j.Record(pipeline.BatchRecord{
		BatchID: "20260115_090500",
		Outcomes: []pipeline.SourceOutcome{
			{Source: "quickbi", Rows: 120, Took: 3 * time.Second},
			{Source: "xmp", Err: errors.New("auth expired"), Took: time.Second},
		},
	})
	return j
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(nil, nil, "0")
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	s := NewServer(seededJournal(), nil, "0")
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body struct {
		Batches []struct {
			BatchID string `json:"batch_id"`
			Failed  int    `json:"failed"`
			Sources []struct {
				Source string `json:"source"`
				Rows   int    `json:"rows"`
				Error  string `json:"error"`
			} `json:"sources"`
		} `json:"batches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v\n%s", err, rec.Body.String())
	}
	if len(body.Batches) != 1 {
		t.Fatalf("batches = %+v", body.Batches)
	}
	b := body.Batches[0]
	if b.BatchID != "20260115_090500" || b.Failed != 1 {
		t.Errorf("batch = %+v", b)
	}
	if b.Sources[1].Error != "auth expired" {
		t.Errorf("sources = %+v", b.Sources)
	}
}

func TestHandleStatusCaches(t *testing.T) {
	j := seededJournal()
	s := NewServer(j, nil, "0")

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	first := rec.Body.String()

	// A new batch within the TTL is not visible yet.
	j.Record(pipeline.BatchRecord{BatchID: "20260115_100500"})
	rec = httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Body.String() != first {
		t.Error("status rebuilt inside the cache TTL")
	}
}
