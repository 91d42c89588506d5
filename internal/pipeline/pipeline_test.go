package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"adpipeline/internal/batch"
	"adpipeline/internal/models"
	"adpipeline/internal/provider"
)

type fakeAdapter struct {
	name string
	ext  *provider.Extraction
	err  error
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Extract(context.Context, provider.Window) (*provider.Extraction, error) {
	return f.ext, f.err
}

type fakeLoader struct {
	mu      sync.Mutex
	appends map[string]int
	upserts map[string]int
	fetched []time.Time
	failOn  string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{appends: map[string]int{}, upserts: map[string]int{}}
}

func (f *fakeLoader) Append(_ context.Context, table string, rows []models.Fact, _ batch.ID, fetchedAt time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if table == f.failOn {
		return 0, errors.New("insert rejected")
	}
	f.appends[table] += len(rows)
	f.fetched = append(f.fetched, fetchedAt)
	return len(rows), nil
}

func (f *fakeLoader) UpsertMapping(_ context.Context, table, _ string, rows []models.Fact, _ batch.ID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[table] += len(rows)
	return nil
}

type archivedVideo struct {
	source     string
	batchID    batch.ID
	materialID string
	body       []byte
}

type fakeArchiver struct {
	mu       sync.Mutex
	payloads []models.RawPayload
	videos   []archivedVideo
	err      error
	videoErr error
}

func (f *fakeArchiver) Put(_ context.Context, p models.RawPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeArchiver) PutVideo(_ context.Context, source string, batchID batch.ID, materialID string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.videoErr != nil {
		return f.videoErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.videos = append(f.videos, archivedVideo{source: source, batchID: batchID, materialID: materialID, body: body})
	return nil
}

type fakeAlarmer struct {
	mu     sync.Mutex
	titles []string
	levels []string
}

func (f *fakeAlarmer) Alarm(_ context.Context, level, title, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
	f.titles = append(f.titles, title)
}

func campaignRows(n int) []models.Fact {
	out := make([]models.Fact, n)
	for i := range out {
		out[i] = &models.CampaignFact{CampaignID: fmt.Sprintf("c%d", i)}
	}
	return out
}

func testWindow() provider.Window {
	d := civil.Date{Year: 2026, Month: 1, Day: 15}
	return provider.Window{Start: d, End: d}
}

func TestRunIngestIsolatesSourceFailure(t *testing.T) {
	loader := newFakeLoader()
	arch := &fakeArchiver{}
	alarms := &fakeAlarmer{}

	adapters := []provider.Adapter{
		&fakeAdapter{name: "good", ext: &provider.Extraction{
			Tables: []provider.TableRows{{Table: "quickbi_campaigns", Rows: campaignRows(3)}},
			Raw:    []byte(`{"x":1}`),
		}},
		&fakeAdapter{name: "broken", err: fmt.Errorf("upstream: %w", provider.ErrTransient)},
	}

	c := NewCoordinator(adapters, loader, arch, alarms, NewJournal(10))
	rec, err := c.RunIngest(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("partial failure must not fail the batch: %v", err)
	}

	if rec.Failed() != 1 {
		t.Errorf("failed sources = %d, want 1", rec.Failed())
	}
	if loader.appends["quickbi_campaigns"] != 3 {
		t.Errorf("appended = %v", loader.appends)
	}
	if len(arch.payloads) != 1 || arch.payloads[0].Source != "good" {
		t.Errorf("archived = %+v", arch.payloads)
	}

	found := false
	for _, title := range alarms.titles {
		if strings.Contains(title, "broken") {
			found = true
		}
	}
	if !found {
		t.Errorf("no alarm for the broken source: %v", alarms.titles)
	}
}

func TestRunIngestAllSourcesFailed(t *testing.T) {
	adapters := []provider.Adapter{
		&fakeAdapter{name: "a", err: provider.ErrAuthExpired},
		&fakeAdapter{name: "b", err: provider.ErrTransient},
	}
	c := NewCoordinator(adapters, newFakeLoader(), nil, nil, nil)
	if _, err := c.RunIngest(context.Background(), testWindow()); err == nil {
		t.Fatal("want error when every source fails")
	}
}

func TestRunIngestZeroRowsIsSuccess(t *testing.T) {
	adapters := []provider.Adapter{
		&fakeAdapter{name: "quiet", ext: &provider.Extraction{
			Tables: []provider.TableRows{{Table: "quickbi_campaigns", Rows: nil}},
		}},
	}
	c := NewCoordinator(adapters, newFakeLoader(), nil, nil, NewJournal(10))
	rec, err := c.RunIngest(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("zero rows must be a success: %v", err)
	}
	if rec.Outcomes[0].Err != nil || rec.Outcomes[0].Rows != 0 {
		t.Errorf("outcome = %+v", rec.Outcomes[0])
	}
}

func TestRunIngestRoutesUpserts(t *testing.T) {
	loader := newFakeLoader()
	adapters := []provider.Adapter{
		&fakeAdapter{name: "quickbi", ext: &provider.Extraction{
			Tables: []provider.TableRows{
				{Table: "quickbi_campaigns", Rows: campaignRows(2)},
				{Table: "drama_mapping", Rows: []models.Fact{&models.DramaMapping{DramaID: "d1", DramaName: "alpha"}},
					Upsert: true, KeyCol: "drama_id"},
			},
		}},
	}
	c := NewCoordinator(adapters, loader, nil, nil, nil)
	rec, err := c.RunIngest(context.Background(), testWindow())
	if err != nil {
		t.Fatal(err)
	}
	if loader.upserts["drama_mapping"] != 1 {
		t.Errorf("upserts = %v", loader.upserts)
	}
	if rec.Outcomes[0].Rows != 3 {
		t.Errorf("rows = %d, want 3", rec.Outcomes[0].Rows)
	}
}

func TestRunIngestArchiveFailureIsNonFatal(t *testing.T) {
	loader := newFakeLoader()
	alarms := &fakeAlarmer{}
	adapters := []provider.Adapter{
		&fakeAdapter{name: "src", ext: &provider.Extraction{
			Tables: []provider.TableRows{{Table: "quickbi_campaigns", Rows: campaignRows(1)}},
			Raw:    []byte(`{}`),
		}},
	}
	c := NewCoordinator(adapters, loader, &fakeArchiver{err: errors.New("bucket gone")}, alarms, nil)
	rec, err := c.RunIngest(context.Background(), testWindow())
	if err != nil || rec.Outcomes[0].Err != nil {
		t.Fatalf("archive failure must not fail the source: %v / %+v", err, rec.Outcomes[0])
	}
	if len(alarms.levels) == 0 || alarms.levels[0] != "warning" {
		t.Errorf("want a warning alarm, got %v", alarms.levels)
	}
}

func TestRunIngestMirrorsCreativeVideos(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.mp4" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	loader := newFakeLoader()
	arch := &fakeArchiver{}
	alarms := &fakeAlarmer{}
	adapters := []provider.Adapter{
		&fakeAdapter{name: "xmp", ext: &provider.Extraction{
			Tables: []provider.TableRows{{Table: "quickbi_campaigns", Rows: campaignRows(1)}},
			Raw:    []byte(`{}`),
			Videos: []provider.Video{
				{MaterialID: "m1", URL: srv.URL + "/m1.mp4"},
				{MaterialID: "m2", URL: srv.URL + "/gone.mp4"},
			},
		}},
	}

	c := NewCoordinator(adapters, loader, arch, alarms, nil)
	rec, err := c.RunIngest(context.Background(), testWindow())
	if err != nil || rec.Outcomes[0].Err != nil {
		t.Fatalf("video trouble must not fail the source: %v / %+v", err, rec.Outcomes[0])
	}

	if len(arch.videos) != 1 {
		t.Fatalf("archived videos = %+v, want the reachable one only", arch.videos)
	}
	v := arch.videos[0]
	if v.source != "xmp" || v.materialID != "m1" || string(v.body) != "mp4-bytes" {
		t.Errorf("archived video = %+v", v)
	}
	if v.batchID != rec.BatchID {
		t.Errorf("video filed under batch %s, want %s", v.batchID, rec.BatchID)
	}

	// The dead link warns and moves on.
	found := false
	for i, title := range alarms.titles {
		if strings.Contains(title, "video archive failed") && alarms.levels[i] == "warning" {
			found = true
		}
	}
	if !found {
		t.Errorf("no warning for the unreachable video: %v", alarms.titles)
	}
}

func TestRunIngestFetchedAtNeverBehindBatchID(t *testing.T) {
	loader := newFakeLoader()
	adapters := []provider.Adapter{
		&fakeAdapter{name: "src", ext: &provider.Extraction{
			Tables: []provider.TableRows{{Table: "quickbi_campaigns", Rows: campaignRows(1)}},
		}},
	}

	c := NewCoordinator(adapters, loader, nil, nil, nil)
	// Same-second runs make the allocator bump its clock forward, so the batch
	// id can name an instant the real clock has not reached yet.
	frozen := time.Date(2026, 1, 16, 6, 33, 9, 0, time.UTC)
	c.alloc = batch.NewAllocator(func() time.Time { return frozen })
	c.now = func() time.Time { return frozen }
	c.alloc.Next() // seeds the collision

	rec, err := c.RunIngest(context.Background(), testWindow())
	if err != nil {
		t.Fatal(err)
	}
	bt, err := rec.BatchID.Time()
	if err != nil {
		t.Fatal(err)
	}
	if len(loader.fetched) != 1 {
		t.Fatalf("fetched stamps = %v", loader.fetched)
	}
	if loader.fetched[0].Before(bt) {
		t.Errorf("fetched_at %v is behind batch id instant %v", loader.fetched[0], bt)
	}
}

func TestRunIngestWarningsBecomeAlarms(t *testing.T) {
	alarms := &fakeAlarmer{}
	adapters := []provider.Adapter{
		&fakeAdapter{name: "src", ext: &provider.Extraction{
			Tables: []provider.TableRows{{Table: "quickbi_campaigns", Rows: campaignRows(1)}},
			Warnings: []provider.Warning{
				{Source: "src", Rule: "roas-out-of-range", Detail: "c1: roas=7.10"},
			},
		}},
	}
	c := NewCoordinator(adapters, newFakeLoader(), nil, alarms, nil)
	rec, err := c.RunIngest(context.Background(), testWindow())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Outcomes[0].Warnings != 1 {
		t.Errorf("warnings = %d", rec.Outcomes[0].Warnings)
	}
	if len(alarms.titles) != 1 || !strings.Contains(alarms.titles[0], "roas-out-of-range") {
		t.Errorf("alarm titles = %v", alarms.titles)
	}
}

func TestRunIngestInvalidResponseAlarmsAtWarning(t *testing.T) {
	alarms := &fakeAlarmer{}
	adapters := []provider.Adapter{
		&fakeAdapter{name: "schema_drift", err: fmt.Errorf("decode: %w", provider.ErrInvalid)},
		&fakeAdapter{name: "down", err: fmt.Errorf("dial: %w", provider.ErrTransient)},
	}

	c := NewCoordinator(adapters, newFakeLoader(), nil, alarms, nil)
	if _, err := c.RunIngest(context.Background(), testWindow()); err == nil {
		t.Fatal("want error when every source fails")
	}

	got := map[string]string{}
	for i, title := range alarms.titles {
		got[title] = alarms.levels[i]
	}
	if got["source schema_drift failed"] != "warning" {
		t.Errorf("invalid-response alarm level = %q, want warning", got["source schema_drift failed"])
	}
	if got["source down failed"] != "error" {
		t.Errorf("transient-failure alarm level = %q, want error", got["source down failed"])
	}
}

func TestJournal(t *testing.T) {
	j := NewJournal(2)
	for i := 0; i < 3; i++ {
		j.Record(BatchRecord{BatchID: batch.ID(fmt.Sprintf("20260115_0%d0000", i))})
	}
	last := j.Last(10)
	if len(last) != 2 {
		t.Fatalf("kept %d records, want 2", len(last))
	}
	if last[0].BatchID != "20260115_020000" || last[1].BatchID != "20260115_010000" {
		t.Errorf("order = %v, %v (want newest first)", last[0].BatchID, last[1].BatchID)
	}
}

func TestIngestWindow(t *testing.T) {
	// 2026-01-16 01:00 UTC+8.
	now := time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)

	w := IngestWindow(now, false)
	if w.Start != (civil.Date{Year: 2026, Month: 1, Day: 16}) || w.Start != w.End {
		t.Errorf("today window = %v", w)
	}
	w = IngestWindow(now, true)
	if w.Start != (civil.Date{Year: 2026, Month: 1, Day: 15}) {
		t.Errorf("yesterday window = %v", w)
	}
}
