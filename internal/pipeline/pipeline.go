// Package pipeline coordinates one ingestion run: allocate a batch id, fan out
// to the source adapters, land rows in the warehouse, archive raw payloads,
// and record the outcome per source. Sources fail independently; one broken
// upstream never blocks the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"adpipeline/internal/batch"
	"adpipeline/internal/models"
	"adpipeline/internal/provider"
	"adpipeline/internal/publish"
)

// Loader is the warehouse write path the coordinator needs.
type Loader interface {
	Append(ctx context.Context, table string, rows []models.Fact, batchID batch.ID, fetchedAt time.Time) (int, error)
	UpsertMapping(ctx context.Context, table, keyCol string, rows []models.Fact, batchID batch.ID, fetchedAt time.Time) error
}

// Archiver mirrors raw payloads and creative videos to the blob store.
type Archiver interface {
	Put(ctx context.Context, payload models.RawPayload) error
	PutVideo(ctx context.Context, source string, batchID batch.ID, materialID string, r io.Reader) error
}

// SourceOutcome is one source's result within a batch.
type SourceOutcome struct {
	Source   string
	Rows     int
	Warnings int
	Err      error
	Took     time.Duration
}

// BatchRecord is the journal entry for one ingestion run.
type BatchRecord struct {
	BatchID  batch.ID
	Window   provider.Window
	Started  time.Time
	Finished time.Time
	Outcomes []SourceOutcome
}

// Failed counts sources that errored.
func (r BatchRecord) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Coordinator drives ingestion runs.
type Coordinator struct {
	adapters    []provider.Adapter
	loader      Loader
	archiver    Archiver
	alarmer     publish.Alarmer
	alloc       *batch.Allocator
	journal     *Journal
	now         func() time.Time
	videoClient *http.Client
}

func NewCoordinator(adapters []provider.Adapter, loader Loader, archiver Archiver, alarmer publish.Alarmer, journal *Journal) *Coordinator {
	return &Coordinator{
		adapters:    adapters,
		loader:      loader,
		archiver:    archiver,
		alarmer:     alarmer,
		alloc:       batch.NewAllocator(nil),
		journal:     journal,
		now:         time.Now,
		videoClient: &http.Client{Timeout: time.Minute},
	}
}

// IngestWindow selects the calendar day a scheduled run covers.
func IngestWindow(now time.Time, fetchYesterday bool) provider.Window {
	day := batch.Today(now)
	if fetchYesterday {
		day = batch.Yesterday(now)
	}
	return provider.Window{Start: day, End: day}
}

// WindowFor is the single-day window for backfill runs.
func WindowFor(day civil.Date) provider.Window {
	return provider.Window{Start: day, End: day}
}

// RunIngest executes one batch over the window: all adapters concurrently, one
// in-flight extraction per source. The returned record lists every source,
// zero-row successes included. The error is non-nil only when every source
// failed.
func (c *Coordinator) RunIngest(ctx context.Context, w provider.Window) (BatchRecord, error) {
	batchID := c.alloc.Next()
	started := c.now()
	log.Printf("[pipeline] batch %s started, window %s, %d sources", batchID, w, len(c.adapters))

	outcomes := make([]SourceOutcome, len(c.adapters))
	var wg sync.WaitGroup
	for i, a := range c.adapters {
		wg.Add(1)
		go func(i int, a provider.Adapter) {
			defer wg.Done()
			outcomes[i] = c.runSource(ctx, a, w, batchID)
		}(i, a)
	}
	wg.Wait()

	rec := BatchRecord{
		BatchID:  batchID,
		Window:   w,
		Started:  started,
		Finished: c.now(),
		Outcomes: outcomes,
	}
	if c.journal != nil {
		c.journal.Record(rec)
	}

	for _, o := range rec.Outcomes {
		if o.Err != nil {
			log.Printf("[pipeline] batch %s source %s FAILED after %v: %v", batchID, o.Source, o.Took, o.Err)
			continue
		}
		log.Printf("[pipeline] batch %s source %s ok: %d rows, %d warnings, %v", batchID, o.Source, o.Rows, o.Warnings, o.Took)
	}

	if failed := rec.Failed(); failed == len(rec.Outcomes) && failed > 0 {
		return rec, fmt.Errorf("batch %s: all %d sources failed", batchID, failed)
	}
	return rec, nil
}

// runSource extracts, archives and loads one source. A failed archive warns
// but does not fail the source; the warehouse rows are the system of record.
func (c *Coordinator) runSource(ctx context.Context, a provider.Adapter, w provider.Window, batchID batch.ID) SourceOutcome {
	start := c.now()
	out := SourceOutcome{Source: a.Name()}

	ext, err := a.Extract(ctx, w)
	if err != nil {
		out.Err = err
		out.Took = c.now().Sub(start)
		// Schema surprises alert at warning: the source is down for this
		// batch but the on-call playbook differs from a hard outage.
		level := publish.LevelError
		if errors.Is(err, provider.ErrInvalid) {
			level = publish.LevelWarning
		}
		c.alarm(ctx, level, fmt.Sprintf("source %s failed", a.Name()),
			fmt.Sprintf("batch %s window %s: %v (kind %s)", batchID, w, err, provider.Kind(err)))
		return out
	}

	// The allocator bumps the clock forward on same-second collisions, so the
	// batch id can sit slightly ahead of the real clock. Rows must never carry
	// a fetched_at earlier than their batch's timestamp.
	fetchedAt := c.now()
	if bt, err := batchID.Time(); err == nil && bt.After(fetchedAt) {
		fetchedAt = bt
	}

	if c.archiver != nil && len(ext.Raw) > 0 {
		payload := models.RawPayload{
			Source:    a.Name(),
			BatchID:   batchID.String(),
			FetchedAt: fetchedAt,
			Body:      ext.Raw,
		}
		if aerr := c.archiver.Put(ctx, payload); aerr != nil {
			log.Printf("[pipeline] batch %s source %s archive failed: %v", batchID, a.Name(), aerr)
			c.alarm(ctx, publish.LevelWarning, fmt.Sprintf("archive failed for %s", a.Name()),
				fmt.Sprintf("batch %s: %v", batchID, aerr))
		}
	}
	if c.archiver != nil && len(ext.Videos) > 0 {
		c.archiveVideos(ctx, a.Name(), batchID, ext.Videos)
	}

	for _, tr := range ext.Tables {
		if tr.Upsert {
			if lerr := c.loader.UpsertMapping(ctx, tr.Table, tr.KeyCol, tr.Rows, batchID, fetchedAt); lerr != nil {
				out.Err = fmt.Errorf("upsert %s: %w", tr.Table, lerr)
				break
			}
			out.Rows += len(tr.Rows)
			continue
		}
		n, lerr := c.loader.Append(ctx, tr.Table, tr.Rows, batchID, fetchedAt)
		if lerr != nil {
			out.Err = fmt.Errorf("append %s: %w", tr.Table, lerr)
			break
		}
		out.Rows += n
	}
	if out.Err != nil {
		c.alarm(ctx, publish.LevelError, fmt.Sprintf("load failed for %s", a.Name()),
			fmt.Sprintf("batch %s: %v", batchID, out.Err))
	}

	out.Warnings = len(ext.Warnings)
	for _, warn := range ext.Warnings {
		c.alarm(ctx, publish.LevelWarning, fmt.Sprintf("%s: %s", warn.Source, warn.Rule), warn.Detail)
	}

	out.Took = c.now().Sub(start)
	return out
}

// archiveVideos mirrors the batch's creative assets. Best-effort like the raw
// payload: an unreachable video warns and moves on.
func (c *Coordinator) archiveVideos(ctx context.Context, source string, batchID batch.ID, videos []provider.Video) {
	for _, v := range videos {
		if err := c.fetchVideo(ctx, source, batchID, v); err != nil {
			log.Printf("[pipeline] batch %s source %s video %s: %v", batchID, source, v.MaterialID, err)
			c.alarm(ctx, publish.LevelWarning, fmt.Sprintf("video archive failed for %s", source),
				fmt.Sprintf("batch %s material %s: %v", batchID, v.MaterialID, err))
		}
	}
}

func (c *Coordinator) fetchVideo(ctx context.Context, source string, batchID batch.ID, v provider.Video) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.videoClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return c.archiver.PutVideo(ctx, source, batchID, v.MaterialID, resp.Body)
}

func (c *Coordinator) alarm(ctx context.Context, level, title, body string) {
	if c.alarmer == nil {
		return
	}
	c.alarmer.Alarm(ctx, level, title, body)
}

// Journal keeps the most recent batch records in memory for the status API.
type Journal struct {
	mu      sync.Mutex
	entries []BatchRecord
	max     int
}

func NewJournal(max int) *Journal {
	if max <= 0 {
		max = 50
	}
	return &Journal{max: max}
}

func (j *Journal) Record(rec BatchRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, rec)
	if len(j.entries) > j.max {
		j.entries = j.entries[len(j.entries)-j.max:]
	}
}

// Last returns up to n records, newest first.
func (j *Journal) Last(n int) []BatchRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n > len(j.entries) {
		n = len(j.entries)
	}
	out := make([]BatchRecord, n)
	for i := 0; i < n; i++ {
		out[i] = j.entries[len(j.entries)-1-i]
	}
	return out
}
