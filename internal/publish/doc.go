package publish

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"adpipeline/internal/report"
)

// DocBackend is the slice of the document API the sink needs. The concrete
// implementation is the Lark client; tests use a fake.
type DocBackend interface {
	// ResolveTarget maps a configured target (a wiki node token or a plain
	// document token) to the document id blocks are written to. Targets the
	// backend cannot write to return ErrUnsupportedTarget.
	ResolveTarget(ctx context.Context, target string) (docID string, err error)
	AppendHeading(ctx context.Context, docID, text string) error
	AppendParagraph(ctx context.Context, docID, text string) error
	// CreateTable appends an empty rows x cols table and returns the cell
	// block ids in row-major order.
	CreateTable(ctx context.Context, docID string, rows, cols int) (cellIDs [][]string, err error)
	FillCell(ctx context.Context, docID, cellID, text string) error
}

// Table creation degrades above a handful of rows (cell fills time out), so
// large tables are emitted as a sequence of small tables, each repeating the
// header row.
const docTableChunkRows = 5

// cellFillInterval is the minimum spacing between cell writes.
const cellFillInterval = 200 * time.Millisecond

var cellRetryBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second}

// DocSink writes a report into a collaborative document.
type DocSink struct {
	backend   DocBackend
	target    string
	chunkRows int
	limiter   *rate.Limiter
}

func NewDocSink(backend DocBackend, target string, chunkRows int) *DocSink {
	if chunkRows <= 0 {
		chunkRows = docTableChunkRows
	}
	return &DocSink{
		backend:   backend,
		target:    target,
		chunkRows: chunkRows,
		limiter:   rate.NewLimiter(rate.Every(cellFillInterval), 1),
	}
}

// Publish writes the document: title paragraph, then per section a heading,
// paragraphs, and chunked tables.
func (s *DocSink) Publish(ctx context.Context, doc report.Document) error {
	docID, err := s.backend.ResolveTarget(ctx, s.target)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", s.target, err)
	}

	if err := s.backend.AppendHeading(ctx, docID, doc.Title); err != nil {
		return err
	}
	for _, sec := range doc.Sections {
		if err := s.backend.AppendHeading(ctx, docID, sec.Heading); err != nil {
			return err
		}
		for _, p := range sec.Paragraphs {
			if err := s.backend.AppendParagraph(ctx, docID, p); err != nil {
				return err
			}
		}
		for _, t := range sec.Tables {
			if err := s.writeTable(ctx, docID, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeTable splits the data rows into chunks and writes one small table per
// chunk, header repeated.
func (s *DocSink) writeTable(ctx context.Context, docID string, t report.Table) error {
	for start := 0; start < len(t.Rows) || start == 0; start += s.chunkRows {
		end := start + s.chunkRows
		if end > len(t.Rows) {
			end = len(t.Rows)
		}
		chunk := t.Rows[start:end]

		cells, err := s.backend.CreateTable(ctx, docID, len(chunk)+1, len(t.Header))
		if err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		if err := s.fillRow(ctx, docID, cells[0], t.Header); err != nil {
			return err
		}
		for i, row := range chunk {
			if err := s.fillRow(ctx, docID, cells[i+1], row); err != nil {
				return err
			}
		}
		if len(t.Rows) == 0 {
			break
		}
	}
	return nil
}

func (s *DocSink) fillRow(ctx context.Context, docID string, cellIDs, values []string) error {
	for col, cellID := range cellIDs {
		text := ""
		if col < len(values) {
			text = values[col]
		}
		if err := s.fillCell(ctx, docID, cellID, text); err != nil {
			return fmt.Errorf("fill cell %s: %w", cellID, err)
		}
	}
	return nil
}

// fillCell paces writes and retries rate-limit rejections with escalating
// sleeps.
func (s *DocSink) fillCell(ctx context.Context, docID, cellID, text string) error {
	var lastErr error
	for attempt := 0; attempt <= len(cellRetryBackoff); attempt++ {
		if attempt > 0 {
			log.Printf("[publish] cell %s attempt %d after: %v", cellID, attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cellRetryBackoff[attempt-1]):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = s.backend.FillCell(ctx, docID, cellID, text)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
