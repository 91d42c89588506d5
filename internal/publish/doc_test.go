package publish

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"adpipeline/internal/report"
)

// fakeDoc records block writes and can reject a cell fill a set number of
// times to exercise the retry path.
type fakeDoc struct {
	docID      string
	headings   []string
	paragraphs []string
	tables     []struct{ rows, cols int }
	cells      map[string]string
	fillTimes  []time.Time

	rejectCell  string
	rejectsLeft int

	resolveErr error
}

func newFakeDoc() *fakeDoc {
	return &fakeDoc{docID: "doc1", cells: map[string]string{}}
}

func (f *fakeDoc) ResolveTarget(_ context.Context, target string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.docID, nil
}

func (f *fakeDoc) AppendHeading(_ context.Context, _, text string) error {
	f.headings = append(f.headings, text)
	return nil
}

func (f *fakeDoc) AppendParagraph(_ context.Context, _, text string) error {
	f.paragraphs = append(f.paragraphs, text)
	return nil
}

func (f *fakeDoc) CreateTable(_ context.Context, _ string, rows, cols int) ([][]string, error) {
	n := len(f.tables)
	f.tables = append(f.tables, struct{ rows, cols int }{rows, cols})
	out := make([][]string, rows)
	for r := 0; r < rows; r++ {
		out[r] = make([]string, cols)
		for c := 0; c < cols; c++ {
			out[r][c] = fmt.Sprintf("t%d_r%d_c%d", n, r, c)
		}
	}
	return out, nil
}

func (f *fakeDoc) FillCell(_ context.Context, _, cellID, text string) error {
	f.fillTimes = append(f.fillTimes, time.Now())
	if cellID == f.rejectCell && f.rejectsLeft > 0 {
		f.rejectsLeft--
		return errors.New("rate limited")
	}
	f.cells[cellID] = text
	return nil
}

// fastSink removes the pacing so tests stay quick.
func fastSink(backend DocBackend, chunkRows int) *DocSink {
	s := NewDocSink(backend, "doc1", chunkRows)
	s.limiter = rate.NewLimiter(rate.Inf, 1)
	return s
}

func TestDocSinkChunksTables(t *testing.T) {
	fake := newFakeDoc()
	sink := fastSink(fake, 5)

	table := report.Table{Header: []string{"Name", "Spend"}}
	for i := 0; i < 12; i++ {
		table.Rows = append(table.Rows, []string{fmt.Sprintf("row%02d", i), "100"})
	}

	err := sink.Publish(context.Background(), report.Document{
		Title: "Weekly Ad Report",
		Sections: []report.Section{
			{Heading: "Top Dramas", Paragraphs: []string{"intro"}, Tables: []report.Table{table}},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// 12 rows at chunk 5 = tables of 5, 5 and 2 data rows, each plus header.
	if len(fake.tables) != 3 {
		t.Fatalf("got %d tables, want 3", len(fake.tables))
	}
	wantRows := []int{6, 6, 3}
	for i, tab := range fake.tables {
		if tab.rows != wantRows[i] || tab.cols != 2 {
			t.Errorf("table %d = %dx%d, want %dx2", i, tab.rows, tab.cols, wantRows[i])
		}
	}

	// Header repeats at the top of every chunk.
	for i := 0; i < 3; i++ {
		if got := fake.cells[fmt.Sprintf("t%d_r0_c0", i)]; got != "Name" {
			t.Errorf("table %d header cell = %q, want Name", i, got)
		}
	}
	if got := fake.cells["t2_r2_c0"]; got != "row11" {
		t.Errorf("last data cell = %q, want row11", got)
	}
	if fake.headings[0] != "Weekly Ad Report" || fake.headings[1] != "Top Dramas" {
		t.Errorf("headings = %v", fake.headings)
	}
}

func TestDocSinkEmptyTableWritesHeaderOnly(t *testing.T) {
	fake := newFakeDoc()
	sink := fastSink(fake, 5)

	err := sink.Publish(context.Background(), report.Document{
		Title: "r",
		Sections: []report.Section{
			{Heading: "h", Tables: []report.Table{{Header: []string{"A", "B"}}}},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fake.tables) != 1 || fake.tables[0].rows != 1 {
		t.Errorf("tables = %+v, want one header-only table", fake.tables)
	}
}

func TestDocSinkRetriesCellFill(t *testing.T) {
	fake := newFakeDoc()
	fake.rejectCell = "t0_r0_c1"
	fake.rejectsLeft = 2

	sink := fastSink(fake, 5)
	orig := cellRetryBackoff
	cellRetryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { cellRetryBackoff = orig }()

	err := sink.Publish(context.Background(), report.Document{
		Title: "r",
		Sections: []report.Section{
			{Heading: "h", Tables: []report.Table{{Header: []string{"A", "B"}}}},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := fake.cells["t0_r0_c1"]; got != "B" {
		t.Errorf("retried cell = %q, want B", got)
	}
}

func TestDocSinkUnsupportedTarget(t *testing.T) {
	fake := newFakeDoc()
	fake.resolveErr = fmt.Errorf("wiki node holds \"sheet\": %w", ErrUnsupportedTarget)

	sink := fastSink(fake, 5)
	err := sink.Publish(context.Background(), report.Document{Title: "r"})
	if !errors.Is(err, ErrUnsupportedTarget) {
		t.Errorf("err = %v, want ErrUnsupportedTarget", err)
	}
}

func TestDocSinkPacesCellFills(t *testing.T) {
	fake := newFakeDoc()
	sink := NewDocSink(fake, "doc1", 5) // real 200ms limiter

	start := time.Now()
	err := sink.Publish(context.Background(), report.Document{
		Title: "r",
		Sections: []report.Section{
			{Heading: "h", Tables: []report.Table{{Header: []string{"A", "B"}, Rows: [][]string{{"1", "2"}}}}},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	// 4 cells: the limiter admits the first immediately, then one per 200ms.
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("4 cell fills took %v, want ~600ms of pacing", elapsed)
	}
}
