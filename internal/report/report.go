// Package report turns query results into a sink-neutral document model.
// Composition is pure: no I/O, no warehouse, no chat client. The publish
// package renders the model into cards and documents.
package report

import (
	"fmt"

	"adpipeline/internal/query"
)

// Table is a header row plus data rows, already formatted as strings.
type Table struct {
	Header []string
	Rows   [][]string
}

// Section is one titled block of a report.
type Section struct {
	Heading    string
	Paragraphs []string
	Tables     []Table
}

// Document is the sink-neutral report model. Chat sinks render a truncated
// card; document sinks render every section.
type Document struct {
	Title    string
	Sections []Section
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", query.RoundCurrency(v, 2))
}

func moneyWhole(v float64) string {
	return fmt.Sprintf("%.0f", query.RoundCurrency(v, 0))
}

func pct(fraction float64) string {
	return fmt.Sprintf("%+.1f%%", query.RoundPct(fraction))
}

func roas(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// signWord names the direction of a change for the summary sentences.
func signWord(v float64) string {
	switch {
	case v > 0:
		return "up"
	case v < 0:
		return "down"
	default:
		return "flat"
	}
}
