package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/netopt/netopt/pkg/planner"
	"github.com/netopt/netopt/pkg/probe"
)

// Table wraps text/tabwriter with consistent column-aligned output.
// Headers and a dash divider are written lazily on first Row(), so empty
// tables produce no output.
type Table struct {
	w       *tabwriter.Writer
	headers []string
	prefix  string
	written bool
}

// NewTable creates a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{
		w:       tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0),
		headers: headers,
	}
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row writes a tab-separated row. On the first call, headers and divider
// are emitted before the row.
func (t *Table) Row(values ...string) {
	t.ensureHeaders()
	fmt.Fprintln(t.w, t.prefix+strings.Join(values, "\t"))
}

// Flush writes any buffered output. If no rows were written, nothing is printed.
func (t *Table) Flush() {
	if !t.written {
		return
	}
	t.w.Flush()
}

// RenderPlan builds the LINK/GATEWAY/WEIGHT/LATENCY/LOSS%/RATIONALE table
// printed after `netopt apply`, plus a footer giving the total ECMP weight
// installed across all next-hops (the number a reader needs to sanity-check
// "why is link X only getting 1/12th of the traffic").
func RenderPlan(plan planner.Plan, lossExcludePct float64) *Table {
	t := NewTable("LINK", "GATEWAY", "WEIGHT", "LATENCY", "LOSS%", "RATIONALE")
	total := 0
	for _, e := range plan {
		total += e.Weight
		t.Row(Bold(e.Link), e.Gateway, fmt.Sprintf("%d", e.Weight), probe.FormatLatency(e.Probe), LossColor(e.Probe.LossPct, lossExcludePct), Dim(e.Rationale))
	}
	if len(plan) > 0 {
		t.Row(Dim("total"), "", fmt.Sprintf("%d", total), "", "", "")
	}
	return t
}

func (t *Table) ensureHeaders() {
	if t.written {
		return
	}
	t.written = true
	fmt.Fprintln(t.w, t.prefix+strings.Join(t.headers, "\t"))
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(t.w, t.prefix+strings.Join(dividers, "\t"))
}
