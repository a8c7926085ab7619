package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/pkg/fn"
)

var (
	colorCyan   = lipgloss.Color("36")
	colorGreen  = lipgloss.Color("35")
	colorYellow = lipgloss.Color("220")
	colorRed    = lipgloss.Color("167")
	colorGray   = lipgloss.Color("245")
	colorDim    = lipgloss.Color("240")
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleWarning = lipgloss.NewStyle().Foreground(colorYellow)
	styleError   = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	styleHeader  = lipgloss.NewStyle().Foreground(colorGray).Bold(true)
	styleCell    = lipgloss.NewStyle().Padding(0, 1)
)

// newTable is the bordered table every listing command prints.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorDim)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader.Padding(0, 1)
			}
			return styleCell
		})
}

func printStored(w io.Writer, res graph.StorageResult) {
	fmt.Fprintf(w, "%s %s\n", styleSuccess.Render("stored"), styleTitle.Render(res.DiagramID))
	fmt.Fprintf(w, "  %d nodes, %d relationships\n", res.NodesCreated, res.RelationshipsCreated)
	var parts []string
	if res.MetadataStored {
		parts = append(parts, "metadata")
	}
	if res.OntologyStored {
		parts = append(parts, "ontology")
	}
	if res.CalculationsStored {
		parts = append(parts, "calculations")
	}
	if len(parts) > 0 {
		fmt.Fprintln(w, "  "+styleDim.Render("with "+strings.Join(parts, ", ")))
	}
}

func printDiagrams(w io.Writer, recs []graph.DiagramRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, styleDim.Render("no diagrams stored"))
		return
	}
	t := newTable("#", "Diagram", "Title", "Extracted", "Source")
	for _, r := range recs {
		t.Row(strconv.Itoa(r.Index), r.DiagramID, r.Title, r.ExtractedAt, r.SourceReference)
	}
	fmt.Fprintln(w, t.Render())
}

func printCounts(w io.Writer, title string, nodes, rels map[string]int64) {
	fmt.Fprintln(w, styleTitle.Render(title))
	t := newTable("Kind", "Type", "Count")
	var nodeTotal, relTotal int64
	for _, k := range fn.SortedKeys(nodes) {
		t.Row("node", k, strconv.FormatInt(nodes[k], 10))
		nodeTotal += nodes[k]
	}
	for _, k := range fn.SortedKeys(rels) {
		t.Row("relationship", k, strconv.FormatInt(rels[k], 10))
		relTotal += rels[k]
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d nodes, %d relationships\n", nodeTotal, relTotal)
}

func printProtection(w io.Writer, recs []graph.ProtectionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, styleDim.Render("no protection relationships"))
		return
	}
	t := newTable("Relay", "Device", "Protects", "Type", "Notes")
	for _, r := range recs {
		relay := r.RelayID
		if r.RelayDescription != "" {
			relay += " (" + r.RelayDescription + ")"
		}
		protected := r.ProtectedID
		if r.ProtectedName != "" {
			protected += " (" + r.ProtectedName + ")"
		}
		t.Row(relay, r.DeviceCode, protected, r.ProtectedType, r.Notes)
	}
	fmt.Fprintln(w, t.Render())
}

func printConnections(w io.Writer, conns []graph.Connection) {
	if len(conns) == 0 {
		fmt.Fprintln(w, styleDim.Render("no connections"))
		return
	}
	t := newTable("", "Relationship", "Node", "Type", "Name")
	for _, c := range conns {
		arrow := "->"
		if c.Direction == "in" {
			arrow = "<-"
		}
		t.Row(arrow, c.Type, c.NodeID, c.NodeType, c.NodeName)
	}
	fmt.Fprintln(w, t.Render())
}

// printRows renders query rows with one column per key, in sorted order.
func printRows(w io.Writer, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, styleDim.Render("no rows"))
		return
	}
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := fn.SortedKeys(seen)
	t := newTable(cols...)
	for _, r := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := r[c]; ok && v != nil {
				cells[i] = fmt.Sprint(v)
			}
		}
		t.Row(cells...)
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, styleDim.Render(fmt.Sprintf("%d rows", len(rows))))
}

func printInspected(w io.Writer, results []inspected) {
	t := newTable("File", "Title", "Nodes", "Edges", "Status")
	for _, r := range results {
		if r.Error != "" {
			t.Row(r.Path, "", "", "", styleError.Render(r.Error))
			continue
		}
		status := styleSuccess.Render("ok")
		if len(r.Undeclared) > 0 {
			status = styleWarning.Render("undeclared attrs: " + strings.Join(fn.SortedKeys(r.Undeclared), ", "))
		}
		t.Row(r.Path, r.Summary.Title, strconv.Itoa(r.Summary.TotalNodes), strconv.Itoa(r.Summary.TotalEdges), status)
	}
	fmt.Fprintln(w, t.Render())
}
