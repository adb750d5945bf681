package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Content types by export format.
var exportContentTypes = map[string]string{
	FormatJSON:     "application/json",
	FormatCSV:      "text/csv",
	FormatMarkdown: "text/markdown",
}

// ContentTypeFor returns the MIME type for an export format.
func ContentTypeFor(format string) string {
	if ct, ok := exportContentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Export renders a bundle in the requested format.
func Export(b Bundle, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return exportJSON(b)
	case FormatCSV:
		return exportCSV(b)
	case FormatMarkdown:
		return exportMarkdown(b)
	}
	return nil, fmt.Errorf("unknown export format: %q", format)
}

func exportJSON(b Bundle) ([]byte, error) {
	out, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return out, nil
}

// exportCSV flattens the bundle section by section: a title row, a header
// row, then data rows. encoding/csv handles RFC 4180 quoting.
func exportCSV(b Bundle) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	head := [][]string{
		{"bundle", b.ID},
		{"category", b.Category},
		{"scope", b.Scope.String()},
		{"range", formatRangeCell(b)},
		{"health", b.Summary.Health},
		{"headline", b.Summary.Headline},
	}
	for _, row := range head {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
	}

	for _, sec := range b.Sections {
		if err := w.Write([]string{sec.Title}); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
		if sec.Kind == SectionKindMetrics {
			if err := w.Write([]string{"metric", "value", "unit"}); err != nil {
				return nil, fmt.Errorf("write csv: %w", err)
			}
			for _, m := range sec.Metrics {
				row := []string{m.Name, strconv.FormatFloat(m.Value, 'f', -1, 64), m.Unit}
				if err := w.Write(row); err != nil {
					return nil, fmt.Errorf("write csv: %w", err)
				}
			}
			continue
		}
		if sec.Table == nil {
			continue
		}
		if err := w.Write(sec.Table.Headers); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
		for _, row := range sec.Table.Rows {
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("write csv: %w", err)
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func exportMarkdown(b Bundle) ([]byte, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s report: %s\n\n", capitalize(b.Category), b.Scope.String())
	fmt.Fprintf(&sb, "_%s_\n\n", formatRangeCell(b))
	fmt.Fprintf(&sb, "**Health: %s**\n\n", b.Summary.Health)
	if b.Summary.Headline != "" {
		sb.WriteString(b.Summary.Headline)
		sb.WriteString("\n\n")
	}

	for _, sec := range b.Sections {
		fmt.Fprintf(&sb, "## %s\n\n", sec.Title)
		if sec.Kind == SectionKindMetrics {
			writeMarkdownTable(&sb, []string{"metric", "value", "unit"}, metricRows(sec.Metrics))
			continue
		}
		if sec.Table == nil || len(sec.Table.Rows) == 0 {
			sb.WriteString("_none_\n\n")
			continue
		}
		writeMarkdownTable(&sb, sec.Table.Headers, sec.Table.Rows)
	}
	return []byte(sb.String()), nil
}

func metricRows(metrics []Metric) [][]string {
	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []string{m.Name, strconv.FormatFloat(m.Value, 'f', -1, 64), m.Unit})
	}
	return rows
}

func writeMarkdownTable(sb *strings.Builder, headers []string, rows [][]string) {
	sb.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	sb.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, row := range rows {
		cells := make([]string, len(headers))
		for i := range headers {
			if i < len(row) {
				cells[i] = escapeMarkdownCell(row[i])
			}
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	sb.WriteString("\n")
}

func escapeMarkdownCell(cell string) string {
	return strings.ReplaceAll(cell, "|", "\\|")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatRangeCell(b Bundle) string {
	return b.Range.From.UTC().Format(time.RFC3339) + " to " + b.Range.To.UTC().Format(time.RFC3339)
}
