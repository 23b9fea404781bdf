package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"mentiharvest/internal/scheduler"
)

// Table is a parsed CSV file: trimmed headers in file order plus one
// header-keyed map per data row.
type Table struct {
	Headers []string
	Rows    []map[string]string
}

// Parse reads CSV input into a Table. The first non-empty record is the
// header row; short records are padded with empty strings and long ones keep
// only the headed cells. Fully blank rows are dropped.
func Parse(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}

	table := &Table{}
	for _, record := range records {
		if blankRecord(record) {
			continue
		}
		if table.Headers == nil {
			headers := make([]string, len(record))
			for i, h := range record {
				headers[i] = strings.TrimSpace(h)
			}
			table.Headers = headers
			continue
		}

		row := make(map[string]string, len(table.Headers))
		for i, h := range table.Headers {
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			} else {
				row[h] = ""
			}
		}
		table.Rows = append(table.Rows, row)
	}

	if table.Headers == nil {
		return nil, fmt.Errorf("CSV input contains no rows")
	}
	return table, nil
}

// ColumnScore grades one column's likelihood of holding the presentation
// URLs.
type ColumnScore struct {
	Column  string  `json:"column"`
	Ratio   float64 `json:"ratio"`
	Matches int     `json:"matches"`
	Values  int     `json:"values"`
}

// ScoreColumns grades every column by the fraction of its non-empty values
// that are well-formed http(s) URLs, best first. Ties break on absolute
// match count, then on a "url"/"link" name hint, then lexicographically.
func (t *Table) ScoreColumns() []ColumnScore {
	scores := make([]ColumnScore, 0, len(t.Headers))
	for _, h := range t.Headers {
		score := ColumnScore{Column: h}
		for _, row := range t.Rows {
			v := row[h]
			if v == "" {
				continue
			}
			score.Values++
			if looksLikeURL(v) {
				score.Matches++
			}
		}
		if score.Values > 0 {
			score.Ratio = float64(score.Matches) / float64(score.Values)
		}
		scores = append(scores, score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Ratio != b.Ratio {
			return a.Ratio > b.Ratio
		}
		if a.Matches != b.Matches {
			return a.Matches > b.Matches
		}
		if ah, bh := nameHint(a.Column), nameHint(b.Column); ah != bh {
			return ah
		}
		return a.Column < b.Column
	})
	return scores
}

// DetectURLColumn returns the best-guess URL column, or an error when no
// column contains a single well-formed URL.
func (t *Table) DetectURLColumn() (string, error) {
	scores := t.ScoreColumns()
	if len(scores) == 0 || scores[0].Matches == 0 {
		return "", fmt.Errorf("no column contains http(s) URLs")
	}
	return scores[0].Column, nil
}

// Items builds the work batch from the chosen URL column. Rows with an empty
// cell in that column are skipped; the survivors get dense row indexes in
// file order.
func (t *Table) Items(urlColumn string) ([]scheduler.WorkItem, error) {
	found := false
	for _, h := range t.Headers {
		if h == urlColumn {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("unknown column %q", urlColumn)
	}

	var items []scheduler.WorkItem
	for _, row := range t.Rows {
		u := row[urlColumn]
		if u == "" {
			continue
		}
		rowCopy := make(map[string]string, len(row))
		for k, v := range row {
			rowCopy[k] = v
		}
		items = append(items, scheduler.WorkItem{
			RowIndex: len(items),
			URL:      u,
			Columns:  append([]string(nil), t.Headers...),
			RowData:  rowCopy,
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no rows with a value in column %q", urlColumn)
	}
	return items, nil
}

func looksLikeURL(value string) bool {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func nameHint(column string) bool {
	c := strings.ToLower(column)
	return strings.Contains(c, "url") || strings.Contains(c, "link")
}

func blankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
