package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gustycube/netbox-import/internal/record"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// ParseFormat parses a format name. "ndjson" is accepted for jsonl.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// Writer renders result sets
type Writer struct {
	format Format
	w      io.Writer
	mu     sync.Mutex
}

// NewWriter creates a new output writer
func NewWriter(format string, w io.Writer) (*Writer, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return &Writer{format: f, w: w}, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

func (w *Writer) Format() Format {
	return w.format
}

// WriteRows writes the whole result set. JSON is one indented array; JSONL is
// one object per line; CSV has a header of the sorted column union and leaves
// cells empty where a row lacks the column or holds null.
func (w *Writer) WriteRows(rows record.ResultSet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		if rows == nil {
			rows = record.ResultSet{}
		}
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)

	case FormatJSONL:
		encoder := json.NewEncoder(w.w)
		for _, row := range rows {
			if err := encoder.Encode(row); err != nil {
				return err
			}
		}
		return nil

	case FormatCSV:
		return w.writeCSV(rows)

	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) writeCSV(rows record.ResultSet) error {
	cw := csv.NewWriter(w.w)
	cols := rows.Columns()
	if err := cw.Write(cols); err != nil {
		return err
	}
	cells := make([]string, len(cols))
	for _, row := range rows {
		for i, c := range cols {
			cells[i] = row[c].Text()
		}
		if err := cw.Write(cells); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteColumns writes a column catalog. JSON renders an array; the other
// formats write one name per line.
func (w *Writer) WriteColumns(cols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.format == FormatJSON {
		if cols == nil {
			cols = []string{}
		}
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cols)
	}
	for _, c := range cols {
		if _, err := io.WriteString(w.w, c+"\n"); err != nil {
			return err
		}
	}
	return nil
}
