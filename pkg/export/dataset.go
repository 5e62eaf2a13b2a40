// Package export renders evidence manifests as CSV or PDF documents.
package export

import "fmt"

// Supported manifest formats.
const (
	FormatCSV = "csv"
	FormatPDF = "pdf"
)

// Column describes one manifest column. Width is a relative weight used by
// the PDF layout; CSV ignores it.
type Column struct {
	Key   string
	Label string
	Width float64
}

// Dataset defines tabular export content.
type Dataset struct {
	Title   string
	Columns []Column
	Rows    []map[string]string
}

// Renderer turns a dataset into document bytes.
type Renderer interface {
	Render(data Dataset) ([]byte, error)
	ContentType() string
	Extension() string
}

// ForFormat returns the renderer registered for format.
func ForFormat(format string) (Renderer, error) {
	switch format {
	case "", FormatCSV:
		return NewCSVExporter(), nil
	case FormatPDF:
		return NewPDFExporter(), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func (d Dataset) validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("dataset requires at least one column")
	}
	return nil
}

func (c Column) label() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Key
}
