// Package output renders CLI results as aligned text, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a printer writing to w
func NewPrinter(format Format, w io.Writer) *Printer {
	return &Printer{
		format:  format,
		writer:  w,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// Print outputs data as JSON or YAML; the table format falls back to JSON.
func (p *Printer) Print(data any) error {
	if p.format == FormatYAML {
		enc := yaml.NewEncoder(p.writer)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	}
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// Color codes
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Red   = "\033[31m"
	Green = "\033[32m"
	Cyan  = "\033[36m"
	Gray  = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// ResultRow is one invocation outcome.
type ResultRow struct {
	Transport string `json:"transport" yaml:"transport"`
	Target    string `json:"target" yaml:"target"`
	Method    string `json:"method" yaml:"method"`
	Status    int    `json:"status,omitempty" yaml:"status,omitempty"`
	TaskID    string `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Note      string `json:"note,omitempty" yaml:"note,omitempty"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// SetValue stores body as the row value, decoded when it is JSON.
func (r *ResultRow) SetValue(body []byte) {
	if len(body) == 0 {
		return
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		r.Value = string(body)
		return
	}
	r.Value = v
}

// PrintResult prints an invocation outcome
func (p *Printer) PrintResult(row ResultRow) error {
	if p.format != FormatTable {
		return p.Print(row)
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s %s\n", p.Colorize(Bold, "Call:"), row.Method, p.Colorize(Cyan, row.Target))
	fmt.Fprintf(w, "%s\t%s\n", p.Colorize(Bold, "Transport:"), row.Transport)
	if row.Status != 0 {
		color := Green
		if row.Status >= 400 {
			color = Red
		}
		fmt.Fprintf(w, "%s\t%s\n", p.Colorize(Bold, "Status:"), p.Colorize(color, fmt.Sprint(row.Status)))
	}
	if row.TaskID != "" {
		fmt.Fprintf(w, "%s\t%s\n", p.Colorize(Bold, "Task ID:"), row.TaskID)
	}
	if row.Note != "" {
		fmt.Fprintf(w, "%s\t%s\n", p.Colorize(Bold, "Note:"), p.Colorize(Gray, row.Note))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if row.Value == nil {
		return nil
	}
	fmt.Fprintln(p.writer, p.Colorize(Bold, "Value:"))
	data, err := json.MarshalIndent(row.Value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.writer, "%s\n", data)
	return err
}
