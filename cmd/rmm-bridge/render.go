package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// outputFormat is a rendering format of command results.
type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

func parseFormat(s string) (outputFormat, error) {
	switch outputFormat(strings.ToLower(s)) {
	case formatTable, "":
		return formatTable, nil
	case formatJSON:
		return formatJSON, nil
	case formatYAML:
		return formatYAML, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be table, json or yaml)", s)
	}
}

// tabular is a result that can print itself as aligned columns.
type tabular interface {
	header() []string
	rows() [][]string
}

// renderer writes command results in one format.
type renderer struct {
	format outputFormat
	out    io.Writer
}

func newRenderer(format string, out io.Writer) (*renderer, error) {
	f, err := parseFormat(format)
	if err != nil {
		return nil, err
	}
	return &renderer{format: f, out: out}, nil
}

// render writes v. Table output requires v to be tabular.
func (r *renderer) render(v any) error {
	switch r.format {
	case formatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(r.out)
		defer enc.Close()
		return enc.Encode(v)
	}

	t, ok := v.(tabular)
	if !ok {
		return fmt.Errorf("table output not supported for %T", v)
	}
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(t.header(), "\t"))
	for _, row := range t.rows() {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}
