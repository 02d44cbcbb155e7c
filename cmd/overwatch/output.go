package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func outputFormat() string {
	switch f := v.GetString("output"); f {
	case outputJSON, outputYAML:
		return f
	default:
		return outputTable
	}
}

// structured reports whether output goes to a machine-readable encoder.
func structured() bool { return outputFormat() != outputTable }

func printStructured(data any) error {
	if outputFormat() == outputYAML {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// render prints data with the structured encoder when one is selected,
// otherwise as a table.
func render(data any, header table.Row, rows []table.Row) error {
	if structured() {
		return printStructured(data)
	}
	if len(rows) == 0 {
		fmt.Println("(none)")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func coords(c [2]float64) string {
	return fmt.Sprintf("%.5f, %.5f", c[0], c[1])
}
