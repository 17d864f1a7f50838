package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// writeOutput renders v as json or yaml, or calls text for the default
// human-readable form.
func writeOutput(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return text(w)
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func formatShape(s []int) string {
	if len(s) == 0 {
		return "-"
	}
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = fmt.Sprint(n)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
