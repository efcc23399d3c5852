package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// render writes v as JSON or YAML, or calls table for the default human output
func render(format string, v interface{}, table func() error) error {
	switch format {
	case "", "table":
		return table()
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so json tags and RawMessage payloads are honoured
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return fmt.Errorf("failed to marshal output to YAML: %w", err)
		}
		fmt.Print(string(out))
		return nil
	default:
		return fmt.Errorf("unsupported output: %s (supported: table, json, yaml)", format)
	}
}

func printTable(rows [][]string) error {
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
