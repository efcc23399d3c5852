package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/sym"
)

// DbCmd groups job store maintenance commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the job store",
	Long: sym.DB + ` db - job store maintenance

Examples:
  fleet db migrate   # Apply pending migrations
  fleet db stats     # Job and resource counts by status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// openStore migrates on open
		cfg, st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		pterm.Success.Printfln("%s %s store is up to date", sym.DB, cfg.Database.Driver)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job and resource counts by status",
	RunE:  runDbStats,
}

func init() {
	dbStatsCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.queue.GetStats(ctx)
	if err != nil {
		return err
	}
	resources, err := st.registry.List(ctx)
	if err != nil {
		return err
	}
	byStatus := make(map[resource.Status]int)
	for _, r := range resources {
		byStatus[r.Status]++
	}

	output, _ := cmd.Flags().GetString("output")
	body := map[string]interface{}{"jobs": stats, "resources": byStatus}
	return render(output, body, func() error {
		rows := [][]string{
			{"JOBS", "COUNT"},
			{"pending", strconv.Itoa(stats.Pending)},
			{"claimed", strconv.Itoa(stats.Claimed)},
			{"running", strconv.Itoa(stats.Running)},
			{"completed", strconv.Itoa(stats.Completed)},
			{"error", strconv.Itoa(stats.Error)},
			{"canceled", strconv.Itoa(stats.Canceled)},
		}
		if err := printTable(rows); err != nil {
			return err
		}
		fmt.Println()

		rows = [][]string{{"RESOURCES", "COUNT"}}
		for _, s := range resource.AllStatuses {
			rows = append(rows, []string{string(s), strconv.Itoa(byStatus[s])})
		}
		return printTable(rows)
	})
}
