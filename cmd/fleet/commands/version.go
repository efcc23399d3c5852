package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/fleet/version"
)

// VersionCmd prints build information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show fleet version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		output, _ := cmd.Flags().GetString("output")
		return render(output, info, func() error {
			fmt.Println(info.String())
			fmt.Printf("Platform: %s\n", info.Platform)
			fmt.Printf("Go: %s\n", info.GoVersion)
			return nil
		})
	},
}

func init() {
	VersionCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
}
