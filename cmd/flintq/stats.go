package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics and backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := client.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		health := client.Health(cmd.Context())

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{
			"statistics": stats,
			"health":     health,
		}); err != nil {
			return err
		}
		if !health.Healthy {
			return fmt.Errorf("storage unhealthy: %s", health.Error)
		}
		return nil
	},
}
