package cli

import (
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// SweepCmd returns the sweep command.
func SweepCmd() *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Repair stale reservations now",
		Long: `Run one stale-reservation repair pass immediately.

Reservations whose liveness deadline passed are released and their queue
items failed with STALE_TIMEOUT. The server also does this periodically;
sweep forces a pass without waiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			var resp struct {
				Repaired int `json:"repaired"`
			}
			if _, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/sweep", nil, &resp); err != nil {
				return err
			}

			if resp.Repaired == 0 {
				fmt.Println("No stale reservations.")
				return nil
			}
			fmt.Printf("%s repaired %d stale reservation(s)\n",
				color.New(color.FgGreen).Sprint("OK"), resp.Repaired)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}
