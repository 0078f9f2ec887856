package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// QuotaCmd returns the quota command.
func QuotaCmd() *cobra.Command {
	var server, token, org string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show today's quota usage for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if org != "" {
				q.Set("org_id", org)
			}

			client := newAPIClient(server, token)
			var resp struct {
				OrgID             string `json:"org_id"`
				UsageDate         string `json:"usage_date"`
				RunsToday         int    `json:"runs_today"`
				RunsMonth         int    `json:"runs_month"`
				ConcurrentRunning int    `json:"concurrent_running"`
				RemainingToday    int    `json:"remaining_today"`
				Limits            struct {
					DailyRuns      int `json:"daily_runs"`
					MonthlyRuns    int `json:"monthly_runs"`
					ConcurrentRuns int `json:"concurrent_runs"`
				} `json:"limits"`
			}
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/quota?"+q.Encode(), nil, &resp); err != nil {
				return err
			}

			fmt.Printf("Quota for %s (%s)\n", resp.OrgID, resp.UsageDate)
			fmt.Printf("  Today:      %s\n", usageColored(resp.RunsToday, resp.Limits.DailyRuns))
			fmt.Printf("  Month:      %s\n", usageColored(resp.RunsMonth, resp.Limits.MonthlyRuns))
			fmt.Printf("  Concurrent: %s\n", usageColored(resp.ConcurrentRunning, resp.Limits.ConcurrentRuns))
			fmt.Printf("  Remaining today: %d\n", resp.RemainingToday)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&org, "org", "", "Organization id (defaults to the token's org)")
	return cmd
}

func usageColored(used, limit int) string {
	text := fmt.Sprintf("%d / %d", used, limit)
	switch {
	case used >= limit:
		return color.New(color.FgRed).Sprint(text)
	case used*2 >= limit:
		return color.New(color.FgYellow).Sprint(text)
	default:
		return color.New(color.FgGreen).Sprint(text)
	}
}
