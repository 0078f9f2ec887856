package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pipegate.io/pipegate/internal/domain"
)

// RunCmd returns the run command group.
func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Request, inspect, and manage pipeline runs",
	}

	cmd.AddCommand(runRequestCmd())
	cmd.AddCommand(runGetCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runStartCmd())
	cmd.AddCommand(runCancelCmd())
	cmd.AddCommand(runReportCmd())

	return cmd
}

func runRequestCmd() *cobra.Command {
	var (
		server, token string
		org           string
		pipeline      string
		credential    string
		priority      int
		scheduled     string
		runDate       string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request admission for a pipeline run",
		Long: `Request admission for a pipeline run.

The same (org, pipeline, credential, date) within one day returns the
original run instead of creating a second one.

Examples:
  pipegatectl run request --org org-1 --pipeline nightly-sync --credential cred-7
  pipegatectl run request --org org-1 --pipeline backfill --credential cred-7 --priority 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"org_id":        org,
				"pipeline_id":   pipeline,
				"credential_id": credential,
				"priority":      priority,
			}
			if scheduled != "" {
				ts, err := time.Parse(time.RFC3339, scheduled)
				if err != nil {
					return fmt.Errorf("invalid --scheduled, want RFC3339: %w", err)
				}
				body["scheduled_time"] = ts
			}
			if runDate != "" {
				body["run_date"] = runDate
			}

			client := newAPIClient(server, token)
			var decision struct {
				Outcome   string `json:"outcome"`
				QueueID   string `json:"queue_id"`
				Reason    string `json:"reason"`
				Retryable bool   `json:"retryable"`
			}
			status, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/runs", body, &decision,
				http.StatusTooManyRequests)
			if err != nil {
				return err
			}

			switch status {
			case http.StatusAccepted:
				fmt.Printf("%s run %s\n", color.New(color.FgGreen).Sprint("ADMITTED"), decision.QueueID)
			case http.StatusOK:
				fmt.Printf("%s existing run %s\n", color.New(color.FgBlue).Sprint("DUPLICATE"), decision.QueueID)
			case http.StatusTooManyRequests:
				fmt.Printf("%s reason=%s retryable=%v\n",
					color.New(color.FgRed).Sprint("DENIED"), decision.Reason, decision.Retryable)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default $PIPEGATE_SERVER or "+defaultServer+")")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default $PIPEGATE_TOKEN)")
	cmd.Flags().StringVar(&org, "org", "", "Organization id")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Pipeline id")
	cmd.Flags().StringVar(&credential, "credential", "", "Credential id")
	cmd.Flags().IntVar(&priority, "priority", 0, "Execution priority, higher runs first")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "Deferred execution time (RFC3339)")
	cmd.Flags().StringVar(&runDate, "date", "", "Business day YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("pipeline")
	_ = cmd.MarkFlagRequired("credential")

	return cmd
}

func runGetCmd() *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "get <queue-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			var item domain.QueueItem
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &item); err != nil {
				return err
			}
			printRun(item)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}

func runListCmd() *cobra.Command {
	var (
		server, token string
		org           string
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending runs in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", fmt.Sprintf("%d", limit))
			if org != "" {
				q.Set("org_id", org)
			}

			client := newAPIClient(server, token)
			var resp struct {
				Items []domain.QueueItem `json:"items"`
				Count int                `json:"count"`
			}
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/runs?"+q.Encode(), nil, &resp); err != nil {
				return err
			}

			if resp.Count == 0 {
				fmt.Println("No pending runs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE ID\tORG\tPIPELINE\tPRIORITY\tSCHEDULED\tSTATE")
			for _, item := range resp.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					item.QueueID, item.OrgID, item.PipelineID, item.Priority,
					item.ScheduledTime.Format(time.RFC3339), stateColored(item.State))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&org, "org", "", "Filter by organization id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list (1..500)")
	return cmd
}

func runStartCmd() *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "start <queue-id>",
		Short: "Claim a pending run for execution",
		Long: `Claim a pending run before executing it externally.

Exactly one claimer wins; report the terminal outcome with "run report"
when execution finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			var item domain.QueueItem
			if _, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/runs/"+url.PathEscape(args[0])+"/start", nil, &item); err != nil {
				return err
			}
			fmt.Printf("%s run %s\n", color.New(color.FgBlue).Sprint("CLAIMED"), item.QueueID)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}

func runCancelCmd() *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "cancel <queue-id>",
		Short: "Cancel a pending run and return its quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			var item domain.QueueItem
			if _, err := client.do(cmd.Context(), http.MethodDelete, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &item); err != nil {
				return err
			}
			fmt.Printf("%s run %s\n", color.New(color.FgYellow).Sprint("CANCELLED"), item.QueueID)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}

func runReportCmd() *cobra.Command {
	var (
		server, token string
		outcome       string
		reason        string
	)

	cmd := &cobra.Command{
		Use:   "report <queue-id>",
		Short: "Report the terminal outcome of an externally executed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			var item domain.QueueItem
			body := map[string]string{"outcome": outcome, "reason": reason}
			if _, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/runs/"+url.PathEscape(args[0])+"/outcome", body, &item); err != nil {
				return err
			}
			printRun(item)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Terminal outcome: SUCCEEDED or FAILED")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func printRun(item domain.QueueItem) {
	fmt.Printf("Run %s\n", item.QueueID)
	fmt.Printf("  Org:        %s\n", item.OrgID)
	fmt.Printf("  Pipeline:   %s\n", item.PipelineID)
	fmt.Printf("  Credential: %s\n", item.CredentialID)
	fmt.Printf("  Priority:   %d\n", item.Priority)
	fmt.Printf("  Scheduled:  %s\n", item.ScheduledTime.Format(time.RFC3339))
	fmt.Printf("  State:      %s\n", stateColored(item.State))
	if item.FailureReason != "" {
		fmt.Printf("  Failure:    %s\n", item.FailureReason)
	}
}

func stateColored(state domain.RunState) string {
	switch state {
	case domain.RunSucceeded:
		return color.New(color.FgGreen).Sprint(state)
	case domain.RunFailed:
		return color.New(color.FgRed).Sprint(state)
	case domain.RunCancelled:
		return color.New(color.FgYellow).Sprint(state)
	case domain.RunRunning:
		return color.New(color.FgBlue).Sprint(state)
	default:
		return string(state)
	}
}
