package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pipegate.io/pipegate/internal/api/middleware"
	"pipegate.io/pipegate/internal/config"
)

// TokenCmd returns the token command. It signs with the server's configured
// key, so it must run where the server config is readable.
func TokenCmd() *cobra.Command {
	var (
		user      string
		org       string
		roles     string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for API access",
		Example: `  pipegatectl token --user svc-scheduler --org org-1
  pipegatectl token --user admin --org org-1 --roles admin --expires-in 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			jwtCfg := middleware.JWTConfig{
				SigningKey: []byte(cfg.Security.JWTSigningKey),
				Issuer:     "pipegate",
				ExpiresIn:  expiresIn,
			}

			var roleList []string
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roleList = append(roleList, r)
				}
			}

			token, expiresAt, err := middleware.GenerateToken(jwtCfg, user, org, roleList)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}

			fmt.Println(token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires: %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Subject user id")
	cmd.Flags().StringVar(&org, "org", "", "Organization id the token acts for")
	cmd.Flags().StringVar(&roles, "roles", "", "Comma-separated roles")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
