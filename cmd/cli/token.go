package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/paygate/internal/infrastructure/crypto"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage admin API tokens",
}

// tokenIssueCmd signs an admin bearer token with the configured admin secret.
// tokenIssueCmd 使用配置的管理密钥签发管理员令牌。
var tokenIssueCmd = &cobra.Command{
	Use:   "issue SUBJECT",
	Short: "Issue an admin bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is not configured")
		}
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := crypto.NewAdminTokenManager(cfg.Admin.JWTSecret, cfg.Admin.Issuer).Issue(args[0], role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().String("role", crypto.RoleAdmin, "role claim")
	tokenIssueCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
