package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/paygate/internal/infrastructure/policy"
	"github.com/turtacn/paygate/pkg/logger"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with security policy files",
}

// policyValidateCmd parses a policy file and loads it into a scratch engine, the same checks a hot reload runs.
var policyValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a policy file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}
		policies, err := policy.ParsePolicies(data)
		if err != nil {
			return err
		}
		engine := policy.NewEngine(nil, nil, nil, logger.NewNoopLogger())
		if err := engine.ReplaceAll(policies); err != nil {
			return err
		}
		rules := 0
		for _, p := range policies {
			rules += len(p.Rules)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d policies, %d rules OK\n", args[0], len(policies), rules)

		if attrsJSON, _ := cmd.Flags().GetString("attrs"); attrsJSON != "" {
			var attrs map[string]interface{}
			if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
				return fmt.Errorf("invalid --attrs: %w", err)
			}
			for _, v := range engine.Evaluate(context.Background(), attrs) {
				fmt.Fprintf(cmd.OutOrStdout(), "violation %s/%s action=%s severity=%s\n", v.PolicyID, v.RuleID, v.Action, v.Severity)
			}
		}
		return nil
	},
}

func init() {
	policyValidateCmd.Flags().String("attrs", "", "JSON attributes to evaluate the policies against")
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}
