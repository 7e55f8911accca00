package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/paygate/internal/config"
)

var configPath string

// rootCmd represents the base command when the `paygate-admin` binary is called without any subcommands.
// rootCmd 代表在没有任何子命令的情况下调用 `paygate-admin` 二进制文件时的基本命令。
var rootCmd = &cobra.Command{
	Use:   "paygate-admin",
	Short: "A CLI tool for operating the PayGate security gateway.",
	Long: `paygate-admin signs and verifies test requests, validates policy files,
issues admin tokens and builds audit and compliance reports from the audit store.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PAYGATE_CONFIG"), "path to the gateway config file")
}

// loadConfig reads the config named by --config, falling back to the default search path.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point for the CLI application.
// If an error occurs, it prints the error and exits.
// Execute 是 CLI 应用程序的主入口点。如果发生错误，它会打印错误并退出。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
