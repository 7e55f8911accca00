package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	appservice "github.com/turtacn/paygate/internal/application/service"
	"github.com/turtacn/paygate/internal/config"
	domainservice "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/infrastructure/audit"
	pgstore "github.com/turtacn/paygate/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/paygate/pkg/logger"
)

// auditCmd groups the commands that read the stored audit trail.
// auditCmd 汇总读取已存储审计记录的命令。
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Reports over the audit store",
	Long:  `Builds audit and compliance reports from the gateway's database. audit.backend must be gorm.`,
}

var auditReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize the audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := reportWindow(cmd)
		if err != nil {
			return err
		}
		return withAuditPipeline(cmd.Context(), func(ctx context.Context, p *appservice.AuditPipeline, _ *audit.Signer) error {
			report, err := p.GenerateReport(ctx, from, to)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var auditComplianceCmd = &cobra.Command{
	Use:   "compliance FRAMEWORK",
	Short: "Check pci-dss or soc2 controls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := reportWindow(cmd)
		if err != nil {
			return err
		}
		return withAuditPipeline(cmd.Context(), func(ctx context.Context, p *appservice.AuditPipeline, _ *audit.Signer) error {
			report, err := p.ComplianceReport(ctx, args[0], from, to)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Compliant {
				return fmt.Errorf("%s: %d of %d controls failed", args[0], report.Failed, report.Passed+report.Failed)
			}
			return nil
		})
	},
}

// auditVerifyCmd recomputes the signature of every stored event in the window.
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the signatures of stored audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := reportWindow(cmd)
		if err != nil {
			return err
		}
		return withAuditPipeline(cmd.Context(), func(ctx context.Context, p *appservice.AuditPipeline, signer *audit.Signer) error {
			events, err := p.Events(ctx, from, to)
			if err != nil {
				return err
			}
			tampered := 0
			for _, e := range events {
				if !signer.Verify(e) {
					tampered++
					fmt.Fprintf(cmd.OutOrStdout(), "INVALID %s %s %s\n", e.AuditID, e.Timestamp.Format(time.RFC3339), e.EventType)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d events checked, %d invalid\n", len(events), tampered)
			if tampered > 0 {
				return fmt.Errorf("audit trail has %d events with invalid signatures", tampered)
			}
			return nil
		})
	},
}

func reportWindow(cmd *cobra.Command) (time.Time, time.Time, error) {
	since, _ := cmd.Flags().GetDuration("since")
	fromFlag, _ := cmd.Flags().GetString("from")
	toFlag, _ := cmd.Flags().GetString("to")

	to := time.Now().UTC()
	if toFlag != "" {
		t, err := time.Parse(time.RFC3339, toFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = t
	}
	from := to.Add(-since)
	if fromFlag != "" {
		t, err := time.Parse(time.RFC3339, fromFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must be before --to")
	}
	return from, to, nil
}

// withAuditPipeline opens the database named in the config and runs fn against a read-only pipeline over it.
func withAuditPipeline(ctx context.Context, fn func(context.Context, *appservice.AuditPipeline, *audit.Signer) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled || cfg.Audit.Backend != "gorm" {
		return fmt.Errorf("audit reports need database.enabled and audit.backend=gorm")
	}
	key := cfg.Audit.HMACKey
	if key == "" {
		key = config.DevelopmentAuditKey
	}
	signer, err := audit.NewSigner(key)
	if err != nil {
		return err
	}

	log := logger.NewNoopLogger()
	conn, err := pgstore.NewDBConnection(ctx, &cfg.Database, log)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer conn.Close()

	pipeline := appservice.NewAuditPipeline(pgstore.NewAuditRepository(conn.DB()), signer, cfg,
		domainservice.SystemClock{}, domainservice.NoopMetrics{}, log)
	return fn(ctx, pipeline, signer)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{auditReportCmd, auditComplianceCmd, auditVerifyCmd} {
		c.Flags().Duration("since", 24*time.Hour, "window length ending at --to")
		c.Flags().String("from", "", "window start, RFC3339 (overrides --since)")
		c.Flags().String("to", "", "window end, RFC3339 (default now)")
		auditCmd.AddCommand(c)
	}
	rootCmd.AddCommand(auditCmd)
}
