package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fieldops/crm-bridge/internal/mirror"
)

var transitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "Run one transition pass and exit",
	Long: `Refresh the opportunity mirror from the CRM, then detect and apply
stage transitions justified by mirrored source facts. With --dry-run the
pass logs every transition it would apply without mutating anything.`,
	RunE: runTransitions,
}

func init() {
	transitionsCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	transitionsCmd.Flags().Bool("dry-run", false, "Detect and log transitions without applying them")

	if err := transitionsCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runTransitions(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tgt, err := buildTargetClient(cfg)
	if err != nil {
		return err
	}
	engine, err := buildEngine(cfg, st, tgt, dryRun)
	if err != nil {
		return err
	}
	pipelineIDs, err := transitionPipelineIDs(cfg)
	if err != nil {
		return err
	}

	refreshed, err := mirror.RefreshOpportunities(ctx, tgt, st, pipelineIDs, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to refresh opportunities: %w", err)
	}
	slog.Info("opportunity mirror refreshed", "count", refreshed)

	sum, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("transition pass complete",
		"dry_run", dryRun,
		"sold", sum.Sold,
		"install_started", sum.InstallStarted,
		"in_progress", sum.InProgress,
		"skipped", sum.Skipped,
		"failed", sum.Failed)

	return nil
}
