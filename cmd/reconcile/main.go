package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/config"
	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/observ"
	"github.com/lalithlochan/payrelay/internal/reconcile"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type sweepFlags struct {
	mode       string
	dryRun     bool
	lookback   time.Duration
	window     time.Duration
	nullOrder  bool
	clinicID   string
	jsonOutput bool
}

func rootCmd() *cobra.Command {
	var f sweepFlags

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Remove duplicate and placeholder payment transactions",
		Long: `Runs the reconciliation passes over recent payment transactions:
- processing placeholders superseded by a paid row of the same purchase
- duplicates by (provider, order id)
- duplicates by (provider, charge id)

Without --mode=execute nothing is deleted.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "dry-run or execute (default from RECONCILE_MODE)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Plan only, overrides --mode")
	cmd.Flags().DurationVar(&f.lookback, "lookback", 0, "Only scan rows created within this window (default from RECONCILE_LOOKBACK)")
	cmd.Flags().DurationVar(&f.window, "window", 0, "Placeholder collapse window (default from RECONCILE_COLLAPSE_WINDOW)")
	cmd.Flags().BoolVar(&f.nullOrder, "require-null-order-id", true, "Only collapse placeholders without a provider order id")
	cmd.Flags().StringVar(&f.clinicID, "clinic", "", "Restrict the sweep to one clinic")
	cmd.Flags().BoolVarP(&f.jsonOutput, "json", "j", false, "Print the report as JSON")

	return cmd
}

func runSweep(cmd *cobra.Command, f sweepFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if f.mode == "" {
		f.mode = cfg.ReconcileMode
	}
	if f.lookback <= 0 {
		f.lookback = cfg.ReconcileLookback
	}
	if f.window <= 0 {
		f.window = cfg.ReconcileCollapseWindow
	}
	if !cmd.Flags().Changed("require-null-order-id") {
		f.nullOrder = cfg.ReconcileRequireNullOrderID
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	database, err := db.New(ctx, db.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		MaxConns:        2,
		ApplicationName: "payrelay-reconcile",
	}, observ.Component(logger, "db"))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, observ.Component(logger, "repository"))
	return sweep(ctx, repo, f, time.Now(), cmd.OutOrStdout(), observ.Component(logger, "reconcile"))
}

// sweep runs one pass over store and writes the report to out.
func sweep(ctx context.Context, store reconcile.Store, f sweepFlags, now time.Time, out io.Writer, logger *zap.Logger) error {
	mode, err := reconcile.ParseMode(f.mode)
	if err != nil {
		return err
	}
	if f.dryRun {
		mode = reconcile.ModeDryRun
	}

	engine := reconcile.NewEngine(store, reconcile.DefaultPolicy(f.window, f.nullOrder), logger)
	report, err := engine.Sweep(ctx, reconcile.Options{
		Mode: mode,
		Filter: db.TransactionFilter{
			CreatedAfter: now.Add(-f.lookback),
			ClinicID:     f.clinicID,
		},
	})
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	if f.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(out, report)
	return nil
}

func printReport(out io.Writer, report *reconcile.Report) {
	fmt.Fprintf(out, "Reconcile (%s)\n", report.Mode)
	fmt.Fprintf(out, "  Scanned:  %d\n", report.Scanned)
	fmt.Fprintf(out, "  Planned:  %d\n", len(report.Planned))
	fmt.Fprintf(out, "  Deleted:  %d\n", report.Deleted)
	fmt.Fprintf(out, "  Took:     %s\n", report.Duration)

	if len(report.Planned) == 0 {
		return
	}
	fmt.Fprintln(out)
	for _, d := range report.Planned {
		fmt.Fprintf(out, "  %-10s delete %s keep %s  %s\n", d.Pass, d.DeleteID, d.SurvivorID, d.Reason)
	}
	if report.Mode == reconcile.ModeDryRun {
		fmt.Fprintln(out, "\nDry run: nothing was deleted. Re-run with --mode=execute to apply.")
	}
}
