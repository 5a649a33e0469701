package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazypower/vaultweave/internal/engine"
	"github.com/spf13/cobra"
)

var (
	runDryRun bool
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one linking cycle now",
	Long:  "Index the corpus, correlate tags, apply rules and write links once. With --dry-run nothing is written and nothing is learned.",
	RunE:  runCycle,
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Compute links without writing documents")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full report as JSON")
}

// signalContext is cancelled on interrupt so long passes stop cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCycle(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := a.engine.RunCycle(ctx, engine.CycleOptions{DryRun: runDryRun})
	if err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if report.DryRun {
		fmt.Println("## Cycle (dry run)")
	} else {
		fmt.Println("## Cycle")
	}
	fmt.Println()
	fmt.Printf("  documents:      %d (%d skipped)\n", report.DocumentsIndexed, len(report.Skipped))
	fmt.Printf("  correlations:   %d\n", report.Correlations)
	fmt.Printf("  patterns:       %d\n", report.Patterns)
	fmt.Printf("  rules:          %d applied, %d disabled\n", report.RulesApplied, report.RulesDisabled)
	fmt.Printf("  matches:        %d\n", report.MatchesFound)
	fmt.Printf("  links created:  %d in %d files\n", report.LinksCreated, report.FilesModified)
	fmt.Printf("  duration:       %s\n", report.Duration.Round(time.Millisecond))

	for _, name := range report.GeneratedRules {
		fmt.Printf("  generated rule: %s\n", name)
	}
	for _, o := range report.Exclusions {
		fmt.Printf("  excluded:       %s for rule %s\n", o.Path, o.Rule)
	}
	for _, adj := range report.Adjustments {
		fmt.Printf("  adjusted:       %s %.3f -> %.3f (acceptance %.2f)\n", adj.Rule, adj.Before, adj.After, adj.Acceptance)
	}
	if len(report.Errors) > 0 {
		fmt.Println()
		fmt.Printf("%d errors:\n", len(report.Errors))
		for _, e := range report.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}
