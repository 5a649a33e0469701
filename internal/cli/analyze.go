package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// --- index command ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the corpus and print a summary",
	RunE:  runIndex,
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := a.engine.Index(ctx)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	snap := a.engine.Snapshot()
	tags := make(map[string]struct{})
	for _, doc := range snap.Documents() {
		for t := range doc.Tags {
			tags[t] = struct{}{}
		}
	}
	fmt.Printf("Indexed %d documents in %s\n", report.Indexed, report.Duration.Round(time.Millisecond))
	fmt.Printf("  tags:    %d\n", len(tags))
	fmt.Printf("  corpora: %d\n", len(snap.Corpora()))
	if len(report.Skipped) > 0 {
		fmt.Println()
		fmt.Printf("%d skipped:\n", len(report.Skipped))
		for _, s := range report.Skipped {
			fmt.Printf("  - %s: %s\n", s.Path, s.Reason)
		}
	}
	return nil
}

// --- correlate command ---

var correlateLimit int

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Print tag correlations and structural patterns",
	RunE:  runCorrelate,
}

func init() {
	correlateCmd.Flags().IntVarP(&correlateLimit, "limit", "n", 20, "Maximum rows per section")
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	analysis, err := a.engine.Correlate(ctx)
	if err != nil {
		return fmt.Errorf("correlate: %w", err)
	}

	fmt.Printf("## Correlations (%d documents)\n\n", analysis.Documents)
	if len(analysis.Correlations) == 0 {
		fmt.Println("  none above threshold")
	}
	for i, c := range analysis.Correlations {
		if i >= correlateLimit {
			fmt.Printf("  ... %d more\n", len(analysis.Correlations)-i)
			break
		}
		fmt.Printf("  #%s + #%s  jaccard %.2f  co-occur %d  corpora %d  confidence %.2f\n",
			c.TagA, c.TagB, c.Jaccard, c.CoOccurrence, c.Corpora, c.Confidence)
	}

	fmt.Printf("\n## Patterns\n\n")
	if len(analysis.Patterns) == 0 {
		fmt.Println("  none")
	}
	for i, p := range analysis.Patterns {
		if i >= correlateLimit {
			fmt.Printf("  ... %d more\n", len(analysis.Patterns)-i)
			break
		}
		fmt.Printf("  %-9s %s  (%d documents, confidence %.2f)\n", p.Kind, p.Key, len(p.Documents), p.Confidence)
	}
	return nil
}
