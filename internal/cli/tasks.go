package cli

import (
	"fmt"
	"time"

	"github.com/lazypower/vaultweave/internal/config"
	"github.com/lazypower/vaultweave/internal/engine"
	"github.com/spf13/cobra"
)

var (
	tasksTask  string
	tasksLimit int
	tasksSince time.Duration
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recent task executions",
	Long:  "List task executions recorded by the scheduler, newest first.",
	RunE:  runTasks,
}

func init() {
	tasksCmd.Flags().StringVarP(&tasksTask, "task", "t", "", "Only show executions of this task")
	tasksCmd.Flags().IntVarP(&tasksLimit, "limit", "n", 20, "Maximum number of executions")
	tasksCmd.Flags().DurationVar(&tasksSince, "since", 24*time.Hour, "How far back to look")
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentExecutions(tasksTask, time.Now().Add(-tasksSince), tasksLimit)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("No executions recorded.")
		return nil
	}

	for _, row := range rows {
		e := engine.FromStoreExecution(row)
		line := fmt.Sprintf("  %s  %-12s %-9s attempt %d", e.CreatedAt.Format(time.DateTime), e.TaskID, e.Status, e.Attempt)
		if d := e.Duration(); d > 0 {
			line += fmt.Sprintf("  %s", d.Round(time.Millisecond))
		}
		if e.AdHoc {
			line += "  (ad hoc)"
		}
		fmt.Println(line)
		if e.Error != "" {
			fmt.Printf("      %s\n", e.Error)
		}
	}
	return nil
}
