package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazypower/vaultweave/internal/config"
	"github.com/lazypower/vaultweave/internal/engine"
	"github.com/lazypower/vaultweave/internal/scheduler"
	"github.com/lazypower/vaultweave/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API server",
	RunE:  runServe,
}

// loadTasks reads the task definitions serve schedules. A missing file is
// an error; tasks.example.yaml in the repository is a starting point.
func loadTasks(cfg config.Config) ([]scheduler.TaskDefinition, string, error) {
	path, err := config.ResolvePath(cfg.TasksFile, "tasks.yaml")
	if err != nil {
		return nil, "", err
	}
	defs, err := scheduler.LoadDefinitions(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, path, fmt.Errorf("no tasks file at %s (copy tasks.example.yaml to get started): %w", path, err)
	}
	return defs, path, err
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	defs, source, err := loadTasks(a.cfg)
	if err != nil {
		return err
	}

	recorder := engine.Recorder{DB: a.db}
	sched, err := scheduler.New(defs, a.engine.RunTask, scheduler.Options{
		TickInterval: a.cfg.Scheduler.TickInterval,
		StartupDelay: a.cfg.Scheduler.StartupDelay,
		Retention:    a.cfg.Scheduler.Retention,
		Recorder:     recorder,
		Observers:    []scheduler.Observer{a.metrics, a.engine},
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("tasks (%s): %w", source, err)
	}
	recent, err := recorder.Recent(a.cfg.Scheduler.Retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: restore executions: %v\n", err)
	} else {
		sched.Restore(recent)
	}
	sched.Start(context.Background())

	srv := server.New(a.db, a.engine, sched, a.metrics, VersionString())
	addr := a.cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "vaultweave serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", a.db.Path)
		fmt.Fprintf(os.Stderr, "  tasks: %d (%s)\n", len(defs), source)
		fmt.Fprintf(os.Stderr, "  rules: %d\n", a.engine.Registry().Len())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = httpServer.Shutdown(ctx)
	sched.Stop()
	return err
}
