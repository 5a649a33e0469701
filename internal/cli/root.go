package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vaultweave",
	Short: "Rule-driven linking for markdown vaults",
	Long:  "vaultweave indexes tagged documents, learns which tags travel together, and writes related links back into the vault on a schedule.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.vaultweave/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(correlateCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(tasksCmd)
}
