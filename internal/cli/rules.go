package cli

import (
	"fmt"

	"github.com/lazypower/vaultweave/internal/config"
	"github.com/lazypower/vaultweave/internal/rules"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a rules file without running it",
	Long:  "Parse and compile every rule. With no argument the configured rules file is checked.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesValidate,
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if path, err = config.ResolvePath(cfg.RulesFile, "rules.yaml"); err != nil {
			return err
		}
	}

	f, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	reg, errs := f.BuildRegistry()

	for _, r := range reg.All() {
		state := "ok"
		switch {
		case !r.Compiled():
			state = "invalid"
		case !r.Enabled:
			state = "disabled"
		}
		fmt.Printf("  %-8s %s (strength %.2f)\n", state, r.Name, r.Strength)
	}
	if len(errs) > 0 {
		fmt.Println()
		for _, e := range errs {
			fmt.Printf("  - %v\n", e)
		}
		return fmt.Errorf("%s: %d invalid rules", path, len(errs))
	}
	fmt.Printf("\n%s: %d rules valid\n", path, reg.Len())
	return nil
}
