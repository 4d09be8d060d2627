package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/passbook/internal/config"
)

func newInitCommand() *cobra.Command {
	var baseURL string
	var bank string
	var ledger string

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new passbook project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}

			if err := runInit(absDir, baseURL, bank, ledger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized passbook project at %s\n", absDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "extraction service base URL")
	cmd.Flags().StringVar(&bank, "bank", "", "default bank for batch processing")
	cmd.Flags().StringVar(&ledger, "ledger", "", "default bank ledger name for exports")

	return cmd
}

func runInit(dir, baseURL, bank, ledger string) error {
	cfgPath := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	cfg := config.Default()
	if baseURL != "" {
		cfg.Service.BaseURL = baseURL
	}
	if bank != "" {
		cfg.Upload.DefaultBank = bank
	}
	if ledger != "" {
		cfg.Ledger.DefaultName = ledger
	}

	// Create directory structure.
	dirs := []string{
		cfg.Paths.ImportDir,
		filepath.Join(cfg.Paths.ImportDir, "processed"),
		cfg.Paths.ExportDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	// Statements and exports hold account data.
	gitignore := cfg.Paths.ImportDir + "/\n" + cfg.Paths.ExportDir + "/\n"
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, cfg.Paths.ImportDir, ".gitkeep"), []byte{}, 0o644); err != nil {
		return fmt.Errorf("writing .gitkeep: %w", err)
	}
	return nil
}
