package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/passbook/internal/export"
)

func newExportCommand(g *globalFlags) *cobra.Command {
	var ledger string
	var out string

	cmd := &cobra.Command{
		Use:   "export <file.csv>",
		Short: "Convert an exported CSV table into ledger import XML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("ledger") && strings.TrimSpace(ledger) == "" {
				return export.ErrNoLedgerName
			}
			name := export.LedgerName(nil, ledger, cfg.Ledger.DefaultName)
			if out == "" {
				out = filepath.Join(cfg.Paths.ExportDir, export.TallyFileName(name))
			}

			n, err := runExport(cmd.OutOrStdout(), args[0], name, out)
			if err != nil {
				return err
			}
			log.Debug().Str("csv", args[0]).Str("ledger", name).Int("vouchers", n).Msg("ledger XML written")
			if out != "-" {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d vouchers to %s\n", n, out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ledger, "ledger", "", "bank ledger name (default ledger.default_name)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout (default paths.export_dir/Tally_Import_<ledger>.xml)")

	return cmd
}

// runExport converts the CSV at src into ledger XML at dst, or to stdout
// when dst is "-", and returns the number of vouchers written.
func runExport(stdout io.Writer, src, ledger, dst string) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening CSV: %w", err)
	}
	defer f.Close()

	txns, err := export.ReadCSV(f)
	if err != nil {
		return 0, err
	}
	if len(txns) == 0 {
		return 0, errors.New("no transactions in " + src)
	}

	if dst == "-" {
		return len(txns), export.WriteTallyXML(stdout, txns, ledger)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("creating output dir: %w", err)
	}
	if err := writeFile(dst, func(w io.Writer) error {
		return export.WriteTallyXML(w, txns, ledger)
	}); err != nil {
		return 0, err
	}
	return len(txns), nil
}
