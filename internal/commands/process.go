package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cleared-dev/passbook/internal/config"
	"github.com/cleared-dev/passbook/internal/export"
	"github.com/cleared-dev/passbook/internal/extractor"
	"github.com/cleared-dev/passbook/internal/importer"
	"github.com/cleared-dev/passbook/internal/ingest"
	"github.com/cleared-dev/passbook/internal/model"
)

var errPasswordNeeded = errors.New("statement is password protected")

type processOptions struct {
	bank     string
	password string
	ledger   string
	out      string
	csv      bool
	xml      bool
	xlsx     bool
}

func newProcessCommand(g *globalFlags) *cobra.Command {
	var opts processOptions

	cmd := &cobra.Command{
		Use:   "process [file.pdf]",
		Short: "Extract transactions from a statement and write exports",
		Long: "Uploads a statement to the extraction service and writes the extracted table.\n" +
			"Without a file, every PDF in the import directory is processed and moved to\n" +
			"import/processed once its exports are written.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			p := &processor{
				cfg:    cfg,
				log:    log,
				up:     newExtractorClient(cfg, log),
				opts:   opts,
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
				now:    time.Now,
			}
			if p.opts.bank == "" {
				p.opts.bank = cfg.Upload.DefaultBank
			}
			if p.opts.out == "" {
				p.opts.out = cfg.Paths.ExportDir
			}
			if !opts.csv && !opts.xml && !opts.xlsx {
				p.opts.csv = true
			}

			if len(args) == 1 {
				_, err := p.processFile(cmd.Context(), args[0], p.opts.out)
				return err
			}
			return p.processBatch(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.bank, "bank", "", "bank the statement belongs to (default upload.default_bank)")
	cmd.Flags().StringVar(&opts.password, "password", "", "password for a protected statement")
	cmd.Flags().StringVar(&opts.ledger, "ledger", "", "bank ledger name for the ledger XML export")
	cmd.Flags().StringVar(&opts.out, "out", "", "directory exports are written to (default paths.export_dir)")
	cmd.Flags().BoolVar(&opts.csv, "csv", false, "write a CSV export (the default when no format is chosen)")
	cmd.Flags().BoolVar(&opts.xml, "xml", false, "write a ledger import XML export")
	cmd.Flags().BoolVar(&opts.xlsx, "xlsx", false, "write an XLSX export")

	return cmd
}

func newExtractorClient(cfg *config.Config, log zerolog.Logger) *extractor.Client {
	return extractor.NewClient(cfg.Service.BaseURL, cfg.Service.Timeout.Std(),
		extractor.WithToken(cfg.Service.Token),
		extractor.WithLogger(log),
	)
}

// accuracyEpsilon is the configured reconciliation tolerance. A configured
// zero is kept and means an exact match.
func accuracyEpsilon(cfg *config.Config) *decimal.Decimal {
	eps := decimal.NewFromFloat(cfg.Ledger.AccuracyEpsilon)
	return &eps
}

type processor struct {
	cfg    *config.Config
	log    zerolog.Logger
	up     ingest.Uploader
	opts   processOptions
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
}

func (p *processor) processBatch(ctx context.Context) error {
	if strings.TrimSpace(p.opts.bank) == "" {
		return errors.New("no bank selected: pass --bank or set upload.default_bank")
	}

	dir := p.cfg.Paths.ImportDir
	files, err := importer.Scan(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(p.out, "No statements in %s\n", dir)
		return nil
	}

	failed := 0
	for _, f := range files {
		outDir := filepath.Join(p.opts.out, strings.TrimSuffix(f.Name, filepath.Ext(f.Name)))
		if _, err := p.processFile(ctx, f.Path, outDir); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			fmt.Fprintf(p.errOut, "%s: %v\n", f.Name, err)
			continue
		}
		if err := importer.MarkProcessed(dir, f.Name); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d statements failed", failed, len(files))
	}
	return nil
}

// processFile runs one statement through a fresh session and writes its
// exports to outDir.
func (p *processor) processFile(ctx context.Context, path, outDir string) (*model.IngestionResult, error) {
	pending, err := importer.Load(path, p.opts.bank)
	if err != nil {
		return nil, err
	}

	sess := ingest.NewSession(p.up, ingest.Options{
		MaxBytes:        p.cfg.Upload.MaxBytes,
		RecomputeOnEdit: p.cfg.Ledger.RecomputeAccuracyOnEdit,
		Epsilon:         accuracyEpsilon(p.cfg),
		Log:             p.log,
	})
	unsubscribe := sess.Subscribe(p.progress)
	defer unsubscribe()

	state, err := sess.UploadWithPassword(ctx, pending, p.opts.password)
	if state == ingest.StatePasswordRequired {
		if p.opts.password == "" {
			return nil, fmt.Errorf("%s: %w: rerun with --password", pending.Filename, errPasswordNeeded)
		}
		return nil, fmt.Errorf("%s: the password was rejected: rerun with the correct --password", pending.Filename)
	}
	if err != nil {
		return nil, err
	}

	res := sess.Result()
	if res == nil {
		return nil, fmt.Errorf("%s: no transactions were extracted", pending.Filename)
	}
	printAccuracy(p.out, res)

	if err := p.writeExports(res, outDir); err != nil {
		return nil, err
	}
	return res, nil
}

// progress prints one line per applied record.
func (p *processor) progress(ev ingest.Event) {
	switch ev.Kind {
	case ingest.EventState:
		if ev.State == ingest.StateUploading {
			fmt.Fprintln(p.errOut, "uploading statement")
		}
	case ingest.EventMetadata:
		fmt.Fprintf(p.errOut, "statement %s: %d pages\n", ev.Metadata.Filename, ev.Metadata.PageCount)
	case ingest.EventPage:
		fmt.Fprintf(p.errOut, "page %d: %d rows (%d total)\n", ev.Page, len(ev.Transactions), ev.Total)
	}
}

func printAccuracy(w io.Writer, res *model.IngestionResult) {
	fmt.Fprintf(w, "Transactions:       %d\n", len(res.Transactions))
	a := res.Accuracy
	if a == nil {
		fmt.Fprintln(w, "Accuracy:           not reported")
		return
	}
	fmt.Fprintf(w, "Opening balance:    %s\n", a.OpeningBalance.StringFixed(2))
	fmt.Fprintf(w, "Calculated closing: %s\n", a.CalculatedClosingBalance.StringFixed(2))
	fmt.Fprintf(w, "Closing balance:    %s\n", a.ClosingBalance.StringFixed(2))
	if a.IsAccurate {
		fmt.Fprintln(w, "Accuracy:           balanced")
		return
	}
	diff := a.CalculatedClosingBalance.Sub(a.ClosingBalance)
	fmt.Fprintf(w, "Accuracy:           off by %s\n", diff.StringFixed(2))
}

func (p *processor) writeExports(res *model.IngestionResult, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}

	if p.opts.csv {
		path := filepath.Join(outDir, export.CSVFileName(p.now()))
		if err := p.writeFile(path, func(w io.Writer) error {
			return export.WriteCSV(w, res.Transactions)
		}); err != nil {
			return err
		}
	}
	if p.opts.xml {
		ledger := export.LedgerName(res.Metadata, p.opts.ledger, p.cfg.Ledger.DefaultName)
		path := filepath.Join(outDir, export.TallyFileName(ledger))
		if err := p.writeFile(path, func(w io.Writer) error {
			return export.WriteTallyXML(w, res.Transactions, ledger)
		}); err != nil {
			return err
		}
	}
	if p.opts.xlsx {
		path := filepath.Join(outDir, export.XLSXFileName(p.now()))
		if err := p.writeFile(path, func(w io.Writer) error {
			return export.WriteXLSX(w, res.Transactions, res.Metadata, res.Accuracy)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *processor) writeFile(path string, write func(io.Writer) error) error {
	if err := writeFile(path, write); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "wrote %s\n", path)
	return nil
}

// writeFile creates path and fills it with write. A failed write removes
// the partial file.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
