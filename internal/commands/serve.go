package commands

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cleared-dev/passbook/internal/metrics"
	"github.com/cleared-dev/passbook/internal/server"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			client := newExtractorClient(cfg, log)
			srv := server.New(server.Config{
				Uploader:        client,
				Stats:           client,
				MaxBytes:        cfg.Upload.MaxBytes,
				RecomputeOnEdit: cfg.Ledger.RecomputeAccuracyOnEdit,
				Epsilon:         accuracyEpsilon(cfg),
				DefaultLedger:   cfg.Ledger.DefaultName,
				SessionTTL:      cfg.Server.SessionTTL.Std(),
				UploadRate:      cfg.Server.UploadRate,
				UploadBurst:     cfg.Server.UploadBurst,
				Metrics:         metrics.New(prometheus.DefaultRegisterer),
				Gatherer:        prometheus.DefaultGatherer,
				Log:             log,
			})
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")

	return cmd
}
