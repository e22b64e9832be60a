package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/annosync/internal/metrics"
	"github.com/ChuLiYu/annosync/internal/server"
	"github.com/ChuLiYu/annosync/internal/store"
)

func buildServeCommand() *cobra.Command {
	var (
		listen       string
		database     string
		team         string
		maxFilenames int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local dataset service",
		Long:  "Serve datasets stored in a local SQLite database over gRPC, for imports with --address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Server.Listen = listen
			}
			if flags.Changed("database") {
				cfg.Server.Database = database
			}
			if flags.Changed("team") {
				cfg.Remote.Team = team
			}
			if flags.Changed("max-filenames") {
				cfg.Server.MaxFilenames = maxFilenames
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default :50051)")
	cmd.Flags().StringVar(&database, "database", "", "SQLite database path")
	cmd.Flags().StringVar(&team, "team", "", "team slug")
	cmd.Flags().IntVar(&maxFilenames, "max-filenames", 0, "reject file requests naming more filenames than this (0 = unlimited)")

	return cmd
}

// runServer serves until ctx is cancelled.
func runServer(ctx context.Context, cfg *Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Remote.Dataset != "" {
		if _, err := st.EnsureDataset(ctx, store.DatasetInfo{Slug: cfg.Remote.Dataset}); err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, prometheus.DefaultGatherer); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	grpcServer := server.NewGRPCServer(server.New(st))
	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	slog.Info("Dataset service listening", "addr", lis.Addr().String(), "database", cfg.Server.Database, "team", st.TeamSlug())

	select {
	case <-ctx.Done():
		slog.Info("Stopping dataset service")
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("gRPC server failed: %w", err)
	}
}
