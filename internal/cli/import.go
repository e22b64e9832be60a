package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/annosync/internal/formats/darwinjson"
	"github.com/ChuLiYu/annosync/internal/importer"
	"github.com/ChuLiYu/annosync/internal/metrics"
	"github.com/ChuLiYu/annosync/internal/snapshot"
)

// importFlags holds the import command's flags; only flags the user set
// override the config file.
type importFlags struct {
	address        string
	team           string
	dataset        string
	append         bool
	deleteForEmpty bool
	yes            bool
	annotators     bool
	reviewers      bool
	multiCPU       bool
	cpuLimit       int
	chunkSize      int
	metadata       string
	schemaDump     string
}

func buildImportCommand() *cobra.Command {
	var f importFlags

	cmd := &cobra.Command{
		Use:   "import [paths...]",
		Short: "Import annotation files into a dataset",
		Long: `Parse Darwin JSON annotation files (or folders of them) and upload them to
the matching dataset items. Missing classes and properties are created first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			return runImport(cmd, cfg, args, f.schemaDump)
		},
	}

	cmd.Flags().StringVar(&f.address, "address", "", "dataset service address; empty uses the local database")
	cmd.Flags().StringVar(&f.team, "team", "", "team slug")
	cmd.Flags().StringVarP(&f.dataset, "dataset", "d", "", "dataset slug")
	cmd.Flags().BoolVar(&f.append, "append", false, "keep existing annotations of the remote files")
	cmd.Flags().BoolVar(&f.deleteForEmpty, "delete-for-empty", false, "clear remote annotations for empty annotation files")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "do not ask before creating classes or skipping files")
	cmd.Flags().BoolVar(&f.annotators, "annotators", false, "import annotators")
	cmd.Flags().BoolVar(&f.reviewers, "reviewers", false, "import reviewers")
	cmd.Flags().BoolVar(&f.multiCPU, "multi-cpu", false, "parse files in parallel")
	cmd.Flags().IntVar(&f.cpuLimit, "cpu-limit", 0, "maximum CPUs used for parsing (0 = all but one)")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "filenames per remote file request")
	cmd.Flags().StringVar(&f.metadata, "metadata", "", "property metadata file; default looks for .v7/metadata.json next to each file")
	cmd.Flags().StringVar(&f.schemaDump, "schema-dump", "", "write the remote class snapshot to this JSON file before importing")

	return cmd
}

func (f *importFlags) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Remote.Address = f.address
	}
	if flags.Changed("team") {
		cfg.Remote.Team = f.team
	}
	if flags.Changed("dataset") {
		cfg.Remote.Dataset = f.dataset
	}
	if flags.Changed("append") {
		cfg.Import.Append = f.append
	}
	if flags.Changed("delete-for-empty") {
		cfg.Import.DeleteForEmpty = f.deleteForEmpty
	}
	if flags.Changed("yes") {
		cfg.Import.ClassPrompt = !f.yes
	}
	if flags.Changed("annotators") {
		cfg.Import.ImportAnnotators = f.annotators
	}
	if flags.Changed("reviewers") {
		cfg.Import.ImportReviewers = f.reviewers
	}
	if flags.Changed("multi-cpu") {
		cfg.Import.UseMultiCPU = f.multiCPU
	}
	if flags.Changed("cpu-limit") {
		cfg.Import.CPULimit = f.cpuLimit
	}
	if flags.Changed("chunk-size") {
		cfg.Import.ChunkSize = f.chunkSize
	}
	if flags.Changed("metadata") {
		cfg.Import.Metadata = f.metadata
	}
}

func importOptions(cfg *Config) importer.Options {
	return importer.Options{
		Append:           cfg.Import.Append,
		DeleteForEmpty:   cfg.Import.DeleteForEmpty,
		ClassPrompt:      cfg.Import.ClassPrompt,
		ImportAnnotators: cfg.Import.ImportAnnotators,
		ImportReviewers:  cfg.Import.ImportReviewers,
		UseMultiCPU:      cfg.Import.UseMultiCPU,
		CPULimit:         cfg.Import.CPULimit,
		MetadataPath:     cfg.Import.Metadata,
		ChunkSize:        cfg.Import.ChunkSize,
	}
}

func runImport(cmd *cobra.Command, cfg *Config, paths []string, schemaDump string) error {
	opts := importOptions(cfg)
	// 在任何連線前檢查選項
	if err := opts.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
				slog.Default().Error("Metrics server error", "error", err)
			}
		}()
	}

	if schemaDump != "" {
		if err := dumpSchema(ctx, b, schemaDump); err != nil {
			return err
		}
	}

	prompter, err := newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), opts.ClassPrompt)
	if err != nil {
		return err
	}

	im := &importer.Importer{
		Dataset:    b.Dataset,
		Team:       b.Team,
		Parser:     darwinjson.NewReader(nil),
		Extensions: darwinjson.Extensions,
		Prompter:   prompter,
		Metrics:    collector,
		Logger:     slog.Default(),
		Options:    opts,
	}
	report, runErr := im.Run(ctx, paths)
	if report != nil && (len(report.Files) > 0 || report.Aborted) {
		fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
	}
	return runErr
}

func dumpSchema(ctx context.Context, b *backend, path string) error {
	snap, err := snapshot.Build(ctx, b.Dataset)
	if err != nil {
		return err
	}
	if err := snapshot.NewManager(path).Write(b.Dataset.Slug(), snap); err != nil {
		return err
	}
	slog.Default().Info("Wrote schema snapshot", "path", path, "classes", len(snap.Classes))
	return nil
}
