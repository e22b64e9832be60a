package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/annosync/internal/store"
	"github.com/ChuLiYu/annosync/pkg/types"
)

func buildClassesCommand() *cobra.Command {
	var (
		address  string
		dataset  string
		teamWide bool
	)

	cmd := &cobra.Command{
		Use:   "classes",
		Short: "List annotation classes",
		Long:  "List the dataset's annotation classes, or every team class with --team-wide",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("address") {
				cfg.Remote.Address = address
			}
			if cmd.Flags().Changed("dataset") {
				cfg.Remote.Dataset = dataset
			}
			return listClasses(cmd.Context(), cmd.OutOrStdout(), cfg, teamWide)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "dataset service address; empty uses the local database")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "dataset slug")
	cmd.Flags().BoolVar(&teamWide, "team-wide", false, "include team classes not yet added to the dataset")

	return cmd
}

func listClasses(ctx context.Context, out io.Writer, cfg *Config, teamWide bool) error {
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	classes, err := b.Dataset.FetchClasses(ctx, teamWide)
	if err != nil {
		return fmt.Errorf("fetch classes: %w", err)
	}
	fmt.Fprintln(out, renderClasses(classes))
	return nil
}

func buildRegisterCommand() *cobra.Command {
	var (
		dataset  string
		version  int
		folder   string
		itemType string
		slot     string
	)

	cmd := &cobra.Command{
		Use:   "register [filenames...]",
		Short: "Register dataset items in the local database",
		Long:  "Create the dataset if needed and add items that annotations can be imported into",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dataset") {
				cfg.Remote.Dataset = dataset
			}
			if cfg.Remote.Dataset == "" {
				return fmt.Errorf("dataset is required (use --dataset or remote.dataset)")
			}

			var slots []types.Slot
			if slot != "" {
				slots = []types.Slot{{Name: slot, Type: itemType}}
			}
			return registerFiles(cmd.Context(), cfg, store.DatasetInfo{Slug: cfg.Remote.Dataset, Version: version},
				folder, itemType, slots, args)
		},
	}

	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "dataset slug")
	cmd.Flags().IntVar(&version, "version", 2, "item format version of a new dataset")
	cmd.Flags().StringVar(&folder, "path", "/", "remote folder of the items")
	cmd.Flags().StringVar(&itemType, "type", "image", "item type")
	cmd.Flags().StringVar(&slot, "slot", "", "slot name of the items")

	return cmd
}

func registerFiles(ctx context.Context, cfg *Config, info store.DatasetInfo, folder, itemType string, slots []types.Slot, filenames []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ds, err := st.EnsureDataset(ctx, info)
	if err != nil {
		return err
	}
	for _, name := range filenames {
		f, err := ds.RegisterFile(ctx, types.RemoteFile{Filename: name, Path: folder, Slots: slots}, itemType)
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		slog.Info("Registered item", "dataset", ds.Slug(), "full_path", f.FullPath(), "id", f.ID)
	}
	return nil
}
