package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/frameindex"
	"github.com/andresmejia3/maskscrub/internal/store"
	"github.com/andresmejia3/maskscrub/internal/utils"
)

var indexName string

var indexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Register a frame folder in the dataset catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIndex(cmd.Context(), args[0], indexName)
	},
}

func init() {
	indexCmd.Flags().StringVar(&indexName, "name", "", "Dataset name (default: folder name)")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(ctx context.Context, dir, name string) error {
	idx, err := frameindex.FromDir(dir)
	if err != nil {
		utils.ShowError("Failed to list frames", err, nil)
		return err
	}
	if idx.Len() == 0 {
		err := fmt.Errorf("no .jpg, .jpeg or .png files in %s", dir)
		utils.ShowError("Empty frame folder", err, nil)
		return err
	}
	if name == "" {
		name = idx.Dataset
	}

	// Native resolution comes from the first frame.
	first, _ := idx.At(0)
	decoded, err := decode.NewDecoder(nil).DecodeFrame(ctx, first)
	if err != nil {
		utils.ShowError("Failed to decode first frame", err, nil)
		return err
	}

	id, err := utils.DatasetID(dir, idx.Len())
	if err != nil {
		utils.ShowError("Failed to generate dataset ID", err, nil)
		return err
	}

	db, err := openStore(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	if err := db.EnsureDataset(ctx, store.Dataset{
		ID:     id,
		Name:   name,
		Path:   dir,
		Width:  decoded.Width,
		Height: decoded.Height,
	}); err != nil {
		utils.ShowError("Failed to register dataset", err, nil)
		return err
	}

	uris := make([]string, idx.Len())
	for i, f := range idx.Frames {
		uris[i] = f.URI
	}
	if err := db.ReplaceFrames(ctx, id, uris); err != nil {
		utils.ShowError("Failed to store frame list", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "📼 Indexed %s (%s): %d frames at %dx%d\n", name, shortID(id), idx.Len(), decoded.Width, decoded.Height)
	return nil
}
