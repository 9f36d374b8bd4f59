package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/maskscrub/internal/segclient"
	"github.com/andresmejia3/maskscrub/internal/utils"
)

var (
	exportDataset string
	exportOpts    = segclient.DefaultExportOptions()
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a dataset's masks as YOLO segmentations and wait for the job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runExport(cmd.Context(), exportDataset, exportOpts)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportDataset, "dataset", "d", "", "Backend folder name")
	exportCmd.Flags().IntVar(&exportOpts.MinArea, "min-area", exportOpts.MinArea, "Drop polygons smaller than this many pixels")
	exportCmd.Flags().BoolVar(&exportOpts.Simplify, "simplify", exportOpts.Simplify, "Simplify polygon outlines")

	exportCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(exportCmd)
}

func runExport(ctx context.Context, dataset string, opts segclient.ExportOptions) error {
	if opts.MinArea < 0 {
		err := fmt.Errorf("--min-area must be >= 0, got %d", opts.MinArea)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	client := newClient()
	jobID, err := client.StartExport(ctx, dataset, opts)
	if err != nil {
		utils.ShowError("Failed to start export", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📦 Export job %s started for %s\n", jobID, dataset)

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("📦 Exporting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	waiter := &segclient.ExportWaiter{
		Client:   client,
		Interval: Cfg.ExportPollInterval,
		OnProgress: func(p segclient.ExportProgress) {
			bar.Set(int(p.Progress * 100))
		},
	}

	final, err := waiter.Wait(ctx, jobID)
	if err != nil {
		utils.ShowError("Export failed", err, nil)
		return err
	}
	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🏁 Export Complete. %d of %d frames processed.\n", final.Processed, final.Total)
	return nil
}
