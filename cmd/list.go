package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/maskscrub/internal/utils"
)

var listRemote bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasets in the catalog, or on the backend with --remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listRemote {
			return runListRemote(cmd.Context())
		}
		return runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().BoolVar(&listRemote, "remote", false, "List the backend's frame folders instead of the catalog")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	datasets, err := db.ListDatasets(ctx)
	if err != nil {
		utils.ShowError("Failed to list datasets", err, nil)
		return err
	}

	if len(datasets) == 0 {
		fmt.Println("No datasets found in catalog.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFRAMES\tSIZE\tINDEXED")
	fmt.Fprintln(w, "--\t----\t------\t----\t-------")

	for _, d := range datasets {
		fmt.Fprintf(w, "%s\t%s\t%d\t%dx%d\t%s\n", shortID(d.ID), d.Name, d.FrameCount, d.Width, d.Height, d.IndexedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runListRemote(ctx context.Context) error {
	folders, err := newClient().ListFolders(ctx)
	if err != nil {
		utils.ShowError("Failed to list backend folders", err, nil)
		return err
	}

	if len(folders) == 0 {
		fmt.Println("No frame folders on the backend.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tFRAMES\tSIZE\tUPLOADED\tDESCRIPTION")
	fmt.Fprintln(w, "----\t------\t----\t--------\t-----------")

	for _, f := range folders {
		fmt.Fprintf(w, "%s\t%d\t%dx%d\t%s\t%s\n", f.Name, f.NumFrames, f.Width, f.Height, f.UploadDate, f.Description)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
