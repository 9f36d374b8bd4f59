package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/maskscrub/internal/utils"
)

var (
	resetCatalog bool
	resetFiles   string
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (catalog tables, rendered output)",
	Long:  "Clears the dataset catalog and/or a render output folder. With no flags, only the catalog is dropped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !resetCatalog && resetFiles == "" {
			resetCatalog = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetCatalog {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all catalog tables?") {
				fmt.Println("🗑️  Clearing Catalog...")
				db, err := openStore(cmd.Context())
				if err != nil {
					utils.ShowError("Database unavailable", err, nil)
					return err
				}
				if err := db.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetFiles != "" {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", resetFiles)) {
				fmt.Println("🗑️  Clearing Output Files...")
				removeDir(resetFiles)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetCatalog, "catalog", false, "Drop the dataset catalog tables")
	resetCmd.Flags().StringVar(&resetFiles, "files", "", "Remove a render output folder")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip confirmation prompts")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
