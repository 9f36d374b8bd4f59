package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/maskscrub/internal/utils"
	"github.com/andresmejia3/maskscrub/internal/workspace"
)

var (
	playDataset     string
	playFromCatalog bool
	playFPS         int
	playStart       int
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play a dataset headlessly and report how often frames and masks were ready in time",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("fps") {
			playFPS = Cfg.FPS
		}
		return runPlay(cmd.Context(), playDataset, playFromCatalog, playFPS, playStart)
	},
}

func init() {
	playCmd.Flags().StringVarP(&playDataset, "dataset", "d", "", "Frame folder, or catalog dataset name with --from-catalog")
	playCmd.Flags().BoolVar(&playFromCatalog, "from-catalog", false, "Load the frame list from the dataset catalog")
	playCmd.Flags().IntVar(&playFPS, "fps", 24, "Playback rate (env MASKSCRUB_FPS)")
	playCmd.Flags().IntVar(&playStart, "start", 0, "Frame to start playing from")

	playCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(playCmd)
}

// playStats counts, per displayed frame, whether its bitmap and masks were ready.
type playStats struct {
	mu         sync.Mutex
	seen       map[int]bool
	frameReady int
	masksReady int
}

func (s *playStats) observe(ws *workspace.Workspace) (frame int, first bool) {
	frame = ws.Current()
	scene := ws.Scene()
	hasMasks := ws.Masks().Has(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[frame] {
		return frame, false
	}
	s.seen[frame] = true
	if scene.Frame.Bitmap != nil {
		s.frameReady++
	}
	if hasMasks {
		s.masksReady++
	}
	return frame, true
}

func runPlay(ctx context.Context, dataset string, fromCatalog bool, fps, start int) error {
	if fps <= 0 {
		err := fmt.Errorf("--fps must be > 0, got %d", fps)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	idx, err := loadIndex(ctx, dataset, fromCatalog)
	if err != nil {
		utils.ShowError("Failed to load dataset", err, nil)
		return err
	}

	ws := newWorkspace()
	defer ws.Close()
	ws.SelectDataset(ctx, idx)
	from := ws.SetFrame(start)
	total := idx.Len() - from

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("▶️  Playing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	stats := &playStats{seen: make(map[int]bool)}
	stats.observe(ws)
	bar.Add(1)

	if err := ws.Play(fps); err != nil {
		utils.ShowError("Playback failed", err, nil)
		return err
	}

	// Sample at twice the frame rate so no displayed frame is missed.
	ticker := time.NewTicker(time.Second / time.Duration(2*fps))
	defer ticker.Stop()
	for ws.Playing() {
		select {
		case <-ctx.Done():
			ws.Pause()
			return ctx.Err()
		case <-ticker.C:
			if _, first := stats.observe(ws); first {
				bar.Add(1)
			}
		}
	}
	if _, first := stats.observe(ws); first {
		bar.Add(1)
	}
	bar.Finish()

	stats.mu.Lock()
	defer stats.mu.Unlock()
	shown := len(stats.seen)
	fmt.Fprintf(os.Stderr, "\n🏁 Played %d frames at %d fps: bitmap ready %d/%d, masks ready %d/%d\n",
		shown, fps, stats.frameReady, shown, stats.masksReady, shown)
	return nil
}
