package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/maskscrub/internal/utils"
)

const megabyte = 1024 * 1024

var (
	extractInput  string
	extractOutput string
	extractEvery  int
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Split a video into a numbered JPEG frame folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateExtractFlags(); err != nil {
			return err
		}
		n, err := runExtract(cmd.Context(), extractInput, extractOutput, extractEvery)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "\n🏁 Extraction Complete. Wrote %d frames to %s\n", n, extractOutput)
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractInput, "input", "i", "", "Path to video")
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", "Frame folder to create (default: frames/<video name>)")
	extractCmd.Flags().IntVarP(&extractEvery, "every", "n", 1, "Keep every nth frame")

	extractCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(extractCmd)
}

func validateExtractFlags() error {
	info, err := os.Stat(extractInput)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}
	if extractEvery < 1 {
		err := fmt.Errorf("--every must be >= 1, got %d", extractEvery)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if extractOutput == "" {
		base := filepath.Base(extractInput)
		extractOutput = filepath.Join("frames", base[:len(base)-len(filepath.Ext(base))])
	}
	return nil
}

// runExtract streams ffmpeg's MJPEG output and writes each frame as its own file.
func runExtract(ctx context.Context, input, output string, every int) (int, error) {
	if err := os.MkdirAll(output, 0o755); err != nil {
		utils.ShowError("Failed to create output folder", err, nil)
		return 0, err
	}

	total := utils.GetTotalFrames(ctx, input)
	if total <= 0 {
		// Fallback to a spinner if ffprobe fails
		total = -1
	} else if every > 1 {
		total = (total + every - 1) / every
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎞️  Extracting frames"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	ffmpeg := utils.NewFFmpegCmd(ctx, input, every)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return 0, err
	}
	defer out.Close()

	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, ffmpeg)
		return 0, err
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	n := 0
	for scanner.Scan() {
		path := filepath.Join(output, utils.FrameFileName(n))
		if err := os.WriteFile(path, scanner.Bytes(), 0o644); err != nil {
			ffmpeg.Process.Kill()
			ffmpeg.Wait()
			utils.ShowError("Failed to write frame", err, nil)
			return n, err
		}
		n++
		bar.Add(1)
	}
	if err := scanner.Err(); err != nil {
		ffmpeg.Process.Kill()
		ffmpeg.Wait()
		utils.ShowError("Frame scanner failed", err, ffmpeg)
		return n, err
	}

	if err := ffmpeg.Wait(); err != nil {
		utils.ShowError("FFmpeg execution failed", err, ffmpeg)
		return n, err
	}
	bar.Finish()
	return n, nil
}
