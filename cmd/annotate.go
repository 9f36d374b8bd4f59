package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/maskscrub/internal/decode"
	"github.com/andresmejia3/maskscrub/internal/frameindex"
	"github.com/andresmejia3/maskscrub/internal/types"
	"github.com/andresmejia3/maskscrub/internal/utils"
	"github.com/andresmejia3/maskscrub/internal/workspace"
)

// AnnotateOptions holds the flags of the annotate command.
type AnnotateOptions struct {
	Dataset     string
	FromCatalog bool
	Objects     []string
	Clicks      []string
	Propagate   bool
	OutDir      string
	Range       string
	Width       int
	Height      int
}

// objectSpec is a parsed --object NAME:CLASS.
type objectSpec struct {
	Name  string
	Class string
}

// clickSpec is a parsed --click FRAME:X:Y[:neg][@OBJECT].
// Object is -1 when the click goes to the most recently created object.
type clickSpec struct {
	Frame  int
	X, Y   float64
	Type   types.ClickType
	Object int
}

// frameRange is an inclusive frame span; End -1 means the last frame.
type frameRange struct {
	Start, End int
}

var annotateOpts AnnotateOptions

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Run a headless annotation session and render composited frames",
	Long: `Selects a dataset, loads the remote model, creates objects, replays clicks
and optionally propagates, then renders every frame of the range with its
mask overlays and click markers to PNG files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnnotate(cmd.Context(), annotateOpts)
	},
}

func init() {
	f := annotateCmd.Flags()
	f.StringVarP(&annotateOpts.Dataset, "dataset", "d", "", "Frame folder, or catalog dataset name with --from-catalog")
	f.BoolVar(&annotateOpts.FromCatalog, "from-catalog", false, "Load the frame list from the dataset catalog")
	f.StringArrayVar(&annotateOpts.Objects, "object", nil, "Object to create, NAME:CLASS (repeatable, ids start at 0)")
	f.StringArrayVar(&annotateOpts.Clicks, "click", nil, "Click FRAME:X:Y[:neg][@OBJECT] with X,Y normalized to [0,1] (repeatable)")
	f.BoolVar(&annotateOpts.Propagate, "propagate", false, "Propagate masks to all frames after the clicks")
	f.StringVarP(&annotateOpts.OutDir, "out", "o", "", "Output folder for rendered PNGs")
	f.StringVar(&annotateOpts.Range, "range", "", "Frame range A:B to render, inclusive (default: all)")
	f.IntVar(&annotateOpts.Width, "width", 0, "Render view width (default: native)")
	f.IntVar(&annotateOpts.Height, "height", 0, "Render view height (default: native)")

	annotateCmd.MarkFlagRequired("dataset")
	annotateCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(annotateCmd)
}

func parseObjectSpec(s string) (objectSpec, error) {
	name, class, ok := strings.Cut(s, ":")
	name, class = strings.TrimSpace(name), strings.TrimSpace(class)
	if !ok || class == "" {
		return objectSpec{}, fmt.Errorf("invalid object '%s', expected NAME:CLASS", s)
	}
	return objectSpec{Name: name, Class: class}, nil
}

func parseClickSpec(s string) (clickSpec, error) {
	c := clickSpec{Type: types.ClickPositive, Object: -1}

	body, obj, hasObj := strings.Cut(s, "@")
	if hasObj {
		id, err := strconv.Atoi(obj)
		if err != nil || id < 0 {
			return c, fmt.Errorf("invalid object id in click '%s'", s)
		}
		c.Object = id
	}

	parts := strings.Split(body, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return c, fmt.Errorf("invalid click '%s', expected FRAME:X:Y[:neg]", s)
	}
	frame, err := strconv.Atoi(parts[0])
	if err != nil || frame < 0 {
		return c, fmt.Errorf("invalid frame in click '%s'", s)
	}
	c.Frame = frame
	if c.X, err = parseUnit(parts[1]); err != nil {
		return c, fmt.Errorf("invalid x in click '%s': %w", s, err)
	}
	if c.Y, err = parseUnit(parts[2]); err != nil {
		return c, fmt.Errorf("invalid y in click '%s': %w", s, err)
	}
	if len(parts) == 4 {
		switch strings.ToLower(parts[3]) {
		case "neg", "negative", "-":
			c.Type = types.ClickNegative
		case "pos", "positive", "+":
		default:
			return c, fmt.Errorf("invalid click type '%s', expected pos or neg", parts[3])
		}
	}
	return c, nil
}

func parseUnit(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("must be between 0.0 and 1.0, got %v", v)
	}
	return v, nil
}

func parseRange(s string) (frameRange, error) {
	if s == "" {
		return frameRange{Start: 0, End: -1}, nil
	}
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return frameRange{}, fmt.Errorf("invalid range '%s', expected A:B", s)
	}
	start, err := strconv.Atoi(a)
	if err != nil || start < 0 {
		return frameRange{}, fmt.Errorf("invalid range start '%s'", a)
	}
	end, err := strconv.Atoi(b)
	if err != nil || end < start {
		return frameRange{}, fmt.Errorf("invalid range end '%s'", b)
	}
	return frameRange{Start: start, End: end}, nil
}

// annotatePlan is the validated form of AnnotateOptions.
type annotatePlan struct {
	Objects []objectSpec
	Clicks  []clickSpec
	Range   frameRange
}

func validateAnnotateFlags(opts *AnnotateOptions) (annotatePlan, error) {
	var plan annotatePlan
	fail := func(err error) (annotatePlan, error) {
		utils.ShowError("Configuration Error", err, nil)
		return annotatePlan{}, err
	}

	if opts.Dataset == "" {
		return fail(errors.New("--dataset is required"))
	}
	if opts.OutDir == "" {
		return fail(errors.New("--out is required"))
	}
	if opts.Width < 0 || opts.Height < 0 || (opts.Width == 0) != (opts.Height == 0) {
		return fail(fmt.Errorf("--width and --height must both be positive or both omitted, got %dx%d", opts.Width, opts.Height))
	}

	for _, s := range opts.Objects {
		o, err := parseObjectSpec(s)
		if err != nil {
			return fail(err)
		}
		plan.Objects = append(plan.Objects, o)
	}
	for _, s := range opts.Clicks {
		c, err := parseClickSpec(s)
		if err != nil {
			return fail(err)
		}
		if c.Object >= len(plan.Objects) {
			return fail(fmt.Errorf("click '%s' targets object %d, only %d defined", s, c.Object, len(plan.Objects)))
		}
		plan.Clicks = append(plan.Clicks, c)
	}
	if len(plan.Clicks) > 0 && len(plan.Objects) == 0 {
		return fail(errors.New("clicks need at least one --object"))
	}

	r, err := parseRange(opts.Range)
	if err != nil {
		return fail(err)
	}
	plan.Range = r
	return plan, nil
}

// loadIndex resolves --dataset to a FrameIndex.
func loadIndex(ctx context.Context, dataset string, fromCatalog bool) (*frameindex.Index, error) {
	if !fromCatalog {
		return frameindex.FromDir(dataset)
	}
	db, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return db.LoadFrameIndex(ctx, dataset)
}

func newWorkspace() *workspace.Workspace {
	decoder := decode.NewDecoder(nil)
	return workspace.New(newClient(), decoder, decoder, workspace.Options{
		Lookahead:     Cfg.Lookahead,
		Concurrency:   Cfg.PrefetchConcurrency,
		FrameCacheCap: Cfg.FrameCacheCap,
		Logger:        Logger,
	})
}

func runAnnotate(ctx context.Context, opts AnnotateOptions) error {
	plan, err := validateAnnotateFlags(&opts)
	if err != nil {
		return err
	}

	idx, err := loadIndex(ctx, opts.Dataset, opts.FromCatalog)
	if err != nil {
		utils.ShowError("Failed to load dataset", err, nil)
		return err
	}
	if idx.Len() == 0 {
		err := fmt.Errorf("dataset '%s' has no frames", idx.Dataset)
		utils.ShowError("Empty dataset", err, nil)
		return err
	}
	if plan.Range.End < 0 || plan.Range.End >= idx.Len() {
		plan.Range.End = idx.Len() - 1
	}
	if plan.Range.Start > plan.Range.End {
		err := fmt.Errorf("range starts at %d, dataset has %d frames", plan.Range.Start, idx.Len())
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		utils.ShowError("Failed to create output folder", err, nil)
		return err
	}

	ws := newWorkspace()
	defer ws.Close()

	ws.SelectDataset(ctx, idx)
	fmt.Fprintf(os.Stderr, "📼 Dataset %s: %d frames\n", idx.Dataset, idx.Len())

	if len(plan.Clicks) > 0 || opts.Propagate {
		model, err := ws.LoadModel(ctx)
		if err != nil {
			utils.ShowError("Failed to load model", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🧠 Model %s\n", model)
	}

	for _, o := range plan.Objects {
		obj := ws.CreateObject(o.Name, o.Class)
		fmt.Fprintf(os.Stderr, "➕ Object %d: %s (%s)\n", obj.ID, obj.Name, obj.ClassName)
	}

	if err := replayClicks(ctx, ws, plan.Clicks); err != nil {
		return err
	}

	if opts.Propagate {
		res, err := ws.Propagate(ctx)
		if err != nil {
			utils.ShowError("Propagation failed", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🔁 Propagated masks to %d frames\n", res.FramesUpdated)
	}

	n, err := renderRange(ctx, ws, plan.Range, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Rendered %d frames to %s\n", n, opts.OutDir)
	return nil
}

// replayClicks sends clicks one at a time so each sees the masks of the previous one.
// A failed click is reported and the session continues.
func replayClicks(ctx context.Context, ws *workspace.Workspace, clicks []clickSpec) error {
	failed := 0
	for _, c := range clicks {
		if c.Object >= 0 {
			if err := ws.SelectObject(c.Object); err != nil {
				utils.ShowError("Click targets an unknown object", err, nil)
				return err
			}
		}
		ws.SetFrame(c.Frame)
		ws.SetClickMode(c.Type)

		task, err := ws.Click(c.X, c.Y)
		if err != nil {
			utils.ShowError("Click rejected", err, nil)
			return err
		}
		if err := task.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			Logger.Warn("click failed", zap.Int("frame", c.Frame), zap.Error(err))
			continue
		}
		fmt.Fprintf(os.Stderr, "👆 %s click on frame %d at (%.3f, %.3f)\n", c.Type, task.ResponseFrame(), c.X, c.Y)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d of %d clicks failed\n", failed, len(clicks))
	}
	return nil
}

func renderRange(ctx context.Context, ws *workspace.Workspace, r frameRange, opts AnnotateOptions) (int, error) {
	bar := progressbar.NewOptions(r.End-r.Start+1,
		progressbar.OptionSetDescription("🎨 Rendering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	n := 0
	for f := r.Start; f <= r.End; f++ {
		img, err := ws.RenderAt(ctx, f)
		if err != nil {
			return n, err
		}
		if opts.Width > 0 {
			img = ws.Render(opts.Width, opts.Height)
		}
		path := filepath.Join(opts.OutDir, fmt.Sprintf("frame_%05d.png", f))
		if err := imaging.Save(img, path); err != nil {
			utils.ShowError("Failed to write render", err, nil)
			return n, err
		}
		n++
		bar.Add(1)
	}
	bar.Finish()
	return n, nil
}
