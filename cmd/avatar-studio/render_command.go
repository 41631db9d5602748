package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/menta2k/avatar-studio/internal/config"
	"github.com/menta2k/avatar-studio/internal/utils"
	"github.com/menta2k/avatar-studio/pkg/analyzer"
	"github.com/menta2k/avatar-studio/pkg/compositor"
	"github.com/menta2k/avatar-studio/pkg/features"
	"github.com/menta2k/avatar-studio/pkg/landmarks"
	"github.com/menta2k/avatar-studio/pkg/processing"
	"github.com/menta2k/avatar-studio/pkg/types"
)

type renderOptions struct {
	Avatar   string
	Replay   string
	Demo     time.Duration
	OutDir   string
	FPS      int
	Format   string
	Quality  int
	Lossless bool
}

type renderSummary struct {
	Frames      int
	NoFace      int
	Expressions map[types.Expression]int
	Bytes       int64
}

func newRenderCommand(ctx *commandContext) *cobra.Command {
	opts := renderOptions{}

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render recorded or scripted landmarks to image frames",
		Example: `  avatar-studio render --avatar me.png --replay session.json --out frames
  avatar-studio render --avatar me.png --demo 5s --format webp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if opts.Replay == "" && opts.Demo <= 0 {
				return fmt.Errorf("one of --replay or --demo is required")
			}
			if opts.FPS <= 0 {
				opts.FPS = cfg.Recording.FPS
			}

			summary, err := renderFrames(cmd, cfg, opts)
			if err != nil {
				return err
			}

			rows := [][]string{
				{"frames", strconv.Itoa(summary.Frames)},
				{"no face", strconv.Itoa(summary.NoFace)},
			}
			for _, e := range []types.Expression{types.ExpressionNeutral, types.ExpressionTalking, types.ExpressionBlink, types.ExpressionWink} {
				rows = append(rows, []string{string(e), strconv.Itoa(summary.Expressions[e])})
			}
			rows = append(rows, []string{"output", fmt.Sprintf("%s (%s)", opts.OutDir, utils.FormatFileSize(summary.Bytes))})
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Render", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Avatar, "avatar", "", "Avatar image path or URL (defaults to the configured avatar)")
	cmd.Flags().StringVar(&opts.Replay, "replay", "", "Landmark recording (JSON) to render")
	cmd.Flags().DurationVar(&opts.Demo, "demo", 0, "Render a scripted head of this length instead of a recording")
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "frames", "Output directory")
	cmd.Flags().IntVar(&opts.FPS, "fps", 0, "Frame rate (defaults to the recording fps)")
	cmd.Flags().StringVar(&opts.Format, "format", "png", "Frame format: png|jpg|webp")
	cmd.Flags().IntVar(&opts.Quality, "quality", 90, "JPEG/WebP quality (1-100)")
	cmd.Flags().BoolVar(&opts.Lossless, "lossless", false, "Lossless WebP frames")
	return cmd
}

// renderFrames drives the compositor the way the live pipeline does, one
// landmark set per frame, without a camera or a repaint clock.
func renderFrames(cmd *cobra.Command, cfg *config.Config, opts renderOptions) (renderSummary, error) {
	summary := renderSummary{Expressions: map[types.Expression]int{}}

	format := strings.ToLower(opts.Format)
	switch format {
	case "png", "jpg", "jpeg", "webp":
	default:
		return summary, fmt.Errorf("unsupported frame format: %s", opts.Format)
	}

	comp, err := compositor.New(cfg.Compositor)
	if err != nil {
		return summary, err
	}

	source := opts.Avatar
	if source == "" {
		source = cfg.Avatar.Source
	}
	processor := processing.NewProcessor()
	if source != "" {
		img, err := processor.LoadImageSmart(cmd.Context(), source)
		if err != nil {
			return summary, fmt.Errorf("load avatar: %w", err)
		}
		if err := analyzer.NewWithConfig(analyzer.Config{MinImageSize: cfg.Avatar.MinSize}).ValidateImage(img); err != nil {
			return summary, err
		}
		comp.SetAvatar(img)
	}

	var frames []types.LandmarkSet
	if opts.Demo > 0 {
		n := int(opts.Demo.Seconds() * float64(opts.FPS))
		frames = landmarks.Demo(n, opts.FPS, cfg.Calibration)
	} else {
		replay, err := landmarks.LoadReplay(opts.Replay, false)
		if err != nil {
			return summary, err
		}
		for i := replay.Len(); i > 0; i-- {
			lm, _ := replay.Detect(cmd.Context(), nil)
			frames = append(frames, lm)
		}
	}

	if err := utils.EnsureDir(opts.OutDir); err != nil {
		return summary, fmt.Errorf("create output directory: %w", err)
	}

	start := time.Unix(0, 0)
	pose := types.NeutralPose()
	for i, lm := range frames {
		if err := cmd.Context().Err(); err != nil {
			return summary, err
		}

		status := types.StatusTracking
		if lm == nil {
			status = types.StatusNoFace
			summary.NoFace++
		} else {
			pose = cfg.Smoothing.Apply(pose, features.Derive(lm, cfg.Calibration))
			summary.Expressions[features.ClassifyExpression(pose)]++
		}

		at := start.Add(time.Duration(i) * time.Second / time.Duration(opts.FPS))
		img := comp.Render(pose, status, at)
		path := utils.FrameFilename(opts.OutDir, i, format)
		if err := processor.SaveImage(img, path, format, opts.Quality, opts.Lossless); err != nil {
			return summary, fmt.Errorf("save frame %d: %w", i, err)
		}
		summary.Frames++
	}

	summary.Bytes, _ = utils.PathSize(opts.OutDir)
	return summary, nil
}
