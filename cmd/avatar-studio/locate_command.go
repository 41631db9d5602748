package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	avatarstudio "github.com/menta2k/avatar-studio"
	"github.com/menta2k/avatar-studio/internal/utils"
	"github.com/menta2k/avatar-studio/pkg/detection"
	"github.com/menta2k/avatar-studio/pkg/processing"
	"github.com/menta2k/avatar-studio/pkg/types"
)

func newLocateCommand(ctx *commandContext) *cobra.Command {
	var (
		backend, url, model string
		outDir              string
		sendSize, sendQ     int
		testVision          bool
	)

	cmd := &cobra.Command{
		Use:   "locate <avatar>",
		Short: "Ask a vision model where the avatar's eyes and mouth are",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if backend == "" {
				backend = cfg.Vision.Backend
			}
			if url == "" {
				url = cfg.Vision.URL
			}
			if model == "" {
				model = cfg.Vision.Model
			}

			vision, err := avatarstudio.NewVisionClient(backend, url)
			if err != nil {
				return err
			}
			if vision == nil {
				return fmt.Errorf("no vision backend configured (use --backend ollama|llamacpp)")
			}
			detector := detection.NewDetector(vision)

			processor := processing.NewProcessor()
			img, err := processor.LoadImageSmart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			imgB64, err := processor.PrepareImageForModel(img, "jpeg", sendSize, sendQ)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if testVision {
				answer, err := detector.TestVision(cmd.Context(), model, imgB64)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s sees: %s\n", model, strings.TrimSpace(answer))
			}

			layout, err := detector.LocateFeatures(cmd.Context(), model, imgB64)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Feature", "X", "Y", "W", "H"},
				[][]string{
					boxRow("left eye", layout.LeftEye),
					boxRow("right eye", layout.RightEye),
					boxRow("mouth", layout.Mouth),
				},
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
			))
			source := layout.Source
			if source == "" {
				source = "default layout (model answer rejected)"
			}
			fmt.Fprintf(out, "source: %s\n", source)

			if outDir == "" {
				return nil
			}
			if err := utils.EnsureDir(outDir); err != nil {
				return err
			}
			base := utils.SanitizeFilename(strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])))
			overlay := filepath.Join(outDir, base+"_layout.png")
			if err := processor.SaveImage(processor.CreateLayoutOverlay(img, layout), overlay, "png", 0, false); err != nil {
				return fmt.Errorf("save overlay: %w", err)
			}
			fmt.Fprintf(out, "wrote %s\n", overlay)

			for name, box := range map[string]types.Box{"left_eye": layout.LeftEye, "right_eye": layout.RightEye, "mouth": layout.Mouth} {
				crop, err := processor.CropImageToBox(img, box, 0, 0)
				if err != nil {
					fmt.Fprintf(out, "crop %s failed: %v\n", name, err)
					continue
				}
				path := filepath.Join(outDir, fmt.Sprintf("%s_%s.png", base, name))
				if err := processor.SaveImage(crop, path, "png", 0, false); err != nil {
					return fmt.Errorf("save %s crop: %w", name, err)
				}
				fmt.Fprintf(out, "wrote %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "Vision backend: ollama|llamacpp (defaults to config)")
	cmd.Flags().StringVar(&url, "url", "", "Vision server URL (defaults to config)")
	cmd.Flags().StringVar(&model, "model", "", "Model name (defaults to config)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Write a layout overlay and feature crops here")
	cmd.Flags().IntVar(&sendSize, "sendsize", 768, "Max long side sent to the model (px), 0=original")
	cmd.Flags().IntVar(&sendQ, "sendq", 85, "JPEG quality of the image sent to the model (1-100)")
	cmd.Flags().BoolVar(&testVision, "test", false, "First ask the model to describe the image")
	return cmd
}

func boxRow(name string, b types.Box) []string {
	return []string{name, fmt.Sprintf("%.3f", b.X), fmt.Sprintf("%.3f", b.Y), fmt.Sprintf("%.3f", b.W), fmt.Sprintf("%.3f", b.H)}
}
