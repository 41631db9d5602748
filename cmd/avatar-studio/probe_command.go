package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/avatar-studio/pkg/recording"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var ffmpeg string
	var prefs []string
	var audio bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show which recording format would be used",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if ffmpeg == "" {
				ffmpeg = cfg.Recording.FFmpeg
			}
			if len(prefs) == 0 {
				prefs = cfg.Recording.Preferences
			}
			if !cmd.Flags().Changed("audio") {
				audio = cfg.Recording.Audio.Enabled
			}

			out := cmd.OutOrStdout()
			probe := recording.FFmpegProbe{Binary: ffmpeg}
			encoders, err := probe.Encoders(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "ffmpeg unavailable: %v\n", err)
			}

			rows := make([][]string, 0, len(prefs))
			for _, mime := range prefs {
				usable := "unsupported"
				if f, ok := recording.FormatFor(mime, encoders, audio); ok {
					usable = fmt.Sprintf("%s %s %s", f.Muxer, f.VideoCodec, f.AudioCodec)
				}
				rows = append(rows, []string{mime, usable})
			}
			fmt.Fprintln(out, renderTable([]string{"Preference", "Encoder"}, rows, nil))

			chosen := recording.Negotiate(cmd.Context(), staticProbe(encoders), prefs, audio)
			if chosen.Sequence() {
				fmt.Fprintln(out, "Recording format: WebP frame sequence (no usable ffmpeg encoder)")
			} else {
				fmt.Fprintf(out, "Recording format: %s (.%s)\n", chosen.MimeType, chosen.Extension)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ffmpeg, "ffmpeg", "", "ffmpeg binary (defaults to config)")
	cmd.Flags().StringSliceVar(&prefs, "prefer", nil, "MIME type preference order (defaults to config)")
	cmd.Flags().BoolVar(&audio, "audio", false, "Negotiate with microphone audio")
	return cmd
}

// staticProbe replays one ffmpeg answer so every preference is judged against
// the same encoder list. A nil map has no encoders.
type staticProbe map[string]bool

func (p staticProbe) Encoders(ctx context.Context) (map[string]bool, error) {
	return p, nil
}
