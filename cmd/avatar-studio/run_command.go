package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	avatarstudio "github.com/menta2k/avatar-studio"
	"github.com/menta2k/avatar-studio/internal/utils"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/server"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		avatar   string
		bind     string
		record   bool
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Track the camera and serve the live avatar",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if avatar != "" {
				cfg.Avatar.Source = avatar
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			runCtx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, duration)
				defer cancel()
			}

			studio, err := avatarstudio.New(runCtx, cfg, avatarstudio.Options{})
			if err != nil {
				return fmt.Errorf("build studio: %w", err)
			}
			defer studio.Close()

			studio.Run(runCtx)
			if err := studio.Start(runCtx); err != nil {
				// The preview keeps serving so clients can show the message.
				log.Warn(log.Fields{"error": err}, studio.Snapshot().Message)
			}

			if record {
				session, err := studio.StartRecording(runCtx)
				if err != nil {
					return fmt.Errorf("start recording: %w", err)
				}
				log.Info(log.Fields{"session": session, "format": studio.RecordingFormat(runCtx).MimeType}, "recording started")
			}

			srv := server.New(studio, server.Options{
				Bind:         cfg.Server.Bind,
				AllowOrigins: cfg.Server.AllowOrigins,
				JPEGQuality:  cfg.Server.JPEGQuality,
				StreamFPS:    cfg.Recording.FPS,
			})
			serveErr := srv.ListenAndServe(runCtx)

			if record {
				res, err := studio.StopRecording()
				if err != nil {
					return fmt.Errorf("stop recording: %w", err)
				}
				size, _ := utils.PathSize(res.Path)
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d frames (%s, %s) to %s\n",
					res.Frames, res.Duration.Round(time.Millisecond), utils.FormatFileSize(size), res.Path)
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&avatar, "avatar", "", "Avatar image path or URL")
	cmd.Flags().StringVar(&bind, "bind", "", "Preview server address")
	cmd.Flags().BoolVar(&record, "record", false, "Record the canvas until exit")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	return cmd
}
