package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/capture"
)

type captureOptions struct {
	channel  string
	identity string
	duration time.Duration
	caption  string
}

func newCaptureCmd() *cobra.Command {
	var opts captureOptions
	cmd := &cobra.Command{
		Use:   "capture <target>",
		Short: "Record and deliver one clip of a live target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			identity := opts.identity
			if identity == "" {
				identity = opts.channel
			}
			out := appInstance.Capture(cmd.Context(), capture.Request{
				Target:   args[0],
				Channel:  opts.channel,
				Identity: identity,
				Duration: opts.duration,
				Caption:  opts.caption,
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				appInstance.Logger().Warn("write outcome failed", zap.Error(err))
			}
			if !out.Delivered() {
				if out.Err != nil {
					return fmt.Errorf("capture %s: %s: %w", out.Target, out.Status, out.Err)
				}
				return fmt.Errorf("capture %s: %s", out.Target, out.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.channel, "channel", "", "subscriber channel to deliver to")
	cmd.Flags().StringVar(&opts.identity, "identity", "", "caller identity for quota (defaults to the channel)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "requested clip length (clamped to the identity's ceiling)")
	cmd.Flags().StringVar(&opts.caption, "caption", "", "caption sent with the clip")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}
