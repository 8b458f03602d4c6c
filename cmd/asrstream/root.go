package main

import (
	"time"

	"github.com/spf13/cobra"
)

// streamOptions holds command line overrides on top of the environment config
type streamOptions struct {
	url      string
	mode     string
	insecure bool
	wavName  string
	vad      bool
	realtime bool
	partials bool
	save     string
	wait     time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &streamOptions{}

	cmd := &cobra.Command{
		Use:   "asrstream [file.wav|-]",
		Short: "Stream audio to a speech recognition service",
		Long: `asrstream sends audio to a FunASR compatible recognition service over
WebSocket and prints the recognized segments as they arrive.

A WAV file is converted to 16-bit mono PCM at the session sample rate.
Without an argument, or with "-", raw 16-bit mono PCM is read from stdin.
Connection settings come from the ASR_* environment variables (or .env)
and can be overridden with flags.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := "-"
			if len(args) == 1 {
				input = args[0]
			}
			return runStream(cmd, opts, input)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "recognition service endpoint, ws:// or wss:// (default: ASR_URL)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "recognition mode: online, offline or 2pass (default: ASR_MODE)")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification for wss:// endpoints")
	cmd.Flags().StringVar(&opts.wavName, "wav-name", "", "utterance name sent with the start message (default: generated)")
	cmd.Flags().BoolVar(&opts.vad, "vad", false, "split the audio into utterances on silence")
	cmd.Flags().BoolVar(&opts.realtime, "realtime", false, "send audio no faster than real time")
	cmd.Flags().BoolVar(&opts.partials, "partials", false, "print partial results as well as final segments")
	cmd.Flags().StringVar(&opts.save, "save", "", "also write the streamed audio to this WAV file")
	cmd.Flags().DurationVar(&opts.wait, "wait", 10*time.Second, "how long to wait for final results after the audio ends")

	return cmd
}
