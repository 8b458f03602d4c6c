package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/asr-gateway/internal/audio"
	"github.com/lexiqai/asr-gateway/internal/config"
	"github.com/lexiqai/asr-gateway/internal/observability"
	"github.com/lexiqai/asr-gateway/internal/resilience"
	"github.com/lexiqai/asr-gateway/internal/stt"
	"github.com/lexiqai/asr-gateway/internal/transcript"
)

// resultQuiet is how long the service must stay silent before the last
// final result is taken as complete
const resultQuiet = 2 * time.Second

func runStream(cmd *cobra.Command, opts *streamOptions, input string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyOverrides(cmd, cfg, opts); err != nil {
		return err
	}

	// Transcripts go to stdout, logs to stderr
	observability.InitLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	logger := observability.Component("asrstream")

	sessionCfg := cfg.Session()
	pcm, err := openSource(input, sessionCfg.SampleRate)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printer := transcript.NewPrinter(cmd.OutOrStdout(), opts.partials)

	var session *stt.Session
	reconnect := cfg.Reconnect()
	reconnect.ShouldRetry = func(err error) bool {
		return !errors.Is(err, stt.ErrInvalidEndpoint)
	}
	err = resilience.Reconnect(ctx, func(ctx context.Context) error {
		s, err := stt.Open(ctx, sessionCfg, printer, stt.WithLogger(logger))
		if err != nil {
			return err
		}
		session = s
		return nil
	}, reconnect)
	if err != nil {
		return fmt.Errorf("open recognition session: %w", err)
	}

	var recorded *bytes.Buffer
	if opts.save != "" {
		recorded = &bytes.Buffer{}
		pcm = io.TeeReader(pcm, recorded)
	}

	streamer := &streamer{
		sink:    session,
		blocks:  audio.NewBlockReader(pcm, audio.BlockSize(sessionCfg.ChunkSize, sessionCfg.SampleRate)),
		wavName: opts.wavName,
		logger:  logger,
	}
	if opts.vad {
		streamer.segmenter = audio.NewSegmenter(&audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceMs:       cfg.VADSilenceMs,
			FrameMs:         20,
		}, sessionCfg.SampleRate)
	}
	if opts.realtime {
		streamer.pacer = audio.NewPacer(sessionCfg.SampleRate)
	}

	utterances, streamErr := streamer.run(ctx)
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		logger.Error().Err(streamErr).Msg("Audio streaming stopped")
	}
	logger.Info().Int("utterances", utterances).Msg("Audio sent, waiting for final results")

	// The final result of each utterance arrives after its end message.
	// Online mode never produces one.
	if ctx.Err() == nil && sessionCfg.Mode != stt.ModeOnline {
		waitForSegments(ctx, session.Done(), printer, utterances, resultQuiet, opts.wait)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout())
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("Session closed before the outbound queue drained")
	}
	<-session.Done()

	if recorded != nil {
		if err := saveRecording(opts.save, recorded.Bytes(), sessionCfg.SampleRate); err != nil {
			return err
		}
	}

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		return streamErr
	}
	return nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config, opts *streamOptions) error {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.ASRURL = opts.url
	}
	if flags.Changed("mode") {
		cfg.ASRMode = opts.mode
	}
	if flags.Changed("insecure") {
		cfg.ASRInsecureSkipVerify = opts.insecure
	}
	return cfg.Validate()
}

// openSource returns 16-bit mono PCM at sampleRate
func openSource(input string, sampleRate int) (io.Reader, error) {
	if input == "-" {
		return os.Stdin, nil
	}

	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	pcm, err := audio.LoadWAV(f, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", input, err)
	}
	return bytes.NewReader(pcm), nil
}

// waitForSegments returns once at least want final segments were printed
// and no result arrived for quiet, or when wait has passed. The service
// may split one utterance into several finals, so reaching want alone is
// not enough.
func waitForSegments(ctx context.Context, done <-chan struct{}, printer *transcript.Printer, want int, quiet, wait time.Duration) {
	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if printer.Segments() >= want && time.Since(printer.LastEvent()) >= quiet {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-timeout.C:
			return
		case <-ticker.C:
		}
	}
}

func saveRecording(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return audio.WriteWAV(f, pcm, sampleRate)
}

// utteranceSink is the part of a recognition session the streamer drives
type utteranceSink interface {
	BeginUtterance(name string) (string, error)
	FeedAudio(pcm []byte) error
	EndUtterance() error
}

// streamer reads audio blocks and frames them into utterances
type streamer struct {
	sink      utteranceSink
	blocks    *audio.BlockReader
	segmenter *audio.Segmenter
	pacer     *audio.Pacer
	wavName   string
	logger    zerolog.Logger

	inUtterance bool
	utterances  int
}

// run streams until the source is exhausted or ctx ends. An open
// utterance is always ended so its final result is produced.
func (s *streamer) run(ctx context.Context) (int, error) {
	err := s.stream(ctx)
	if s.inUtterance {
		if endErr := s.end(); endErr != nil && err == nil {
			err = endErr
		}
	}
	return s.utterances, err
}

func (s *streamer) stream(ctx context.Context) error {
	if s.segmenter == nil {
		if err := s.begin(); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		block, err := s.blocks.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}

		if s.pacer != nil {
			if err := s.pacer.Wait(ctx, len(block)); err != nil {
				return err
			}
		}

		event := audio.SegmentNone
		if s.segmenter != nil {
			event = s.segmenter.Process(block)
		}

		if event == audio.SegmentStart {
			if err := s.begin(); err != nil {
				return err
			}
		}
		if s.inUtterance {
			if err := s.sink.FeedAudio(block); err != nil {
				return err
			}
		}
		if event == audio.SegmentEnd {
			if err := s.end(); err != nil {
				return err
			}
		}
	}
}

func (s *streamer) begin() error {
	name := s.wavName
	if name != "" && s.segmenter != nil {
		name = fmt.Sprintf("%s-%d", s.wavName, s.utterances+1)
	}
	name, err := s.sink.BeginUtterance(name)
	if err != nil {
		return err
	}
	s.inUtterance = true
	s.utterances++
	s.logger.Debug().Str("wav_name", name).Msg("Utterance started")
	return nil
}

func (s *streamer) end() error {
	s.inUtterance = false
	return s.sink.EndUtterance()
}
