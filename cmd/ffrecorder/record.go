package main

import (
	"fmt"
	"path/filepath"
	"time"

	"ffrecorder"
	"ffrecorder/pkg/storage"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type recordOptions struct {
	envPath    string
	name       string
	video      string
	audio      string
	audioCodec string
	segment    time.Duration
	frameRate  int
	loop       bool
	duration   time.Duration
}

func newRecordCommand() *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record segments",
		Long: `Record the configured sources into segments until interrupted.
Flags override the values in the environment file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Flags(), opts)
		},
	}

	bindRecordFlags(cmd.Flags(), opts)

	return cmd
}

func bindRecordFlags(flags *pflag.FlagSet, opts *recordOptions) {
	flags.StringVar(&opts.envPath, "env", "./configs/env.yaml", "path to env.yaml")
	flags.StringVar(&opts.name, "name", "", "stream name")
	flags.StringVar(&opts.video, "video", "", "Annex-B H.264 or H.265 file")
	flags.StringVar(&opts.audio, "audio", "", "ADTS AAC or raw s16le PCM file")
	flags.StringVar(&opts.audioCodec, "audio-codec", "", "audio codec: aac or alaw")
	flags.DurationVar(&opts.segment, "segment", time.Minute, "segment duration")
	flags.IntVar(&opts.frameRate, "fps", 25, "video frame rate")
	flags.BoolVar(&opts.loop, "loop", false, "restart sources at end of file")
	flags.DurationVarP(&opts.duration, "duration", "d", 0, "stop after duration, 0 records until interrupted")
}

func runRecord(flags *pflag.FlagSet, opts *recordOptions) error {
	envPath, err := filepath.Abs(opts.envPath)
	if err != nil {
		return fmt.Errorf("env path: %w", err)
	}
	env, err := storage.ReadConfigEnv(envPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(flags, opts, &env.Recorder); err != nil {
		return err
	}
	return ffrecorder.Run(env, opts.duration)
}

// applyOverrides copies the flags that were set onto the environment.
func applyOverrides(flags *pflag.FlagSet, opts *recordOptions, r *storage.RecorderEnv) error {
	abs := func(path string) (string, error) {
		p, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("absolute path %v: %w", path, err)
		}
		return p, nil
	}

	var err error
	if flags.Changed("name") {
		r.Name = opts.name
	}
	if flags.Changed("video") {
		if r.VideoSource, err = abs(opts.video); err != nil {
			return err
		}
	}
	if flags.Changed("audio") {
		if r.AudioSource, err = abs(opts.audio); err != nil {
			return err
		}
	}
	if flags.Changed("audio-codec") {
		r.AudioCodec = opts.audioCodec
		if r.AudioCodec == "alaw" {
			if r.SampleRate == 0 {
				r.SampleRate = 8000
			}
			if r.Channels == 0 {
				r.Channels = 1
			}
		}
	}
	if flags.Changed("segment") {
		r.SegmentDuration = int(opts.segment.Milliseconds())
	}
	if flags.Changed("fps") {
		r.FrameRate = opts.frameRate
	}
	if flags.Changed("loop") {
		r.Loop = opts.loop
	}
	return nil
}
