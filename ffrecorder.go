// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ffrecorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ffrecorder/pkg/codec"
	"ffrecorder/pkg/codec/source"
	"ffrecorder/pkg/framequeue"
	"ffrecorder/pkg/log"
	"ffrecorder/pkg/recorder"
	"ffrecorder/pkg/storage"
	"ffrecorder/pkg/system"
)

// A-law frames are 40ms at 8kHz.
const alawSamplesPerFrame = 320

// Errors.
var (
	ErrNoVideoSource = errors.New("no video source")
	ErrNoAudioSource = errors.New("audio codec set without audio source")
)

// Run records until SIGINT or SIGTERM is received, the sources
// end or, if duration is non-zero, duration has passed.
func Run(env *storage.ConfigEnv, duration time.Duration) error {
	app, err := NewApp(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	fatal := make(chan error, 1)
	go func() { fatal <- app.Record(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err = <-fatal:
	case sig := <-stop:
		app.Logger.Info().Msg("") // New line.
		app.Logger.Info().Src("app").Msgf("received %v, stopping", sig)
		cancel()
		err = <-fatal
	}

	app.WG.Wait()
	return err
}

// App is the main application struct.
type App struct {
	WG       *sync.WaitGroup
	Logger   *log.Logger
	logDB    *log.DB
	logLevel log.Level
	Env      storage.ConfigEnv
	Storage  *storage.Manager
	System   *system.System
}

// NewApp creates the logger, log database and storage manager.
func NewApp(env *storage.ConfigEnv) (*App, error) {
	logLevel, err := log.ParseLevel(env.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	wg := &sync.WaitGroup{}
	logger := log.NewLogger()
	storageManager := storage.NewManager(env, logger)
	diskUsage := func() (storage.DiskUsage, error) {
		return storageManager.DiskUsage(time.Minute)
	}

	return &App{
		WG:       wg,
		Logger:   logger,
		logDB:    log.NewDB(env.LogDBPath(), wg),
		logLevel: logLevel,
		Env:      *env,
		Storage:  storageManager,
		System:   system.New(diskUsage, 10*time.Second, logger),
	}, nil
}

type runFunc func(context.Context) error

type sources struct {
	video codec.Encoder
	audio codec.Encoder
	runs  []runFunc
}

func (s sources) queues() []*framequeue.Queue {
	queues := []*framequeue.Queue{s.video.Queue()}
	if s.audio != nil {
		queues = append(queues, s.audio.Queue())
	}
	return queues
}

func (app *App) newSources(ctx context.Context) (*sources, error) {
	r := app.Env.Recorder
	if r.VideoSource == "" {
		return nil, ErrNoVideoSource
	}

	annexB, err := source.NewAnnexB(r.VideoSource, r.FrameRate, r.Loop)
	if err != nil {
		return nil, fmt.Errorf("video source: %w", err)
	}
	video := codec.NewBuffer(r.Name, annexB.Config(), r.QueueSize, app.Logger)
	s := &sources{
		video: video,
		runs: []runFunc{func(ctx context.Context) error {
			return annexB.Run(ctx, video, app.Logger)
		}},
	}

	audioCodec, err := codec.ParseCodec(r.AudioCodec)
	if err != nil {
		return nil, fmt.Errorf("audio codec: %w", err)
	}
	if audioCodec != codec.CodecNone && r.AudioSource == "" {
		return nil, ErrNoAudioSource
	}

	switch audioCodec {
	case codec.CodecNone:
	case codec.CodecAAC:
		adts, err := source.NewADTS(r.AudioSource, r.Loop)
		if err != nil {
			return nil, fmt.Errorf("audio source: %w", err)
		}
		audio := codec.NewBuffer(r.Name, adts.Config(), r.QueueSize, app.Logger)
		s.audio = audio
		s.runs = append(s.runs, func(ctx context.Context) error {
			return adts.Run(ctx, audio, app.Logger)
		})
	case codec.CodecALaw:
		pcm, err := source.NewPCM(
			r.AudioSource, r.SampleRate, r.Channels, alawSamplesPerFrame, r.Loop)
		if err != nil {
			return nil, fmt.Errorf("audio source: %w", err)
		}
		audio := codec.NewALaw(ctx, app.WG, r.Name,
			r.SampleRate, r.Channels, alawSamplesPerFrame, r.QueueSize, app.Logger)
		s.audio = audio
		s.runs = append(s.runs, func(ctx context.Context) error {
			return pcm.Run(ctx, audio)
		})
	default:
		return nil, fmt.Errorf("audio codec %v: %w", audioCodec, codec.ErrNotSupported)
	}
	return s, nil
}

// Record starts the logger, the sources and the recorder. It
// blocks until the context is canceled or every source has ended.
func (app *App) Record(ctx context.Context) error { //nolint:funlen
	// The logger outlives the recorder so the last segment is logged.
	logCtx, stopLogs := context.WithCancel(context.Background())
	defer stopLogs()

	go app.Logger.Start(logCtx)
	go app.Logger.LogToStdout(logCtx, app.logLevel)

	if err := app.logDB.Init(logCtx); err != nil {
		// Continue even if log database is corrupt.
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(logCtx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	app.Logger.Info().Src("app").Msg("starting..")

	srcCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()

	src, err := app.newSources(srcCtx)
	if err != nil {
		return err
	}

	r := app.Env.Recorder
	rec, err := recorder.New(recorder.Config{
		NamePrefix:      app.Env.SegmentPrefix(),
		Container:       r.Container,
		SegmentDuration: r.Segment(),
		Channels:        r.Channels,
		SampleRate:      r.SampleRate,
		Width:           r.Width,
		Height:          r.Height,
		FrameRate:       r.FrameRate,
	}, src.audio, src.video, app.Logger)
	if err != nil {
		return fmt.Errorf("could not create recorder: %w", err)
	}
	rec.Start(true)

	srcWG := &sync.WaitGroup{}
	for _, run := range src.runs {
		srcWG.Add(1)
		go func(run runFunc) {
			defer srcWG.Done()
			if err := run(srcCtx); err != nil {
				app.Logger.Error().Src("app").Msgf("source: %v", err)
			}
		}(run)
	}
	ended := make(chan struct{})
	go func() {
		srcWG.Wait()
		close(ended)
	}()

	go app.Storage.PurgeLoop(srcCtx, 10*time.Minute)
	go app.System.StatusLoop(srcCtx)

	select {
	case <-ctx.Done():
	case <-ended:
		app.Logger.Info().Src("app").Msg("sources ended")
		drain(src.queues(), time.Second)
	}

	// The recorder stops the encoders before the sources are torn down.
	rec.Exit()
	stopSources()
	<-ended

	app.Logger.Info().Src("app").Msg("stopped")
	return nil
}

// drain waits for the recorder to empty the queues.
func drain(queues []*framequeue.Queue, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n := 0
		for _, q := range queues {
			n += q.Len()
		}
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
