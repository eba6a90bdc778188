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

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	StorageDir string `yaml:"storageDir"`

	// Space in GB available to recordings. The size
	// of the file system is used if zero.
	DiskSpace float64 `yaml:"diskSpace"`

	LogLevel string `yaml:"logLevel"`

	Recorder RecorderEnv `yaml:"recorder"`

	ConfigDir string `yaml:"-"`
}

// RecorderEnv recorder and source settings.
type RecorderEnv struct {
	Name      string `yaml:"name"`
	Container string `yaml:"container"`

	// Milliseconds.
	SegmentDuration int `yaml:"segmentDuration"`

	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	FrameRate int `yaml:"frameRate"`

	Channels   int `yaml:"channels"`
	SampleRate int `yaml:"sampleRate"`

	// Annex-B H.264 or H.265 file.
	VideoSource string `yaml:"videoSource"`

	// ADTS file for aac, raw s16le PCM for alaw.
	AudioSource string `yaml:"audioSource"`
	AudioCodec  string `yaml:"audioCodec"`

	// Restart the sources at end of file.
	Loop bool `yaml:"loop"`

	// Encoder queue capacity in bytes.
	QueueSize int `yaml:"queueSize"`
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.UnmarshalStrict(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.LogLevel == "" {
		env.LogLevel = "info"
	}
	env.Recorder.fillMissing()

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}
	for name, path := range map[string]string{
		"videoSource": env.Recorder.VideoSource,
		"audioSource": env.Recorder.AudioSource,
	} {
		if path != "" && !filepath.IsAbs(path) {
			return nil, fmt.Errorf("%v '%v': %w", name, path, ErrPathNotAbsolute)
		}
	}

	return &env, nil
}

// ReadConfigEnv reads and parses the file at envPath.
func ReadConfigEnv(envPath string) (*ConfigEnv, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}
	return NewConfigEnv(envPath, envYAML)
}

func (r *RecorderEnv) fillMissing() {
	if r.Name == "" {
		r.Name = "rec"
	}
	if r.Container == "" {
		r.Container = "mp4"
	}
	if r.SegmentDuration == 0 {
		r.SegmentDuration = 60000
	}
	if r.FrameRate == 0 {
		r.FrameRate = 25
	}
	if r.QueueSize == 0 {
		r.QueueSize = 4 * 1024 * 1024
	}
	if r.AudioCodec == "alaw" {
		if r.SampleRate == 0 {
			r.SampleRate = 8000
		}
		if r.Channels == 0 {
			r.Channels = 1
		}
	}
}

// Segment returns the segment duration.
func (r RecorderEnv) Segment() time.Duration {
	return time.Duration(r.SegmentDuration) * time.Millisecond
}

// RecordingsDir return recordings directory.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// SegmentPrefix returns the file name prefix of the recorder segments.
func (env ConfigEnv) SegmentPrefix() string {
	return filepath.Join(env.RecordingsDir(), env.Recorder.Name, env.Recorder.Name)
}

// LogDBPath returns the path of the log database.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.RecordingsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", env.StorageDir, err)
	}
	return nil
}
