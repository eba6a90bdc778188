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
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ffrecorder/pkg/log"

	"github.com/shirou/gopsutil/v3/disk"
)

// Manager storage manager.
type Manager struct {
	recordingsDir string
	recordingsFS  fs.FS
	disk          *diskCache
	remove        func(string) error

	logger *log.Logger
}

// NewManager returns new manager.
func NewManager(env *ConfigEnv, logger *log.Logger) *Manager {
	recordingsFS := os.DirFS(env.RecordingsDir())
	return &Manager{
		recordingsDir: env.RecordingsDir(),
		recordingsFS:  recordingsFS,
		disk:          newDiskCache(env, recordingsFS),
		remove:        os.Remove,

		logger: logger,
	}
}

// DiskUsage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return s.disk.usage(maxAge)
}

// Segment is a recorded file.
type Segment struct {
	Stream string
	Path   string
	Start  time.Time
	Size   int64
}

// Segment file names end with -YYYYMMDD-HHMMSS.mp4 or
// -YYYYMMDD-HHMMSS-N.mp4 when the second was already taken.
const segmentTimeLayout = "20060102-150405"

func parseSegmentTime(name string) (time.Time, bool) {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if t, ok := parseTimeSuffix(name); ok {
		return t, true
	}
	i := strings.LastIndexByte(name, '-')
	if i == -1 {
		return time.Time{}, false
	}
	if _, err := strconv.ParseUint(name[i+1:], 10, 32); err != nil {
		return time.Time{}, false
	}
	return parseTimeSuffix(name[:i])
}

func parseTimeSuffix(name string) (time.Time, bool) {
	if len(name) < len(segmentTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(
		segmentTimeLayout, name[len(name)-len(segmentTimeLayout):], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Segments returns every segment in the recordings
// directory sorted by start time, oldest first.
func (s *Manager) Segments() ([]Segment, error) {
	streams, err := fs.ReadDir(s.recordingsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("read recordings directory: %w", err)
	}

	var segments []Segment
	for _, stream := range streams {
		if !stream.IsDir() {
			continue
		}
		files, err := fs.ReadDir(s.recordingsFS, stream.Name())
		if err != nil {
			return nil, fmt.Errorf("read directory %v: %w", stream.Name(), err)
		}
		for _, file := range files {
			start, ok := parseSegmentTime(file.Name())
			if file.IsDir() || !ok {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			segments = append(segments, Segment{
				Stream: stream.Name(),
				Path:   filepath.Join(s.recordingsDir, stream.Name(), file.Name()),
				Start:  start,
				Size:   info.Size(),
			})
		}
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start.Before(segments[j].Start)
	})
	return segments, nil
}

// purge checks if disk usage is above 99%,
// if true deletes all segments from the oldest day.
func (s *Manager) purge() error {
	usage, err := s.DiskUsage(10 * time.Minute)
	if err != nil {
		return fmt.Errorf("update disk usage: %w", err)
	}
	if usage.Percent < 99 {
		return nil
	}

	segments, err := s.Segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	oldest := segments[0].Start.Format("20060102")
	for _, seg := range segments {
		if seg.Start.Format("20060102") != oldest {
			break
		}
		if err := s.remove(seg.Path); err != nil {
			return fmt.Errorf("remove segment: %w", err)
		}
		s.logger.Info().Src("storage").Stream(seg.Stream).
			Msgf("removed segment: %v", seg.Path)
	}
	s.disk.invalidate()
	return nil
}

// PurgeLoop runs Purge on an interval until context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, duration time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(duration):
			if err := s.purge(); err != nil {
				s.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
			}
		}
	}
}

// Only used to calculate and cache disk usage.
type diskCache struct {
	diskSpace      int64
	storageDir     string
	recordingsFS   fs.FS
	diskUsageBytes func(fs.FS) int64
	fsUsage        func(string) (*disk.UsageStat, error)

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDiskCache(env *ConfigEnv, recordingsFS fs.FS) *diskCache {
	return &diskCache{
		diskSpace:      int64(env.DiskSpace * gigabyte),
		storageDir:     env.StorageDir,
		recordingsFS:   recordingsFS,
		diskUsageBytes: diskUsageBytes,
		fsUsage:        disk.Usage,
	}
}

func (d *diskCache) invalidate() {
	d.cacheLock.Lock()
	d.lastUpdate = time.Time{}
	d.cacheLock.Unlock()
}

// usage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (d *diskCache) usage(maxAge time.Duration) (DiskUsage, error) {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	updatedUsage, err := d.calculateDiskUsage()
	if err != nil {
		return DiskUsage{}, err
	}

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage, nil
}

func (d *diskCache) calculateDiskUsage() (DiskUsage, error) {
	used := d.diskUsageBytes(d.recordingsFS)

	space := d.diskSpace
	if space == 0 {
		stat, err := d.fsUsage(d.storageDir)
		if err != nil {
			return DiskUsage{}, fmt.Errorf("file system usage: %w", err)
		}
		// Recordings may use what other files leave free.
		space = int64(stat.Free) + used
	}

	percent := 0
	if used != 0 && space != 0 {
		percent = int((used * 100) / space)
	}

	return DiskUsage{
		Used:      used,
		Percent:   percent,
		Max:       space / int64(gigabyte),
		Formatted: formatDiskUsage(float64(used)),
	}, nil
}

// DiskUsage in Bytes.
type DiskUsage struct {
	Used      int64
	Percent   int
	Max       int64
	Formatted string
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

func diskUsageBytes(fileSystem fs.FS) int64 {
	var used int64
	fs.WalkDir(fileSystem, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()

		return nil
	})
	return used
}
