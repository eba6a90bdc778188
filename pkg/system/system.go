// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ffrecorder/pkg/log"
	"ffrecorder/pkg/storage"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status stores system status.
type Status struct {
	CPUUsage           int
	RAMUsage           int
	DiskUsage          int
	DiskUsageFormatted string
}

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func() (storage.DiskUsage, error)
)

// System periodically samples and logs system status.
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	status   Status
	interval time.Duration

	logger *log.Logger
	mu     sync.Mutex
}

// New returns new System, interval is the cpu sampling period.
func New(disk diskFunc, interval time.Duration, logger *log.Logger) *System {
	return &System{
		cpu:  cpu.PercentWithContext,
		ram:  mem.VirtualMemory,
		disk: disk,

		interval: interval,
		logger:   logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.interval, false)
	if err != nil {
		return fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return fmt.Errorf("cpu usage: no value")
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("ram usage: %w", err)
	}
	diskUsage, err := s.disk()
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates and logs system status until context is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.update(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Src("system").Msgf("could not update system status: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
			continue
		}
		status := s.Status()
		s.logger.Debug().Src("system").Msgf("cpu %d%%, ram %d%%, disk %v (%d%%)",
			status.CPUUsage, status.RAMUsage, status.DiskUsageFormatted, status.DiskUsage)
	}
}

// Status returns cpu, ram and disk usage.
func (s *System) Status() Status {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.status
}
