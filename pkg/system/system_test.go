package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"ffrecorder/pkg/log"
	"ffrecorder/pkg/storage"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func mockCPU(context.Context, time.Duration, bool) ([]float64, error) {
	return []float64{11}, nil
}

func mockRAM() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{UsedPercent: 22}, nil
}

func mockDisk() (storage.DiskUsage, error) {
	return storage.DiskUsage{Percent: 33, Formatted: "44GB"}, nil
}

var errMock = errors.New("mock")

func TestUpdate(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := System{cpu: mockCPU, ram: mockRAM, disk: mockDisk}
		require.NoError(t, s.update(context.Background()))
		require.Equal(t, Status{
			CPUUsage:           11,
			RAMUsage:           22,
			DiskUsage:          33,
			DiskUsageFormatted: "44GB",
		}, s.Status())
	})

	cases := map[string]*System{
		"cpu": {
			cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
				return nil, errMock
			},
			ram: mockRAM, disk: mockDisk,
		},
		"cpuEmpty": {
			cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
				return nil, nil
			},
			ram: mockRAM, disk: mockDisk,
		},
		"ram": {
			cpu: mockCPU, disk: mockDisk,
			ram: func() (*mem.VirtualMemoryStat, error) { return nil, errMock },
		},
		"disk": {
			cpu: mockCPU, ram: mockRAM,
			disk: func() (storage.DiskUsage, error) { return storage.DiskUsage{}, errMock },
		},
	}
	for name, s := range cases {
		s := s
		t.Run(name, func(t *testing.T) {
			require.Error(t, s.update(context.Background()))
			require.Equal(t, Status{}, s.Status())
		})
	}
}

func TestStatusLoop(t *testing.T) {
	logger := log.NewMockLogger()
	feed, cancelFeed := logger.Subscribe()

	s := New(mockDisk, time.Millisecond, logger)
	s.cpu = mockCPU
	s.ram = mockRAM

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.StatusLoop(ctx)
		close(done)
	}()

	msg := <-feed
	require.Equal(t, "system", msg.Src)
	require.Equal(t, "cpu 11%, ram 22%, disk 44GB (33%)", msg.Msg)

	cancel()
	cancelFeed()
	<-done
}
