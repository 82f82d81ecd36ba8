package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"depthwatch/internal/metrics"
	"depthwatch/logger"
)

// hostSample is one reading of the host running the pipelines.
type hostSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

// collectors are swapped in tests
var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

// hostSampler measures cpu, memory and disk every interval. The cpu reading
// itself blocks for the interval, so no ticker is needed.
type hostSampler struct {
	samples  *history[hostSample]
	interval time.Duration
	diskPath string
	log      *logger.Log

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newHostSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *hostSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{
		samples:  newHistory[hostSample](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *hostSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *hostSampler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *hostSampler) snapshot() []hostSample { return s.samples.filter(nil) }

func (s *hostSampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := s.log.WithComponent("host_sampler")
	for ctx.Err() == nil {
		sample, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("host sample failed")
				// avoid spinning when a collector fails fast
				select {
				case <-ctx.Done():
				case <-time.After(s.interval):
				}
			}
			continue
		}
		s.samples.push(sample)
		fields := logger.Fields{"disk_path": s.diskPath}
		metrics.EmitMetric(s.log, "host", "cpu_percent", sample.CPUPercent, "gauge", fields)
		metrics.EmitMetric(s.log, "host", "memory_percent", sample.MemoryPct, "gauge", fields)
		metrics.EmitMetric(s.log, "host", "disk_percent", sample.DiskPct, "gauge", fields)
	}
}

func (s *hostSampler) sample(ctx context.Context) (hostSample, error) {
	cpuPct, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return hostSample{}, err
	}
	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return hostSample{}, err
	}
	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return hostSample{}, err
	}
	out := hostSample{
		Timestamp:   time.Now().UTC(),
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		MemoryPct:   vm.UsedPercent,
		DiskUsed:    du.Used,
		DiskTotal:   du.Total,
		DiskPct:     du.UsedPercent,
	}
	if len(cpuPct) > 0 {
		out.CPUPercent = cpuPct[0]
	}
	return out, nil
}
