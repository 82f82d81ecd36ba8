package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warns    sync.Map // component -> *int64
	errs     sync.Map // component -> *int64
	counters sync.Map // name -> *int64
	channels sync.Map // name -> *channelStat

	publisherMu sync.RWMutex
	publisher   ReportPublisher
)

// ReportPublisher receives every runtime report, e.g. to forward it to CloudWatch.
type ReportPublisher func(ctx context.Context, report Report)

// Report is one snapshot of host and pipeline statistics.
type Report struct {
	CPUPercent float64
	MemoryMB   float64
	DiskMB     float64
	NetSent    uint64
	NetRecv    uint64
	Goroutines int
	Warns      map[string]int64
	Errors     map[string]int64
	Counters   map[string]int64
	Channels   map[string]map[string]int64
}

// SetReportPublisher installs the report publisher. nil disables publishing.
func SetReportPublisher(p ReportPublisher) {
	publisherMu.Lock()
	publisher = p
	publisherMu.Unlock()
}

func bump(m *sync.Map, key string, n int64) {
	if key == "" {
		return
	}
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), n)
}

func recordWarn(component string)  { bump(&warns, component, 1) }
func recordError(component string) { bump(&errs, component, 1) }

// IncrementCounter adds n to a named pipeline counter reported by StartReport.
func IncrementCounter(name string, n int64) {
	bump(&counters, name, n)
}

// RecordChannelMessage accounts one message of the given size on a named channel.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, Collect())
			}
		}
	}()
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// Collect gathers the current report. Host stats that cannot be read are zero.
func Collect() Report {
	r := Report{
		Goroutines: runtime.NumGoroutine(),
		Warns:      snapshotCounters(&warns),
		Errors:     snapshotCounters(&errs),
		Counters:   snapshotCounters(&counters),
		Channels:   map[string]map[string]int64{},
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskMB = float64(du.Used) / 1024 / 1024
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		r.NetSent = io[0].BytesSent
		r.NetRecv = io[0].BytesRecv
	}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		r.Channels[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return r
}

func logReport(ctx context.Context, log *Log, r Report) {
	log.WithComponent("report").WithFields(Fields{
		"cpu_percent":    r.CPUPercent,
		"memory_mb":      int64(r.MemoryMB),
		"disk_mb":        int64(r.DiskMB),
		"net_bytes_sent": int64(r.NetSent),
		"net_bytes_recv": int64(r.NetRecv),
		"goroutines":     r.Goroutines,
		"warns":          r.Warns,
		"errors":         r.Errors,
		"counters":       r.Counters,
		"channels":       r.Channels,
	}).Info("runtime report")

	publisherMu.RLock()
	p := publisher
	publisherMu.RUnlock()
	if p != nil {
		p(ctx, r)
	}
}
