package dashboard

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"tokenfeed/internal/socket"
	"tokenfeed/logger"
)

// resourceSnapshot is one sample of host usage and feed throughput.
type resourceSnapshot struct {
	Timestamp      time.Time          `json:"timestamp"`
	CPUPercent     float64            `json:"cpu_percent"`
	MemoryUsed     uint64             `json:"memory_used"`
	MemoryPct      float64            `json:"memory_percent"`
	DiskPct        float64            `json:"disk_percent"`
	Goroutines     int                `json:"goroutines"`
	OpenClients    int                `json:"open_clients"`
	MessagesPerSec map[string]float64 `json:"messages_per_sec,omitempty"`
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn  = mem.VirtualMemoryWithContext
	diskUsageFn    = disk.UsageWithContext
	channelStatsFn = logger.Channels
)

type resourceSampler struct {
	*ring[resourceSnapshot]
	interval time.Duration
	diskPath string
	clients  []ClientSource
	log      *logger.Log

	// previous channel counters, touched only by the sampling goroutine
	prevCounts map[string]int64
	prevAt     time.Time

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, clients []ClientSource, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		ring:     newRing[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		clients:  clients,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.filter(nil)
}

func (s *resourceSampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.add(s.sample(ctx, time.Now()))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.add(s.sample(ctx, now))
		}
	}
}

// sample collects one snapshot. A failing host reading leaves its fields zero so
// feed throughput is still recorded.
func (s *resourceSampler) sample(ctx context.Context, now time.Time) resourceSnapshot {
	log := s.log.WithComponent("resource_sampler")
	snap := resourceSnapshot{
		Timestamp:  now,
		Goroutines: runtime.NumGoroutine(),
	}

	if samples, err := cpuPercentFn(ctx); err != nil {
		log.WithError(err).Debug("failed to sample cpu usage")
	} else if len(samples) > 0 {
		snap.CPUPercent = samples[0]
	}
	if vm, err := memoryStatsFn(ctx); err != nil {
		log.WithError(err).Debug("failed to sample memory usage")
	} else {
		snap.MemoryUsed = vm.Used
		snap.MemoryPct = vm.UsedPercent
	}
	if du, err := diskUsageFn(ctx, s.diskPath); err != nil {
		log.WithError(err).Debug("failed to sample disk usage")
	} else {
		snap.DiskPct = du.UsedPercent
	}

	for _, c := range s.clients {
		if c.Status().State == socket.StateOpen.String() {
			snap.OpenClients++
		}
	}

	snap.MessagesPerSec = s.rates(now)
	return snap
}

// rates turns the cumulative per-channel message counters into per-second
// rates since the previous sample. The first sample has no baseline.
func (s *resourceSampler) rates(now time.Time) map[string]float64 {
	stats := channelStatsFn()
	counts := make(map[string]int64, len(stats))
	for name, st := range stats {
		counts[name] = st.Messages
	}

	var out map[string]float64
	if s.prevCounts != nil {
		if elapsed := now.Sub(s.prevAt).Seconds(); elapsed > 0 {
			out = make(map[string]float64, len(counts))
			for name, n := range counts {
				delta := n - s.prevCounts[name]
				if delta < 0 {
					delta = 0
				}
				out[name] = float64(delta) / elapsed
			}
		}
	}
	s.prevCounts = counts
	s.prevAt = now
	return out
}
