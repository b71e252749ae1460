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

// ChannelStat counts inbound messages and bytes for one named channel.
type ChannelStat struct {
	Messages int64 `json:"messages"`
	Bytes    int64 `json:"bytes"`
}

type channelStat struct {
	messages int64
	bytes    int64
}

// Report is one periodic runtime snapshot.
type Report struct {
	Goroutines   int                    `json:"goroutines"`
	CPUPercent   float64                `json:"cpu_percent"`
	MemoryMB     int64                  `json:"memory_mb"`
	DiskMB       int64                  `json:"disk_mb"`
	NetBytesSent int64                  `json:"net_bytes_sent"`
	NetBytesRecv int64                  `json:"net_bytes_recv"`
	Warns        map[string]int64       `json:"warns"`
	Errors       map[string]int64       `json:"errors"`
	Channels     map[string]ChannelStat `json:"channels"`
}

var (
	warns    sync.Map // component -> *int64
	errs     sync.Map // component -> *int64
	channels sync.Map // name -> *channelStat

	sinkMu sync.RWMutex
	sinks  []func(Report)
)

func bump(m *sync.Map, component string) {
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warns, component)
}

func recordError(component string) {
	bump(&errs, component)
}

// RecordChannelMessage counts one inbound message of size bytes on channel name.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// OnReport registers fn to receive every periodic report after it is logged.
func OnReport(fn func(Report)) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sinks = append(sinks, fn)
}

func counts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// Counters returns the warn and error counts recorded per component so far.
func Counters() (warnCounts, errorCounts map[string]int64) {
	return counts(&warns), counts(&errs)
}

// Channels returns the message counters recorded per channel so far.
func Channels() map[string]ChannelStat {
	out := map[string]ChannelStat{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		out[k.(string)] = ChannelStat{
			Messages: atomic.LoadInt64(&cs.messages),
			Bytes:    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return out
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, collect())
			}
		}
	}()
}

func collect() Report {
	r := Report{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = int64(vm.Used / 1024 / 1024)
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskMB = int64(du.Used / 1024 / 1024)
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		r.NetBytesSent = int64(io[0].BytesSent)
		r.NetBytesRecv = int64(io[0].BytesRecv)
	}
	r.Warns, r.Errors = Counters()
	r.Channels = Channels()
	return r
}

func logReport(log *Log, r Report) {
	log.WithComponent("report").WithFields(Fields{
		"goroutines":     r.Goroutines,
		"cpu_percent":    r.CPUPercent,
		"memory_mb":      r.MemoryMB,
		"disk_mb":        r.DiskMB,
		"net_bytes_sent": r.NetBytesSent,
		"net_bytes_recv": r.NetBytesRecv,
		"warns":          r.Warns,
		"errors":         r.Errors,
		"channels":       r.Channels,
	}).Info("runtime report")

	sinkMu.RLock()
	fns := append([]func(Report){}, sinks...)
	sinkMu.RUnlock()
	for _, fn := range fns {
		fn(r)
	}
}
