package mcp

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Metrics collects request counters and latency sums, rendered in a plain
// text exposition format on /metrics.
type Metrics struct {
	counters sync.Map // name -> *atomic.Int64
	latency  sync.Map // name -> *atomic.Int64 (microseconds total)
	started  time.Time
	proc     *process.Process
}

// NewMetrics creates the metrics registry.
func NewMetrics() *Metrics {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Metrics{started: time.Now(), proc: proc}
}

// Inc bumps a counter.
func (m *Metrics) Inc(name string) {
	v, _ := m.counters.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Observe records a completed operation's latency.
func (m *Metrics) Observe(name string, d time.Duration) {
	v, _ := m.latency.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(d.Microseconds())
}

// Render serializes counters, latency sums, process gauges, and any extra
// gauges the caller supplies (breaker states, cache rates).
func (m *Metrics) Render(extra map[string]string) string {
	var b strings.Builder

	var lines []string
	m.counters.Range(func(k, v any) bool {
		lines = append(lines, fmt.Sprintf("mnemon_requests_total{op=%q} %d", k, v.(*atomic.Int64).Load()))
		return true
	})
	m.latency.Range(func(k, v any) bool {
		lines = append(lines, fmt.Sprintf("mnemon_latency_us_total{op=%q} %d", k, v.(*atomic.Int64).Load()))
		return true
	})
	sort.Strings(lines)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "mnemon_uptime_seconds %d\n", int(time.Since(m.started).Seconds()))
	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil {
			fmt.Fprintf(&b, "mnemon_process_rss_bytes %d\n", mem.RSS)
		}
		if cpu, err := m.proc.CPUPercent(); err == nil {
			fmt.Fprintf(&b, "mnemon_process_cpu_percent %.2f\n", cpu)
		}
	}

	extraKeys := make([]string, 0, len(extra))
	for k := range extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		fmt.Fprintf(&b, "%s %s\n", k, extra[k])
	}
	return b.String()
}
