package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage holds one resource sample for a running project process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	SampledAt  time.Time `json:"sampled_at"`
}

// UsageConfig configures the periodic resource sampler.
type UsageConfig struct {
	Enabled  bool          `mapstructure:"enabled" toml:"enabled"`
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
}

// UsageTarget identifies one live process to sample.
type UsageTarget struct {
	ProjectID int64
	Name      string
	PID       int32
}

// UsageCollector samples CPU/memory per running project and exports the
// values as gauges plus a latest-sample map for the describe API. Projects
// are single-process, so samples are keyed by project id.
type UsageCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[int64]Usage
	series map[int64]string // project id -> name, for label cleanup

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	labels := []string{"project", "id"}
	return &UsageCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		latest:   make(map[int64]Usage),
		series:   make(map[int64]string),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the project's process.",
		}, labels),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "memory_mb",
			Help:      "Resident memory of the project's process in MB.",
		}, labels),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "num_threads",
			Help:      "Thread count of the project's process.",
		}, labels),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "project",
			Name:      "num_fds",
			Help:      "Open file descriptors of the project's process (Unix only).",
		}, labels),
	}
}

// RegisterMetrics registers the usage gauges with the provided registerer.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start launches the sampling loop. targets returns the currently live
// processes; entries that disappear between ticks have their series removed.
func (c *UsageCollector) Start(ctx context.Context, targets func() []UsageTarget) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample(targets())
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to finish.
func (c *UsageCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Latest returns the most recent sample for a project, if one exists.
func (c *UsageCollector) Latest(projectID int64) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[projectID]
	return u, ok
}

func (c *UsageCollector) sample(targets []UsageTarget) {
	now := time.Now()
	live := make(map[int64]string, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		live[t.ProjectID] = t.Name
		u, err := sampleProcess(t.PID, now)
		if err != nil {
			slog.Debug("usage sample failed", "project", t.Name, "pid", t.PID, "error", err)
			continue
		}
		id := strconv.FormatInt(t.ProjectID, 10)
		c.cpuPercent.WithLabelValues(t.Name, id).Set(u.CPUPercent)
		c.memoryMB.WithLabelValues(t.Name, id).Set(u.MemoryMB)
		c.numThreads.WithLabelValues(t.Name, id).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" && u.NumFDs > 0 {
			c.numFDs.WithLabelValues(t.Name, id).Set(float64(u.NumFDs))
		}
		c.mu.Lock()
		c.latest[t.ProjectID] = u
		c.mu.Unlock()
	}

	// Drop samples and gauge series for processes that are gone.
	c.mu.Lock()
	for id, name := range c.series {
		if _, ok := live[id]; ok {
			continue
		}
		idStr := strconv.FormatInt(id, 10)
		c.cpuPercent.DeleteLabelValues(name, idStr)
		c.memoryMB.DeleteLabelValues(name, idStr)
		c.numThreads.DeleteLabelValues(name, idStr)
		c.numFDs.DeleteLabelValues(name, idStr)
		delete(c.series, id)
		delete(c.latest, id)
	}
	for id, name := range live {
		c.series[id] = name
	}
	c.mu.Unlock()
}

func sampleProcess(pid int32, now time.Time) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid, SampledAt: now}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	u.MemoryRSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if threads, err := proc.NumThreads(); err == nil {
		u.NumThreads = threads
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}
