// Package monitor samples host and process health for the relay.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	snapshotCacheTTL = 2 * time.Second
	runtimeProcLimit = 20
)

// Snapshot is a point-in-time health reading.
type Snapshot struct {
	Platform    string    `json:"platform"`
	CPUCores    int       `json:"cpu_cores"`
	CPUUsage    float64   `json:"cpu_usage"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`

	// Relay is this process. Runtimes are its child processes, which are
	// the spawned agent CLIs.
	Relay      ProcessInfo   `json:"relay"`
	Runtimes   []ProcessInfo `json:"runtimes"`
	Goroutines int           `json:"goroutines"`

	TimestampMs int64 `json:"timestamp_ms"`
}

type ProcessInfo struct {
	PID         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

type Service struct {
	log *slog.Logger
	pid int32

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	at      time.Time

	collect func(ctx context.Context) Snapshot
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Service{log: log.With("component", "monitor"), pid: int32(os.Getpid())}
	s.collect = s.collectSnapshot
	return s
}

// Snapshot returns a reading at most two seconds old, with runtime
// processes ordered by sortBy ("cpu" or "memory").
func (s *Service) Snapshot(ctx context.Context, sortBy string) Snapshot {
	if s == nil {
		return Snapshot{Platform: goruntime.GOOS, Runtimes: []ProcessInfo{}}
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.at) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return withSortedRuntimes(out, sortBy)
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.at = now
	s.hasSnap = true
	s.mu.Unlock()

	return withSortedRuntimes(snap, sortBy)
}

func withSortedRuntimes(snap Snapshot, sortBy string) Snapshot {
	snap.Runtimes = selectTopProcesses(snap.Runtimes, sortBy, runtimeProcLimit)
	return snap
}

func (s *Service) collectSnapshot(ctx context.Context) Snapshot {
	now := time.Now()
	snap := Snapshot{
		Platform:    goruntime.GOOS,
		Goroutines:  goruntime.NumGoroutine(),
		TimestampMs: now.UnixMilli(),
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		snap.CPUUsage = usage
	} else {
		s.log.Warn("read cpu usage failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("read cpu cores failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Debug("read load average failed", "error", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryUsedPercent = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("read memory failed", "error", err)
	}

	self, err := process.NewProcessWithContext(ctx, s.pid)
	if err != nil {
		s.log.Warn("open relay process failed", "error", err)
		snap.Relay = ProcessInfo{PID: s.pid}
		return snap
	}
	snap.Relay = describeProcess(ctx, self)
	children, err := self.ChildrenWithContext(ctx)
	if err != nil && !errors.Is(err, process.ErrorNoChildren) {
		s.log.Debug("list runtime processes failed", "error", err)
	}
	for _, c := range children {
		if c == nil {
			continue
		}
		snap.Runtimes = append(snap.Runtimes, describeProcess(ctx, c))
	}
	return snap
}

func describeProcess(ctx context.Context, p *process.Process) ProcessInfo {
	info := ProcessInfo{PID: p.Pid}
	if name, err := p.NameWithContext(ctx); err == nil && strings.TrimSpace(name) != "" {
		info.Name = name
	} else {
		info.Name = fmt.Sprintf("[%d]", p.Pid)
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = pct
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		info.MemoryBytes = mi.RSS
	}
	return info
}

func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	// Non-blocking first: the delta since the previous call.
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	// The first call has no baseline, so sample briefly.
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, errors.New("cpu percent unavailable")
}

func normalizeSortBy(sortBy string) string {
	if strings.ToLower(strings.TrimSpace(sortBy)) == "memory" {
		return "memory"
	}
	return "cpu"
}

func selectTopProcesses(procs []ProcessInfo, sortBy string, limit int) []ProcessInfo {
	if len(procs) == 0 || limit <= 0 {
		return []ProcessInfo{}
	}
	sortBy = normalizeSortBy(sortBy)
	out := make([]ProcessInfo, len(procs))
	copy(out, procs)
	sort.SliceStable(out, func(i, j int) bool {
		if sortBy == "memory" {
			return out[i].MemoryBytes > out[j].MemoryBytes
		}
		return out[i].CPUPercent > out[j].CPUPercent
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
