package sampler

import (
	"context"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// maxTrackedProcesses caps how many descendants are walked per tick.
const maxTrackedProcesses = 512

// ProcessSource reads CPU, RSS and DRM-accounted VRAM for a process tree
// rooted at one pid. Process CPU is the sum over the tree and is not
// normalised, so it may exceed 100 on multi-core saturation.
type ProcessSource struct {
	pid      int32
	procRoot string

	mu      sync.Mutex
	handles map[int32]*process.Process
}

// NewProcessSource tracks the tree rooted at pid.
func NewProcessSource(pid int) *ProcessSource {
	return &ProcessSource{
		pid:      int32(pid),
		procRoot: "/proc",
		handles:  make(map[int32]*process.Process),
	}
}

func (p *ProcessSource) Name() string { return "process" }

func (p *ProcessSource) Available() bool { return p.pid > 0 }

// Collect fills the process fields. Processes that exit between enumeration
// and reading are skipped.
func (p *ProcessSource) Collect(ctx context.Context, sample *Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pids, err := p.walk(ctx)
	if err != nil {
		return err
	}

	var (
		cpuTotal float64
		rssTotal uint64
		alive    []int32
	)
	seen := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		seen[pid] = struct{}{}
		handle, ok := p.handles[pid]
		if !ok {
			handle, err = process.NewProcessWithContext(ctx, pid)
			if err != nil {
				continue
			}
			p.handles[pid] = handle
		}

		pct, err := handle.PercentWithContext(ctx, 0)
		if err != nil {
			continue
		}
		memInfo, err := handle.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		cpuTotal += pct
		rssTotal += memInfo.RSS
		alive = append(alive, pid)
	}

	for pid := range p.handles {
		if _, ok := seen[pid]; !ok {
			delete(p.handles, pid)
		}
	}

	if len(alive) == 0 {
		return fmt.Errorf("process %d not readable", p.pid)
	}
	sample.ProcessCPUPercent = float64Ptr(cpuTotal)
	sample.ProcessRSSBytes = uint64Ptr(rssTotal)
	if vram, ok := jobGPUMemory(p.procRoot, alive); ok {
		sample.ProcessGPUMemoryBytes = uint64Ptr(vram)
	}
	return nil
}

// walk returns the root pid followed by its descendants, breadth first.
func (p *ProcessSource) walk(ctx context.Context) ([]int32, error) {
	root, ok := p.handles[p.pid]
	if !ok {
		var err error
		root, err = process.NewProcessWithContext(ctx, p.pid)
		if err != nil {
			return nil, fmt.Errorf("open process %d: %w", p.pid, err)
		}
		p.handles[p.pid] = root
	}

	pids := []int32{p.pid}
	queue := []*process.Process{root}
	for len(queue) > 0 && len(pids) < maxTrackedProcesses {
		current := queue[0]
		queue = queue[1:]

		children, err := current.ChildrenWithContext(ctx)
		if err != nil {
			// ErrorNoChildren or a process that already exited.
			continue
		}
		for _, child := range children {
			pids = append(pids, child.Pid)
			queue = append(queue, child)
		}
	}
	return pids, nil
}

func (p *ProcessSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles = make(map[int32]*process.Process)
	return nil
}
