package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"candleflow/logger"
)

// resourceSnapshot is one sample of host and process utilisation. Fields a
// sampler could not read stay zero.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Goroutines  int       `json:"goroutines"`
	HeapAlloc   uint64    `json:"heap_alloc"`
	ProcessRSS  uint64    `json:"process_rss"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskPct     float64   `json:"disk_percent"`
}

// hostStats fills the host part of a snapshot.
type hostStats interface {
	sample(ctx context.Context, snap *resourceSnapshot) error
}

type hostSampler struct {
	diskPath string
	proc     *process.Process
}

func newHostSampler(diskPath string) *hostSampler {
	p := &hostSampler{diskPath: diskPath}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	return p
}

// sample returns the first error but still fills every readable field.
func (p *hostSampler) sample(ctx context.Context, snap *resourceSnapshot) error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		keep(err)
	} else if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		keep(err)
	} else {
		snap.MemoryUsed, snap.MemoryTotal, snap.MemoryPct = vm.Used, vm.Total, vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, p.diskPath); err != nil {
		keep(err)
	} else {
		snap.DiskUsed, snap.DiskPct = du.Used, du.UsedPercent
	}
	if p.proc != nil {
		if mi, err := p.proc.MemoryInfoWithContext(ctx); err != nil {
			keep(err)
		} else {
			snap.ProcessRSS = mi.RSS
		}
	}
	return firstErr
}

// resourceSampler keeps the last samples for /api/resources.
type resourceSampler struct {
	samples  *ring[resourceSnapshot]
	interval time.Duration
	sampler  hostStats
	now      func() time.Time
	log      *logger.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		samples:  newRing[resourceSnapshot](limit),
		interval: interval,
		sampler:  newHostSampler(diskPath),
		now:      time.Now,
		log:      log.WithComponent("resource_sampler"),
	}
}

// start samples once immediately and then every interval. A second call
// while running is a no-op.
func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
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

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.samples.snapshot()
}

func (s *resourceSampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *resourceSampler) collect(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := resourceSnapshot{
		Timestamp:  s.now().UTC(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
	}
	if err := s.sampler.sample(ctx, &snap); err != nil && ctx.Err() == nil {
		s.log.WithError(err).Debug("partial resource sample")
	}
	s.samples.push(snap)
}
