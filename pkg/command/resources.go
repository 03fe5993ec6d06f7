package command

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is the process resource snapshot printed by the status verb.
type ResourceUsage struct {
	Uptime              time.Duration
	CPUPercent          float64
	MemoryRSS           uint64
	HeapAlloc           uint64
	SystemMemoryPercent float64
	GoroutineCount      int
	ThreadCount         int32
}

// ResourceMonitor samples the resources of the current process.
type ResourceMonitor struct {
	mu           sync.Mutex
	process      *process.Process
	startCPUTime float64
	startTime    time.Time
}

// NewResourceMonitor starts measuring from now. Process statistics that the
// platform does not provide are reported as zero.
func NewResourceMonitor() *ResourceMonitor {
	rm := &ResourceMonitor{startTime: time.Now()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		rm.process = proc
		if t, err := proc.Times(); err == nil {
			rm.startCPUTime = t.Total()
		}
	}
	return rm
}

// Usage returns the current resource usage.
func (rm *ResourceMonitor) Usage() ResourceUsage {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	usage := ResourceUsage{
		Uptime:         time.Since(rm.startTime),
		HeapAlloc:      ms.HeapAlloc,
		GoroutineCount: runtime.NumGoroutine(),
	}

	if rm.process != nil {
		if t, err := rm.process.Times(); err == nil && usage.Uptime > 0 {
			usage.CPUPercent = (t.Total() - rm.startCPUTime) / usage.Uptime.Seconds() * 100
		}
		if mi, err := rm.process.MemoryInfo(); err == nil {
			usage.MemoryRSS = mi.RSS
		}
		usage.ThreadCount, _ = rm.process.NumThreads()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		usage.SystemMemoryPercent = vm.UsedPercent
	}
	return usage
}
