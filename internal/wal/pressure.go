package wal

import (
	"log"
	"runtime"
	"syscall"
	"time"
)

// batchStep is how far the effective batch size moves per pass.
const batchStep = 25

// cpuSampler measures process CPU utilization between calls from getrusage
// deltas against wall time.
type cpuSampler struct {
	lastWall time.Time
	lastCPU  time.Duration
}

// percent returns process CPU use since the previous call, 0-100+. The first
// call establishes the baseline and reports 0.
func (c *cpuSampler) percent() int {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	now := time.Now()

	if c.lastWall.IsZero() {
		c.lastWall, c.lastCPU = now, cpu
		return 0
	}
	wall := now.Sub(c.lastWall)
	used := cpu - c.lastCPU
	c.lastWall, c.lastCPU = now, cpu
	if wall <= 0 {
		return 0
	}
	return int(used * 100 / wall)
}

// memoryPercent reports live heap as a percentage of the configured memory
// budget.
func (e *Engine) memoryPercent() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	budget := uint64(e.maxMemoryMB) * 1024 * 1024
	if budget == 0 {
		return 0
	}
	return int(ms.HeapAlloc * 100 / budget)
}

// adjustBatch moves the effective batch size one step per pass: down toward
// the floor while memory or CPU pressure is at or above its threshold, up
// toward the ceiling otherwise. Returns the size to use for this pass.
func (e *Engine) adjustBatch() int {
	memPct := e.memoryPercent()
	cpuPct := e.sampler.percent()
	pressured := memPct >= e.memThreshold || cpuPct >= e.cpuThreshold

	cur := int(e.batch.Load())
	next := cur
	if pressured {
		next = cur - batchStep
	} else {
		next = cur + batchStep
	}
	if next < e.batchMin {
		next = e.batchMin
	}
	if next > e.batchMax {
		next = e.batchMax
	}
	if next != cur {
		e.batch.Store(int64(next))
		if pressured {
			log.Printf("[wal] pressure (mem %d%%, cpu %d%%): batch %d -> %d", memPct, cpuPct, cur, next)
		}
	}
	return next
}
