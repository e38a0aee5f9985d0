package bridge

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/edgejs/internal/domain"
)

const (
	// heapObjectsMetric 含尚未清扫的垃圾，用于起点和廉价的初筛
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	// heapLiveMetric 是最近一次 GC 标记后的存活字节数
	heapLiveMetric = "/gc/heap/live:bytes"

	heapSampleInterval = 5 * time.Millisecond
	forcedGCInterval   = 50 * time.Millisecond
)

var (
	forcedGCMu   sync.Mutex
	lastForcedGC time.Time
)

func readHeap(name string) int64 {
	s := []metrics.Sample{{Name: name}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(s[0].Value.Uint64())
}

// liveAfterGC 强制一次 GC 后返回存活堆字节数。并发的看门狗共享同一次 GC。
func liveAfterGC() int64 {
	forcedGCMu.Lock()
	defer forcedGCMu.Unlock()
	if time.Since(lastForcedGC) >= forcedGCInterval {
		runtime.GC()
		lastForcedGC = time.Now()
	}
	return readHeap(heapLiveMetric)
}

// watchHeap 在调用期间采样进程堆，增长超过 limit 时以 ErrIsolateMemoryExceeded 中断运行时。
// Go 没有按 goroutine 的分配统计，采样是进程级的：初筛超限后强制 GC，
// 只有回收后存活堆相对调用开始时仍增长超过 limit 才中断。
// 返回的函数停止采样并等待看门狗退出。
func watchHeap(vm *goja.Runtime, limit int64) func() {
	if limit <= 0 {
		return func() {}
	}
	// 起点含未回收的垃圾，偏高的起点只会少算增长
	baseline := readHeap(heapObjectsMetric)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(heapSampleInterval)
		defer ticker.Stop()
		// next 是下一次需要确认的初筛阈值；误报后至少再分配 limit/4 才会再次强制 GC
		next := baseline + limit
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if readHeap(heapObjectsMetric) <= next {
				continue
			}
			if liveAfterGC()-baseline > limit {
				vm.Interrupt(domain.ErrIsolateMemoryExceeded)
				return
			}
			next = max(baseline+limit, readHeap(heapObjectsMetric)+limit/4)
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}
