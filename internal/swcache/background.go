package swcache

import (
	"sync"
	"time"
)

// taskGroup tracks goroutines that outlive the event that started them, so
// Close can wait for in-flight cache writes.
type taskGroup struct {
	wg      sync.WaitGroup
	sem     chan struct{}
	dropLog *rateLimitedLogger
}

func newTaskGroup(maxConcurrent int) *taskGroup {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &taskGroup{
		sem:     make(chan struct{}, maxConcurrent),
		dropLog: newRateLimitedLogger(time.Minute),
	}
}

// spawnBackground starts a fire-and-forget task. Nothing can observe its
// outcome. When the group is saturated the task is dropped and false is
// returned.
func (g *taskGroup) spawnBackground(name string, fn func()) bool {
	select {
	case g.sem <- struct{}{}:
	default:
		g.dropLog.Printf("background %s dropped: %d tasks already running", name, cap(g.sem))
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()
		fn()
	}()
	return true
}

// track runs fn on its own goroutine without the concurrency bound. It is
// used for work a caller may still be waiting on.
func (g *taskGroup) track(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *taskGroup) wait() {
	g.wg.Wait()
}
