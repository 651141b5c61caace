package crawler

import (
	"sync/atomic"

	"github.com/codepr/spider/web"
)

// hostMonitor is the per-host scheduling loop: pop the next URL for this
// host, acquire a slot in the host's own gate and then in the engine's
// global gate, and spawn a fetch. One goroutine runs per host for the
// lifetime of the engine.
func (e *Engine) hostMonitor(host string, q *urlQueue, hg gate) {
	for {
		rawURL := q.pop()
		hg.acquire()
		e.globalGate.acquire()
		go e.runFetch(rawURL, hg)
		e.startOnce.Do(func() { close(e.started) })
	}
}

// runFetch fetches a single URL and invokes the document handler. Gates are
// released in per-host-then-global order: hg.release is deferred after
// e.globalGate.release so it runs first, freeing the domain's concurrency
// slot slightly ahead of the global one.
func (e *Engine) runFetch(rawURL string, hg gate) {
	defer e.pending.Done()
	defer e.globalGate.release()
	defer hg.release()

	u := web.Parse(rawURL)
	resp, err := e.fetcher.fetch(u)
	if err != nil {
		e.logger.Println(err)
		return
	}

	atomic.AddInt64(&e.completed, 1)
	e.logger.Printf("(%d) GET %s", resp.Code(), rawURL)
	e.invokeHandler(resp)
}
