package crawler

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codepr/spider/crawler/fetcher"
	"github.com/codepr/spider/web"
)

// pages maps a path to the HTML body served for it. Each request is served
// on its own connection and then closed, matching the fetcher, which closes
// its connection after every response.
func startMockSite(t *testing.T, pages map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				requestLine, err := br.ReadString('\n')
				if err != nil {
					return
				}
				for {
					line, err := br.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				var method, path string
				fmt.Sscanf(requestLine, "%s %s", &method, &path)
				body, ok := pages[path]
				if !ok {
					c.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
					return
				}
				resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s",
					len(body), body)
				c.Write([]byte(resp))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestEngineCrawlsDiscoveredLinks(t *testing.T) {
	pages := map[string]string{
		"/":  `<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`,
		"/a": `<html><body>leaf</body></html>`,
		"/b": `<html><body><a href="/a">a again</a></body></html>`,
	}
	addr := startMockSite(t, pages)
	root := "http://" + addr + "/"

	var mu sync.Mutex
	var visited []string
	parser := fetcher.NewGoqueryParser()

	handler := DocumentHandlerFunc(func(e *Engine, resp *web.Response) {
		mu.Lock()
		visited = append(visited, resp.URL().String())
		mu.Unlock()

		links, err := parser.Parse(resp.URL().String(), resp.Body())
		if err != nil {
			return
		}
		e.AddTask(links...)
	})

	e := New(
		WithMaxWorker(4),
		WithWorkerDomain(2),
		WithFetchTimeout(2*time.Second),
		WithReportInterval(time.Hour),
		WithDocumentHandler(handler),
	)

	if ok := e.Start(root); !ok {
		t.Fatal("Start returned false, expected a crawl to run")
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(visited)
	want := []string{"http://" + addr + "/", "http://" + addr + "/a", "http://" + addr + "/b"}
	sort.Strings(want)
	if len(visited) != len(want) {
		t.Fatalf("expected %d pages visited, got %d: %v", len(want), len(visited), visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("expected visited[%d]=%s got %s", i, want[i], visited[i])
		}
	}
}

func TestEngineStartReturnsFalseWithNoAdmittedURLs(t *testing.T) {
	e := New(WithAllowList("only-this-domain.test"))
	if ok := e.Start("http://example.com/"); ok {
		t.Fatal("expected Start to return false when no URLs pass the allow-list")
	}
}

func TestEngineAddTaskDeduplicatesByFingerprint(t *testing.T) {
	// 127.0.0.1:1 refuses connections immediately, so the host monitor's
	// spawned fetch fails fast instead of leaving a real outbound dial
	// hanging past the end of the test.
	e := New(WithFetchTimeout(100 * time.Millisecond))
	first := e.AddTask("http://127.0.0.1:1/x")
	second := e.AddTask("http://127.0.0.1:1/x")
	if first != 1 {
		t.Errorf("expected first AddTask to admit 1 URL, got %d", first)
	}
	if second != 0 {
		t.Errorf("expected duplicate AddTask to admit 0 URLs, got %d", second)
	}
}

func TestEngineAllowListFiltersHosts(t *testing.T) {
	e := New(WithAllowList("example.com"), WithFetchTimeout(100*time.Millisecond))
	admitted := e.AddTask("http://other.test/x", "http://sub.example.com:1/y")
	if admitted != 1 {
		t.Errorf("expected 1 URL admitted under allow-list, got %d", admitted)
	}
}

// concurrencyTracker records the high-water mark of concurrent holders
// between start/end pairs, used to assert P2/P3's concurrency bounds.
type concurrencyTracker struct {
	cur int32
	max int32
}

func (c *concurrencyTracker) start() {
	cur := atomic.AddInt32(&c.cur, 1)
	for {
		m := atomic.LoadInt32(&c.max)
		if cur <= m || atomic.CompareAndSwapInt32(&c.max, m, cur) {
			return
		}
	}
}

func (c *concurrencyTracker) end() {
	atomic.AddInt32(&c.cur, -1)
}

func (c *concurrencyTracker) highWater() int32 {
	return atomic.LoadInt32(&c.max)
}

// startTrackingServer listens on its own loopback address (so its host key
// is distinct from every other server in the test) and serves a fixed 200
// response to every request, recording concurrency into both global and
// per-host trackers while it does.
func startTrackingServer(t *testing.T, listenIP string, global, perHost *concurrencyTracker) string {
	t.Helper()
	ln, err := net.Listen("tcp", listenIP+":0")
	if err != nil {
		t.Fatalf("listen on %s failed: %v", listenIP, err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					line, err := br.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				global.start()
				perHost.start()
				time.Sleep(15 * time.Millisecond)
				perHost.end()
				global.end()
				c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// TestEngineRespectsConcurrencyBounds is S3: 50 URLs spread across 10 hosts,
// asserting P2 (global concurrency never exceeds MAX_WORKER) and P3
// (per-host concurrency never exceeds WORKER_DOMAIN).
func TestEngineRespectsConcurrencyBounds(t *testing.T) {
	const (
		maxWorker    = 5
		workerDomain = 2
		hostCount    = 10
		urlsPerHost  = 5
	)

	global := &concurrencyTracker{}
	perHost := make([]*concurrencyTracker, hostCount)
	var seeds []string
	for i := 0; i < hostCount; i++ {
		perHost[i] = &concurrencyTracker{}
		ip := fmt.Sprintf("127.0.0.%d", i+2)
		addr := startTrackingServer(t, ip, global, perHost[i])
		for j := 0; j < urlsPerHost; j++ {
			seeds = append(seeds, fmt.Sprintf("http://%s/%d", addr, j))
		}
	}

	var completed int32
	handler := DocumentHandlerFunc(func(e *Engine, resp *web.Response) {
		atomic.AddInt32(&completed, 1)
	})

	e := New(
		WithMaxWorker(maxWorker),
		WithWorkerDomain(workerDomain),
		WithFetchTimeout(2*time.Second),
		WithReportInterval(time.Hour),
		WithDocumentHandler(handler),
	)

	if ok := e.Start(seeds...); !ok {
		t.Fatal("Start returned false, expected a crawl to run")
	}

	if got := atomic.LoadInt32(&completed); got != hostCount*urlsPerHost {
		t.Fatalf("expected %d completed fetches, got %d", hostCount*urlsPerHost, got)
	}
	if hw := global.highWater(); hw > maxWorker {
		t.Errorf("P2 violated: observed %d concurrent fetches, MAX_WORKER is %d", hw, maxWorker)
	}
	for i, tracker := range perHost {
		if hw := tracker.highWater(); hw > workerDomain {
			t.Errorf("P3 violated for host %d: observed %d concurrent fetches, WORKER_DOMAIN is %d", i, hw, workerDomain)
		}
	}
}

// TestEngineSurvivesOneHostConnectRefused is S4: one host always
// connect-refuses while the others complete normally; Start still returns
// true and every reachable host's URLs are counted as completed.
func TestEngineSurvivesOneHostConnectRefused(t *testing.T) {
	global := &concurrencyTracker{}
	okPerHost1, okPerHost2 := &concurrencyTracker{}, &concurrencyTracker{}
	okAddr1 := startTrackingServer(t, "127.0.0.20", global, okPerHost1)
	okAddr2 := startTrackingServer(t, "127.0.0.21", global, okPerHost2)

	var completed int32
	handler := DocumentHandlerFunc(func(e *Engine, resp *web.Response) {
		atomic.AddInt32(&completed, 1)
	})

	e := New(
		WithMaxWorker(4),
		WithWorkerDomain(2),
		WithFetchTimeout(300*time.Millisecond),
		WithReportInterval(time.Hour),
		WithDocumentHandler(handler),
	)

	// 127.0.0.22:1 has no listener bound at all, so every connection to it
	// is refused immediately.
	seeds := []string{
		"http://" + okAddr1 + "/a",
		"http://" + okAddr1 + "/b",
		"http://127.0.0.22:1/x",
		"http://127.0.0.22:1/y",
		"http://" + okAddr2 + "/c",
	}

	if ok := e.Start(seeds...); !ok {
		t.Fatal("Start returned false, expected the reachable hosts to still complete")
	}
	if got := atomic.LoadInt32(&completed); got != 3 {
		t.Errorf("expected 3 completed fetches from the reachable hosts, got %d", got)
	}
}
