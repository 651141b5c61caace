// Package crawler containing the crawling logics and utilities to scrape
// remote resources on the web
package crawler

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/codepr/spider/crawler/env"
	"github.com/codepr/spider/web"
)

const (
	// defaultMaxWorker is the total number of concurrent fetches allowed
	// across every host.
	defaultMaxWorker int = 20
	// defaultWorkerDomain is the number of concurrent fetches allowed
	// against a single host.
	defaultWorkerDomain int = 5
	// defaultFetchTimeout bounds how long a single fetch may take before
	// the connection is abandoned.
	defaultFetchTimeout time.Duration = 10 * time.Second
	// defaultUserAgent is sent on every request absent an override.
	defaultUserAgent string = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

// ParsedResult contains the URL crawled and the links found on it,
// json-serializable so it can be forwarded on a message queue untouched.
type ParsedResult struct {
	URL   string   `json:"url"`
	Links []string `json:"links"`
}

// DocumentHandler reacts to a freshly fetched, decoded document. It is the
// engine's only extension point: implementations typically extract further
// links and feed them back through Engine.AddTask, or forward the document
// to a messaging.Producer.
type DocumentHandler interface {
	HandleDocument(e *Engine, resp *web.Response)
}

// DocumentHandlerFunc adapts a plain function to the DocumentHandler
// interface.
type DocumentHandlerFunc func(e *Engine, resp *web.Response)

// HandleDocument calls f.
func (f DocumentHandlerFunc) HandleDocument(e *Engine, resp *web.Response) {
	f(e, resp)
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxWorker bounds the total number of concurrent fetches.
func WithMaxWorker(n int) Option {
	return func(e *Engine) { e.maxWorker = n }
}

// WithWorkerDomain bounds the number of concurrent fetches against a single
// host.
func WithWorkerDomain(n int) Option {
	return func(e *Engine) { e.workerDomain = n }
}

// WithAllowList restricts crawling to hosts containing one of the given
// substrings. An empty list (the default) allows every host.
func WithAllowList(domains ...string) Option {
	return func(e *Engine) { e.allowList = domains }
}

// WithUserAgent sets a fixed User-Agent string sent on every request.
func WithUserAgent(ua string) Option {
	return func(e *Engine) { e.userAgent = func() string { return ua } }
}

// WithUserAgentSource installs a supplier invoked once per request, letting
// callers rotate user agents across a pool.
func WithUserAgentSource(source func() string) Option {
	return func(e *Engine) { e.userAgent = source }
}

// WithDocumentHandler installs the handler invoked after every successful
// fetch.
func WithDocumentHandler(h DocumentHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithFetchTimeout bounds how long a single fetch may run before the
// connection is abandoned.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fetchTimeout = d }
}

// WithReportInterval sets how often the status reporter logs progress.
func WithReportInterval(d time.Duration) Option {
	return func(e *Engine) { e.reportInterval = d }
}

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the engine's time source, letting tests substitute a
// clock.Mock for deterministic status-reporter behavior.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine is the crawling engine: a global worker gate, a per-host worker
// gate and FIFO queue per discovered host, and a termination-detecting
// WaitGroup, all guarded by a single mutex for the bookkeeping maps.
type Engine struct {
	mu sync.Mutex

	logger         *log.Logger
	handler        DocumentHandler
	userAgent      func() string
	clock          clock.Clock
	maxWorker      int
	workerDomain   int
	allowList      []string
	fetchTimeout   time.Duration
	reportInterval time.Duration

	fetcher *fetcher
	seen    *memoryCache

	queues     map[string]*urlQueue
	hostGates  map[string]gate
	globalGate gate

	pending   sync.WaitGroup
	started   chan struct{}
	startOnce sync.Once

	completed int64
	baseTime  time.Time
}

// New creates an Engine ready to crawl, applying any Option overrides on
// top of the defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:         log.New(os.Stderr, "spider: ", log.LstdFlags),
		userAgent:      func() string { return defaultUserAgent },
		clock:          clock.New(),
		maxWorker:      defaultMaxWorker,
		workerDomain:   defaultWorkerDomain,
		fetchTimeout:   defaultFetchTimeout,
		reportInterval: defaultReportInterval,
		seen:           newMemoryCache(),
		queues:         make(map[string]*urlQueue),
		hostGates:      make(map[string]gate),
		started:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.globalGate = newGate(e.maxWorker)
	e.fetcher = newFetcher(e.userAgent, e.fetchTimeout, e.logf)
	e.baseTime = e.clock.Now()
	return e
}

// NewFromEnv creates an Engine configured from environment variables,
// falling back to the package defaults for anything unset.
//   MAX_WORKER, WORKER_DOMAIN       - gate capacities
//   ALLOWED_DOMAIN                  - comma-separated allow-list
//   USERAGENT                       - fixed user agent
//   FETCHING_TIMEOUT                - fetch deadline, in milliseconds
//   REPORT_INTERVAL                 - status-report cadence, in milliseconds
func NewFromEnv(opts ...Option) *Engine {
	base := []Option{
		WithMaxWorker(env.GetEnvAsInt("MAX_WORKER", defaultMaxWorker)),
		WithWorkerDomain(env.GetEnvAsInt("WORKER_DOMAIN", defaultWorkerDomain)),
		WithAllowList(env.GetEnvAsStringSlice("ALLOWED_DOMAIN", nil)...),
		WithUserAgent(env.GetEnv("USERAGENT", defaultUserAgent)),
		WithFetchTimeout(env.GetEnvAsDuration("FETCHING_TIMEOUT", defaultFetchTimeout)),
		WithReportInterval(env.GetEnvAsDuration("REPORT_INTERVAL", defaultReportInterval)),
	}
	return New(append(base, opts...)...)
}

// SetDocumentHandler installs the handler invoked after every successful
// fetch. Safe to call before Start.
func (e *Engine) SetDocumentHandler(h DocumentHandler) {
	e.handler = h
}

func (e *Engine) logf(format string, args ...interface{}) {
	e.logger.Printf(format, args...)
}

// checkDomain reports whether host is allowed to be crawled, per the
// engine's allow-list. An empty allow-list permits every host.
func (e *Engine) checkDomain(rawURL string) bool {
	if len(e.allowList) == 0 {
		return true
	}
	host := web.Parse(rawURL).Host()
	for _, domain := range e.allowList {
		if strings.Contains(host, domain) {
			return true
		}
	}
	return false
}

// AddTask admits new URLs for crawling, skipping ones disallowed by the
// allow-list and ones already seen (tracked by MD5 fingerprint). It returns
// the count of URLs actually admitted. The pending-work counter is
// incremented here, at admission time, rather than at fetch-spawn time:
// admission always happens-before the eventual runFetch's own pending.Done,
// so Start's pending.Wait can never observe a false "all done" between a
// URL being queued and its host monitor picking it up.
//
// The seen-check and the queue lookup/creation live under the same e.mu
// critical section: checking seen.Contains and calling seen.Set as two
// separate locked operations would leave a window between them where two
// concurrent AddTask calls for the same new URL both observe Contains==false
// and both admit it, spawning two fetches for one fingerprint. Folding the
// whole admit decision into one critical section makes it atomic.
func (e *Engine) AddTask(urls ...string) int {
	admitted := 0
	for _, raw := range urls {
		if !e.checkDomain(raw) {
			continue
		}
		fp := web.Fingerprint(raw)
		key := string(fp[:])
		host := web.Parse(raw).Host()

		e.mu.Lock()
		if e.seen.Contains("urls", key) {
			e.mu.Unlock()
			continue
		}
		e.seen.Set("urls", key)

		q, ok := e.queues[host]
		if !ok {
			q = newURLQueue()
			e.queues[host] = q
			hg := newGate(e.workerDomain)
			e.hostGates[host] = hg
			go e.hostMonitor(host, q, hg)
		}
		e.mu.Unlock()

		e.pending.Add(1)
		q.push(raw)
		admitted++
	}
	return admitted
}

// Start admits the given seed URLs and blocks until every URL discovered
// transitively has been fetched (or failed). It returns false without
// crawling if none of the seed URLs were admitted.
func (e *Engine) Start(urls ...string) bool {
	if admitted := e.AddTask(urls...); admitted == 0 {
		e.logger.Println("no URLs admitted, nothing to crawl")
		return false
	}

	stop := make(chan struct{})
	go newStatusReporter(e).run(stop)

	<-e.started
	e.pending.Wait()
	close(stop)

	completed := e.completedCount()
	elapsed := e.clock.Now().Sub(e.baseTime)
	rate := 0.0
	if elapsed.Minutes() > 0 {
		rate = float64(completed) / elapsed.Minutes()
	}
	e.logger.Printf("done: %d fetched, %.2f/min, %s elapsed", completed, rate, elapsed)
	return true
}

// invokeHandler calls the installed DocumentHandler, recovering from any
// panic so a single misbehaving handler cannot take down a fetch goroutine.
func (e *Engine) invokeHandler(resp *web.Response) {
	if e.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Println(wrapErr(ErrHandler, resp.URL().String(), fmt.Errorf("%v", r)))
		}
	}()
	e.handler.HandleDocument(e, resp)
}

func (e *Engine) completedCount() int64 {
	return atomic.LoadInt64(&e.completed)
}

func (e *Engine) queuedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, q := range e.queues {
		n += q.len()
	}
	return n
}
