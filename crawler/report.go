package crawler

import (
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

// defaultReportInterval is how often the status reporter logs progress,
// mirroring the original implementation's fixed one-minute cadence.
const defaultReportInterval = 60 * time.Second

// statusReporter periodically logs completed/queued counts and throughput,
// reading its clock through the injected clock.Clock so tests can advance
// time deterministically instead of sleeping in real time.
type statusReporter struct {
	clk      clock.Clock
	logger   *log.Logger
	interval time.Duration
	baseTime time.Time
	engine   *Engine
}

func newStatusReporter(e *Engine) *statusReporter {
	return &statusReporter{
		clk:      e.clock,
		logger:   e.logger,
		interval: e.reportInterval,
		baseTime: e.baseTime,
		engine:   e,
	}
}

// run blocks, logging a status line every interval until stop is closed.
func (s *statusReporter) run(stop <-chan struct{}) {
	ticker := s.clk.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.report()
		case <-stop:
			return
		}
	}
}

func (s *statusReporter) report() {
	completed := s.engine.completedCount()
	queued := s.engine.queuedCount()
	elapsed := s.clk.Now().Sub(s.baseTime).Minutes()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(completed) / elapsed
	}
	s.logger.Printf("completed: %s, queued: %s, rate: %s/min",
		humanize.Comma(int64(completed)), humanize.Comma(int64(queued)), humanize.Ftoa(round2(rate)))
}

func round2(f float64) float64 {
	return float64(int64(f*100)) / 100
}
