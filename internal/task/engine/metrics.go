package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "reminderd/pkg/logx"
)

// Metrics is a point-in-time copy of the executor counters.
type Metrics struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`
	TimedOut  uint64 `json:"timed_out"`

	// AvgExecutionTime is an exponential moving average over successful tasks.
	AvgExecutionTime time.Duration `json:"avg_execution_time"`

	// QueueDepths is refreshed by the collector every MetricsInterval.
	QueueDepths   map[string]int `json:"queue_depths"`
	QueueDepthsAt time.Time      `json:"queue_depths_at"`
	Active        int            `json:"active"`
}

// SuccessRate is the percentage of submitted tasks that succeeded.
func (m Metrics) SuccessRate() float64 {
	if m.Submitted == 0 {
		return 0
	}
	return float64(m.Succeeded) / float64(m.Submitted) * 100
}

type metricsState struct {
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
	timedOut  atomic.Uint64

	mu       sync.Mutex
	ema      float64 // seconds
	seeded   bool
	depths   map[string]int
	depthsAt time.Time
}

func (m *metricsState) record(r Result, factor float64) {
	if !r.Success {
		m.failed.Add(1)
		return
	}
	m.succeeded.Add(1)
	x := r.ExecutionTime.Seconds()
	m.mu.Lock()
	if !m.seeded {
		m.ema = x
		m.seeded = true
	} else {
		m.ema = m.ema*(1-factor) + x*factor
	}
	m.mu.Unlock()
}

func (m *metricsState) setDepths(d map[string]int, at time.Time) {
	m.mu.Lock()
	m.depths = d
	m.depthsAt = at
	m.mu.Unlock()
}

// GetMetrics returns the current counters. Queue depths are as of the last collection.
func (s *Service) GetMetrics() Metrics {
	m := Metrics{
		Submitted: s.m.submitted.Load(),
		Succeeded: s.m.succeeded.Load(),
		Failed:    s.m.failed.Load(),
		Retried:   s.m.retried.Load(),
		Dropped:   s.m.dropped.Load(),
		TimedOut:  s.m.timedOut.Load(),
	}
	s.m.mu.Lock()
	m.AvgExecutionTime = time.Duration(s.m.ema * float64(time.Second))
	m.QueueDepths = make(map[string]int, len(s.m.depths))
	for k, v := range s.m.depths {
		m.QueueDepths[k] = v
	}
	m.QueueDepthsAt = s.m.depthsAt
	s.m.mu.Unlock()

	s.amu.Lock()
	m.Active = len(s.active)
	s.amu.Unlock()
	return m
}

// collectMetrics samples queue depths now and then every interval until stopped.
func (s *Service) collectMetrics(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
	s.m.setDepths(s.queueDepths(), time.Now())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-t.C:
			depths := s.queueDepths()
			s.m.setDepths(depths, now)
			m := s.GetMetrics()
			s.log.Debug("task engine metrics",
				logx.Uint64("submitted", m.Submitted),
				logx.Float64("success_rate", m.SuccessRate()),
				logx.Duration("avg_exec", m.AvgExecutionTime),
				logx.Int("active", m.Active),
				logx.Any("queues", depths),
			)
		}
	}
}
