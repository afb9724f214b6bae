package metrics

import (
	"context"
	"time"
)

// Source is the narrow slice of gateway/pipeline state the sampler polls.
// Supervisor wires the real Gateway/Pipeline instances to this interface,
// keeping this package free of a dependency on either.
type Source interface {
	ConnectedCount() int
	OutboxSize() int
	DataQueueDepth() int
	TrialQueueDepth() int
	DataDropped() int64
	TrialDropped() int64
}

// Sampler periodically copies Source's counters into m's gauges.
type Sampler struct {
	metrics  *Metrics
	source   Source
	interval time.Duration
}

// NewSampler constructs a Sampler; interval <= 0 defaults to 5s.
func NewSampler(m *Metrics, source Source, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{metrics: m, source: source, interval: interval}
}

// Run blocks, sampling on s.interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	s.metrics.ConnectedPilots.Set(float64(s.source.ConnectedCount()))
	s.metrics.OutboxSize.Set(float64(s.source.OutboxSize()))
	s.metrics.DataQueueDepth.Set(float64(s.source.DataQueueDepth()))
	s.metrics.TrialQueueDepth.Set(float64(s.source.TrialQueueDepth()))
	s.metrics.DataDropped.Set(float64(s.source.DataDropped()))
	s.metrics.TrialDropped.Set(float64(s.source.TrialDropped()))
}
