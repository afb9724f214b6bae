// Package pipeline implements the Data Pipeline (§4.E): two bounded
// FIFO queues draining into per-subject sink handlers and a single trial
// worker, with backpressure that drops rather than blocks.
//
// Grounded in orchestrator_station.py's data_queue/trial_queue and
// _data_worker/_trial_worker methods, re-expressed as buffered channels and
// goroutines instead of Python's queue.Queue + daemon threads.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config configures queue capacity and worker counts, per §6.
type Config struct {
	QueueCapacity      int
	DataWorkers        int
	SinkRequestTimeout time.Duration
}

// TrialEvent is the payload of an INC_TRIAL_COUNTER envelope.
type TrialEvent struct {
	Subject string
}

// Pipeline owns the data/trial queues and the per-subject handler registry.
type Pipeline struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	dataQueue  chan map[string]any
	trialQueue chan TrialEvent

	handlersMu sync.Mutex
	handlers   map[string]*SubjectHandler

	onTrial func(TrialEvent)

	dataDropped  atomic.Int64
	trialDropped atomic.Int64
}

// New constructs a Pipeline. onTrial is invoked by the single trial worker
// for every INC_TRIAL_COUNTER event — wired by the supervisor to the Run
// Controller's OnIncTrial so this package never imports internal/control.
func New(cfg Config, sink Sink, onTrial func(TrialEvent), logger *zap.Logger) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 50_000
	}
	if cfg.DataWorkers <= 0 {
		cfg.DataWorkers = 4
	}
	if cfg.SinkRequestTimeout <= 0 {
		cfg.SinkRequestTimeout = 2 * time.Second
	}
	return &Pipeline{
		cfg:        cfg,
		sink:       sink,
		logger:     logger.Named("pipeline"),
		dataQueue:  make(chan map[string]any, cfg.QueueCapacity),
		trialQueue: make(chan TrialEvent, cfg.QueueCapacity),
		handlers:   make(map[string]*SubjectHandler),
		onTrial:    onTrial,
	}
}

// Start launches the configured number of data workers and the single trial
// worker. Call once; not idempotent.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.DataWorkers; i++ {
		go p.dataWorker(ctx)
	}
	go p.trialWorker(ctx)
}

// EnqueueData enqueues an event keyed by its "subject" field for later
// routing to that subject's sink handler. Returns false immediately — never
// blocks — if the queue is full, incrementing the drop counter, per §4.E's
// backpressure policy (event loss preferred over blocking the transport
// loop).
func (p *Pipeline) EnqueueData(event map[string]any) bool {
	select {
	case p.dataQueue <- event:
		return true
	default:
		p.dataDropped.Add(1)
		p.logger.Warn("data queue full, dropping message")
		return false
	}
}

// EnqueueTrial enqueues a trial-increment event. Same non-blocking
// semantics as EnqueueData.
func (p *Pipeline) EnqueueTrial(event TrialEvent) bool {
	select {
	case p.trialQueue <- event:
		return true
	default:
		p.trialDropped.Add(1)
		p.logger.Warn("trial queue full, dropping event")
		return false
	}
}

// DataDropped and TrialDropped expose the drop counters for metrics.
func (p *Pipeline) DataDropped() int64  { return p.dataDropped.Load() }
func (p *Pipeline) TrialDropped() int64 { return p.trialDropped.Load() }

// DataQueueDepth and TrialQueueDepth expose current queue occupancy for
// metrics.
func (p *Pipeline) DataQueueDepth() int  { return len(p.dataQueue) }
func (p *Pipeline) TrialQueueDepth() int { return len(p.trialQueue) }

func (p *Pipeline) dataWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.dataQueue:
			p.handleData(ctx, event)
		}
	}
}

func (p *Pipeline) handleData(ctx context.Context, event map[string]any) {
	subject, _ := event["subject"].(string)
	if subject == "" {
		return
	}

	handler := p.handlerFor(ctx, subject)
	if err := handler.Save(event); err != nil {
		if err == errFullQueue {
			p.dataDropped.Add(1)
		}
		p.logger.Warn("subject handler rejected event", zap.String("subject", subject), zap.Error(err))
	}
}

// handlerFor returns the subject's handler, lazily creating and preparing
// one on first reference, per §4.E.
func (p *Pipeline) handlerFor(ctx context.Context, subject string) *SubjectHandler {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	h, ok := p.handlers[subject]
	if ok {
		return h
	}

	h = NewSubjectHandler(p.sink, 2, p.cfg.SinkRequestTimeout, p.logger)
	h.Prepare(ctx)
	p.handlers[subject] = h
	return h
}

func (p *Pipeline) trialWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.trialQueue:
			p.onTrial(event)
		}
	}
}

// Stop stops every per-subject handler. Non-blocking, per §4.E.
func (p *Pipeline) Stop() {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	for _, h := range p.handlers {
		h.Stop()
	}
}
