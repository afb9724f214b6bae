package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// handlerState mirrors the created/prepared/stopping lifecycle of §4.E.
type handlerState int

const (
	stateCreated handlerState = iota
	statePrepared
	stateStopping
)

// ErrNotRunning is returned by SubjectHandler.Save when Prepare has not
// been called yet, or Stop has already been called.
var ErrNotRunning = errors.New("pipeline: subject handler is not running")

// subjectQueueCapacity bounds each per-subject handler's own queue,
// independent of the pipeline-level data queue it is fed from.
const subjectQueueCapacity = 4096

// SubjectHandler owns one subject's bounded queue and worker pool, per
// §4.E's per-subject sink handler lifecycle. Grounded in
// ElasticSearchDateHandler.py's prepare_run/save/data_thread/stop_run.
type SubjectHandler struct {
	sink           Sink
	numWorkers     int
	requestTimeout time.Duration
	logger         *zap.Logger

	mu    sync.Mutex
	state handlerState
	queue chan map[string]any
}

// NewSubjectHandler constructs a handler in the "created" state; call
// Prepare before Save.
func NewSubjectHandler(sink Sink, numWorkers int, requestTimeout time.Duration, logger *zap.Logger) *SubjectHandler {
	if numWorkers <= 0 {
		numWorkers = 2
	}
	return &SubjectHandler{
		sink:           sink,
		numWorkers:     numWorkers,
		requestTimeout: requestTimeout,
		logger:         logger,
		queue:          make(chan map[string]any, subjectQueueCapacity),
	}
}

// Prepare pings the sink and starts the worker pool. Idempotent.
func (h *SubjectHandler) Prepare(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == statePrepared {
		return
	}

	if err := h.sink.Ping(ctx); err != nil {
		h.logger.Warn("sink ping failed during prepare, continuing anyway", zap.Error(err))
	}

	h.state = statePrepared
	for i := 0; i < h.numWorkers; i++ {
		go h.worker()
	}
}

// Save enqueues a deep-enough copy of event. Fails with ErrNotRunning if
// Prepare has not completed or Stop has been called. A full queue is
// reported to the caller so the pipeline's drop counter can be incremented
// — event loss is preferred over blocking, per §4.E's backpressure policy.
func (h *SubjectHandler) Save(event map[string]any) error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	if state != statePrepared {
		return ErrNotRunning
	}

	select {
	case h.queue <- cloneEvent(event):
		return nil
	default:
		return errFullQueue
	}
}

var errFullQueue = errors.New("pipeline: subject queue full")

// Stop is non-blocking: it marks the handler stopping and enqueues one
// sentinel per worker so each drains and exits once the queue empties. It
// does not wait for workers to finish, matching the original's
// "DON'T block the GUI thread waiting for workers" comment.
func (h *SubjectHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != statePrepared {
		return
	}
	h.state = stateStopping

	for i := 0; i < h.numWorkers; i++ {
		select {
		case h.queue <- nil:
		default:
			// Queue full of real work: hand the sentinel to a goroutine that
			// enqueues it once the workers free a slot, so Stop stays
			// non-blocking and every worker still sees one sentinel. Save()
			// now rejects new work (state != statePrepared).
			go func() { h.queue <- nil }()
		}
	}
}

// worker dequeues events, converts their timestamp to a localized time, and
// writes them to the sink with a short per-write timeout. A nil event is the
// stop sentinel. Write errors are logged and never retried, per §4.E.
func (h *SubjectHandler) worker() {
	for event := range h.queue {
		if event == nil {
			return
		}
		h.writeOne(event)
	}
}

func (h *SubjectHandler) writeOne(event map[string]any) {
	localizeTimestamp(event)

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()

	if err := h.sink.Index(ctx, event); err != nil {
		h.logger.Warn("sink write failed, dropping event", zap.Error(err))
	}
}

// localizeTimestamp converts event["timestamp"] from seconds-since-epoch
// UTC (as produced by a pilot) into a time.Time in the local zone, in
// place, matching ElasticSearchDateHandler.py's UTC->local conversion.
func localizeTimestamp(event map[string]any) {
	raw, ok := event["timestamp"]
	if !ok {
		return
	}
	secs, ok := toFloat(raw)
	if !ok {
		return
	}
	event["timestamp"] = time.Unix(int64(secs), 0).UTC().Local()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// cloneEvent returns a shallow copy of event's top-level keys, standing in
// for the original's copy.deepcopy — sufficient here because event values
// are JSON-decoded scalars/maps/slices that are never mutated after enqueue.
func cloneEvent(event map[string]any) map[string]any {
	cp := make(map[string]any, len(event))
	for k, v := range event {
		cp[k] = v
	}
	return cp
}
