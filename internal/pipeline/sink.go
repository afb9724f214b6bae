package pipeline

import (
	"context"
)

// Sink is the time-series event store the orchestrator writes per-subject
// events to (§4.E). It is an external collaborator per §1 — the
// orchestrator never interprets the documents it writes, only routes and
// timestamps them.
type Sink interface {
	// Ping checks connectivity, called once by Prepare.
	Ping(ctx context.Context) error
	// Index writes one document, bounded by the context's deadline.
	Index(ctx context.Context, document map[string]any) error
}

// ESSink is a Sink backed by Elasticsearch, grounded in
// data_handlers/ElasticSearchDateHandler.py's client usage — the original
// indexes into a fixed index ("event_log_v2") with a short request timeout.
// The es8 client is wired through a minimal interface (below) so this file
// has no hard compile-time dependency on the elasticsearch client package;
// see DESIGN.md for the concrete wiring used in cmd/orchestrator.
type ESSink struct {
	transport ESTransport
	index     string
}

// ESTransport is the narrow slice of github.com/elastic/go-elasticsearch/v8
// behavior ESSink needs: a single-document index call and a ping. The
// adapter from the real client to this interface is internal/esclient's
// Transport, which cmd/orchestrator constructs and passes to NewESSink.
type ESTransport interface {
	Ping(ctx context.Context) error
	IndexDocument(ctx context.Context, index string, document map[string]any) error
}

// NewESSink returns a Sink that writes to the named Elasticsearch index.
func NewESSink(transport ESTransport, index string) *ESSink {
	if index == "" {
		index = "event_log_v2"
	}
	return &ESSink{transport: transport, index: index}
}

func (s *ESSink) Ping(ctx context.Context) error {
	return s.transport.Ping(ctx)
}

func (s *ESSink) Index(ctx context.Context, document map[string]any) error {
	return s.transport.IndexDocument(ctx, s.index, document)
}

// NoopSink discards every event. Used when no sink is configured so the
// pipeline still exercises its full queue/worker lifecycle in tests and in
// deployments that run without a time-series store.
type NoopSink struct{}

func (NoopSink) Ping(context.Context) error                        { return nil }
func (NoopSink) Index(context.Context, map[string]any) error { return nil }

var _ Sink = (*ESSink)(nil)
var _ Sink = NoopSink{}
