package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu   sync.Mutex
	docs []map[string]any
	fail bool
}

func (f *fakeSink) Ping(context.Context) error { return nil }

func (f *fakeSink) Index(_ context.Context, doc map[string]any) error {
	if f.fail {
		return assertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

var assertErr = &sinkError{}

type sinkError struct{}

func (*sinkError) Error() string { return "sink failure" }

func TestPipelineRoutesEventsBySubject(t *testing.T) {
	sink := &fakeSink{}
	var trialEvents []TrialEvent
	var mu sync.Mutex

	p := New(Config{QueueCapacity: 100, DataWorkers: 2, SinkRequestTimeout: time.Second}, sink, func(e TrialEvent) {
		mu.Lock()
		trialEvents = append(trialEvents, e)
		mu.Unlock()
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	p.Start(ctx)

	require.True(t, p.EnqueueData(map[string]any{"subject": "s1", "timestamp": float64(1700000000)}))
	require.True(t, p.EnqueueTrial(TrialEvent{Subject: "s1"}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trialEvents) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEnqueueDataDropsOnFullQueue(t *testing.T) {
	sink := &fakeSink{}
	p := New(Config{QueueCapacity: 1, DataWorkers: 0}, sink, func(TrialEvent) {}, zap.NewNop())

	require.True(t, p.EnqueueData(map[string]any{"subject": "s1"}))
	require.False(t, p.EnqueueData(map[string]any{"subject": "s2"}))
	assert.Equal(t, int64(1), p.DataDropped())
}

func TestSubjectHandlerSaveFailsBeforePrepare(t *testing.T) {
	h := NewSubjectHandler(&fakeSink{}, 1, time.Second, zap.NewNop())
	err := h.Save(map[string]any{"subject": "s1"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSubjectHandlerLocalizesTimestamp(t *testing.T) {
	event := map[string]any{"timestamp": float64(1700000000)}
	localizeTimestamp(event)
	_, ok := event["timestamp"].(time.Time)
	assert.True(t, ok)
}
