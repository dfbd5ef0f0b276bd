package eventbus_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/eventbus/internal/eventbus"
	"github.com/baechuer/eventbus/internal/eventbus/dispatch"
	"github.com/baechuer/eventbus/internal/eventbus/metrics"
)

const testClassName = "test.SampleEvent"

type sampleEvent struct {
	V   int   `json:"v"`
	Sk1 int64 `json:"sk1"`
	Sk2 int64 `json:"sk2"`
}

func (e sampleEvent) ClassName() string { return testClassName }
func (e sampleEvent) SearchKeys() (*int64, int64) {
	return &e.Sk1, e.Sk2
}

func newCodec() *eventbus.Codec {
	c := eventbus.NewCodec()
	c.Register(testClassName, func(payload []byte) (eventbus.Event, error) {
		var e sampleEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	})
	return c
}

func testConfig(tableName string) eventbus.Config {
	return eventbus.Config{
		TableName:         tableName,
		NbThreads:         2,
		PollInterval:      10 * time.Millisecond,
		ClaimBatchSize:    10,
		ClaimLease:        time.Second,
		MaxFailureRetries: 5,
		InstanceName:      "test-instance",
	}
}

func noopLog() zerolog.Logger {
	return zerolog.Nop()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// recordingHandler captures each ClassName-matching event it is handed, with
// an injectable behavior so tests can make it fail N times before succeeding.
type recordingHandler struct {
	mu        sync.Mutex
	calls     []sampleEvent
	failUntil int // fail on the first failUntil invocations, succeed after
}

func (h *recordingHandler) HandledTypes() []string { return []string{testClassName} }

func (h *recordingHandler) Handle(ctx context.Context, event dispatch.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	se := event.(sampleEvent)
	h.calls = append(h.calls, se)
	if len(h.calls) <= h.failUntil {
		return fmt.Errorf("injected failure %d", len(h.calls))
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Scenario 1: Simple — a registered handler observes a published event
// exactly once and the live table drains.
func TestBus_Simple(t *testing.T) {
	dao := newFakeDAO()
	codec := newCodec()
	bus := eventbus.New(testConfig("bus_events"), dao, codec, eventbus.RealClock, metrics.NoopSink{}, noopLog())

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	h := &recordingHandler{}
	bus.Register(h)

	bus.Post(context.Background(), sampleEvent{V: 1, Sk2: 7})

	waitFor(t, time.Second, func() bool { return h.count() == 1 })
	assert.Equal(t, 1, h.calls[0].V)

	waitFor(t, time.Second, func() bool { return dao.liveCount() == 0 })

	history := dao.historySnapshot()
	require.Len(t, history, 1)
	assert.Equal(t, eventbus.StateProcessed, history[0].ProcessingState)
}

// Scenario 2: Retry success — a handler that fails twice and succeeds on
// the third attempt ends PROCESSED with errorCount=2.
func TestBus_RetrySuccess(t *testing.T) {
	dao := newFakeDAO()
	codec := newCodec()
	cfg := testConfig("bus_events")
	cfg.MaxFailureRetries = 5
	bus := eventbus.New(cfg, dao, codec, eventbus.RealClock, metrics.NoopSink{}, noopLog())

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	h := &recordingHandler{failUntil: 2}
	bus.Register(h)

	bus.Post(context.Background(), sampleEvent{V: 1, Sk2: 1})

	// Each retry waits out computeBackoff's 5s (+/-10%) floor.
	waitFor(t, 15*time.Second, func() bool { return len(dao.historySnapshot()) == 1 })
	assert.Equal(t, 3, h.count())

	history := dao.historySnapshot()
	require.Len(t, history, 1)
	assert.Equal(t, eventbus.StateProcessed, history[0].ProcessingState)
	assert.Equal(t, 2, history[0].ErrorCount)

	inProcessing, err := bus.GetInProcessing(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inProcessing)
}

// Scenario 3: Retry exhaustion — a handler that always fails ends FAILED
// with errorCount = maxFailureRetries+1, and the live table is empty.
func TestBus_RetryExhaustion(t *testing.T) {
	dao := newFakeDAO()
	codec := newCodec()
	cfg := testConfig("bus_events")
	cfg.MaxFailureRetries = 2
	bus := eventbus.New(cfg, dao, codec, eventbus.RealClock, metrics.NoopSink{}, noopLog())

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	h := &recordingHandler{failUntil: 1 << 30}
	bus.Register(h)

	bus.Post(context.Background(), sampleEvent{V: 1, Sk2: 1})

	// Each retry waits out computeBackoff's 5s (+/-10%) floor.
	waitFor(t, 15*time.Second, func() bool { return len(dao.historySnapshot()) == 1 })
	assert.Equal(t, 3, h.count())

	history := dao.historySnapshot()
	require.Len(t, history, 1)
	assert.Equal(t, eventbus.StateFailed, history[0].ProcessingState)
	assert.Equal(t, 3, history[0].ErrorCount)
	assert.Equal(t, 0, dao.liveCount())
}

// Decode failure is accounted exactly like a dispatch failure: a row whose
// class name resolves to a decoder that always errors retries up to
// MaxFailureRetries before being parked FAILED, instead of failing on the
// very first attempt.
func TestBus_DecodeFailureRetries(t *testing.T) {
	dao := newFakeDAO()
	codec := newCodec()
	codec.Register(badDecodeClassName, func(payload []byte) (eventbus.Event, error) {
		return nil, fmt.Errorf("decoder always fails")
	})
	cfg := testConfig("bus_events")
	cfg.MaxFailureRetries = 2
	bus := eventbus.New(cfg, dao, codec, eventbus.RealClock, metrics.NoopSink{}, noopLog())

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	bus.Post(context.Background(), badDecodeEvent{V: 1})

	// Each retry waits out computeBackoff's 5s (+/-10%) floor.
	waitFor(t, 15*time.Second, func() bool { return len(dao.historySnapshot()) == 1 })

	history := dao.historySnapshot()
	require.Len(t, history, 1)
	assert.Equal(t, eventbus.StateFailed, history[0].ProcessingState)
	assert.Equal(t, 3, history[0].ErrorCount)
	assert.Equal(t, 0, dao.liveCount())
}

const badDecodeClassName = "test.BadDecode"

type badDecodeEvent struct {
	V int `json:"v"`
}

func (e badDecodeEvent) ClassName() string { return badDecodeClassName }

// Scenario 4: Transactional publish — commit delivers exactly once;
// rollback delivers never and leaves no trace in either table.
func TestBus_TransactionalPublish(t *testing.T) {
	dao := newFakeDAO()
	codec := newCodec()
	bus := eventbus.New(testConfig("bus_events"), dao, codec, eventbus.RealClock, metrics.NoopSink{}, noopLog())

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	h := &recordingHandler{}
	bus.Register(h)

	t.Run("commit", func(t *testing.T) {
		tx := newFakeTx()
		require.NoError(t, bus.PostFromTransaction(context.Background(), tx, sampleEvent{V: 42, Sk2: 1}))
		tx.Commit()

		waitFor(t, time.Second, func() bool { return h.count() == 1 })
		assert.Equal(t, 42, h.calls[0].V)
		waitFor(t, time.Second, func() bool { return len(dao.historySnapshot()) == 1 })
	})

	t.Run("rollback", func(t *testing.T) {
		tx := newFakeTx()
		require.NoError(t, bus.PostFromTransaction(context.Background(), tx, sampleEvent{V: 99, Sk2: 2}))
		tx.Rollback()

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, h.count(), "rollback must never deliver the event")
		assert.Equal(t, 0, dao.liveCount())
		assert.Len(t, dao.historySnapshot(), 1, "rollback must not add a second history row")
	})
}

// Scenario 6: Unregistered handler — a handler unregistered before publish
// never observes the event, which still reaches PROCESSED.
func TestBus_UnregisteredHandlerNeverInvoked(t *testing.T) {
	dao := newFakeDAO()
	codec := newCodec()
	bus := eventbus.New(testConfig("bus_events"), dao, codec, eventbus.RealClock, metrics.NoopSink{}, noopLog())

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	h := &recordingHandler{}
	id := bus.Register(h)
	bus.Unregister(id)

	bus.Post(context.Background(), sampleEvent{V: 1, Sk2: 1})

	waitFor(t, time.Second, func() bool { return len(dao.historySnapshot()) == 1 })
	assert.Equal(t, 0, h.count())
	assert.Equal(t, eventbus.StateProcessed, dao.historySnapshot()[0].ProcessingState)
}

// Scenario 5: Concurrent workers — every published event is delivered
// exactly once and no two deliveries for the same recordId overlap.
func TestBus_ConcurrentWorkersNoOverlap(t *testing.T) {
	dao := newFakeDAO()
	codec := newCodec()
	cfg := testConfig("bus_events")
	cfg.NbThreads = 4
	cfg.ClaimBatchSize = 25
	bus := eventbus.New(cfg, dao, codec, eventbus.RealClock, metrics.NoopSink{}, noopLog())

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	const total = 200
	var delivered int64
	var overlapDetected int32
	inFlight := sync.Map{}

	h := overlapDetectingHandler{
		onHandle: func(recordHint int) {
			if _, loaded := inFlight.LoadOrStore(recordHint, true); loaded {
				atomic.StoreInt32(&overlapDetected, 1)
			}
			time.Sleep(time.Millisecond)
			inFlight.Delete(recordHint)
			atomic.AddInt64(&delivered, 1)
		},
	}
	bus.Register(h)

	for i := 0; i < total; i++ {
		bus.Post(context.Background(), sampleEvent{V: i, Sk2: int64(i)})
	}

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&delivered) == total })
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlapDetected))
	assert.Equal(t, 0, dao.liveCount())
}

type overlapDetectingHandler struct {
	onHandle func(recordHint int)
}

func (h overlapDetectingHandler) HandledTypes() []string { return []string{testClassName} }

func (h overlapDetectingHandler) Handle(ctx context.Context, event dispatch.Event) error {
	se := event.(sampleEvent)
	h.onHandle(se.V)
	return nil
}

// decode(encode(e)) round-trips to a bytewise-identical payload.
func TestCodec_RoundTrip(t *testing.T) {
	codec := newCodec()
	original := sampleEvent{V: 7, Sk1: 1, Sk2: 2}

	className, payload, err := codec.Encode(original)
	require.NoError(t, err)
	assert.Equal(t, testClassName, className)

	decoded, err := codec.Decode(className, payload)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	_, rePayload, err := codec.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, payload, rePayload)
}
