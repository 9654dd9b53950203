package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MikeSquared-Agency/intake/internal/extractor"
	"github.com/MikeSquared-Agency/intake/internal/patch"
	"github.com/MikeSquared-Agency/intake/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memTarget struct {
	mu       sync.Mutex
	schema   *schema.Schema
	records  map[string]schema.Record
	closed   map[string]bool
	failures map[string]int
	commits  int
}

func newMemTarget(s *schema.Schema) *memTarget {
	return &memTarget{
		schema:   s,
		records:  map[string]schema.Record{},
		closed:   map[string]bool{},
		failures: map[string]int{},
	}
}

func (m *memTarget) Snapshot(id string) (schema.Record, *time.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed[id] {
		return schema.Record{}, nil, errors.New("closed")
	}
	r, ok := m.records[id]
	if !ok {
		r = m.schema.NewRecord()
	}
	return r, time.UTC, nil
}

func (m *memTarget) Commit(id string, r schema.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed[id] {
		return errors.New("closed")
	}
	m.records[id] = r
	m.commits++
	return nil
}

func (m *memTarget) ExtractionSucceeded(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = 0
}

func (m *memTarget) ExtractionFailed(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
}

func (m *memTarget) record(id string) schema.Record {
	r, _, _ := m.Snapshot(id)
	return r
}

func (m *memTarget) failureCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[id]
}

// funcExtractor adapts a function to Extractor.
type funcExtractor func(ctx context.Context, req extractor.Request) ([]patch.Op, error)

func (f funcExtractor) Extract(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
	return f(ctx, req)
}

// start runs the dispatcher; the returned func stops it and waits.
func start(w *Worker) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestWorker_AppliesExtractedOps(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := schema.Default()
	target := newMemTarget(s)
	ext := funcExtractor(func(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
		assert.Equal(t, []string{"My name is Jane Doe, phone 555-0100."}, req.Turns)
		assert.Equal(t, time.UTC, req.Location)
		return []patch.Op{
			patch.Set("claimant.name", "Jane Doe"),
			patch.Set("claimant.phone", "555-0100"),
		}, nil
	})
	w := New(ext, patch.NewMerger(s), target, Config{}, discardLogger())
	stop := start(w)
	defer stop()

	w.Enqueue("s1", "My name is Jane Doe, phone 555-0100.")

	require.Eventually(t, func() bool {
		return target.record("s1").Has(schema.Path{"claimant", "phone"})
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Jane Doe", target.record("s1").Text(schema.Path{"claimant", "name"}))

	missing := s.MissingFields(target.record("s1"))
	assert.NotEmpty(t, missing)
	assert.Equal(t, "claimant.policy_number", missing[0].Path.String())
}

func TestWorker_CoalescesKeepingLastN(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := schema.Default()
	target := newMemTarget(s)
	var got [][]string
	var mu sync.Mutex
	ext := funcExtractor(func(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
		mu.Lock()
		got = append(got, req.Turns)
		mu.Unlock()
		return nil, nil
	})
	w := New(ext, patch.NewMerger(s), target, Config{MaxTurns: 2}, discardLogger())

	// Queue before the dispatcher runs so all three land in one batch.
	w.Enqueue("s1", "one")
	w.Enqueue("s1", "two")
	w.Enqueue("s1", "three")
	assert.Equal(t, 2, w.Depth("s1"))

	stop := start(w)
	defer stop()
	require.Eventually(t, func() bool { return !w.Busy("s1") }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{"two", "three"}}, got)
}

func TestWorker_AtMostOneExtractionPerSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := schema.Default()
	target := newMemTarget(s)

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		mu      sync.Mutex
		seen    []string
	)
	ext := funcExtractor(func(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen = append(seen, req.Turns...)
		mu.Unlock()
		return nil, nil
	})
	w := New(ext, patch.NewMerger(s), target, Config{Workers: 8, MaxTurns: 1000}, discardLogger())
	stop := start(w)
	defer stop()

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				w.Enqueue("s1", strings.Repeat("x", p+1)+string(rune('a'+i%26)))
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return !w.Busy("s1") }, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, maxSeen.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, producers*perProducer, "queued text is neither lost nor duplicated")
}

func TestWorker_SessionsRunConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := schema.Default()
	target := newMemTarget(s)
	release := make(chan struct{})
	var active atomic.Int32
	ext := funcExtractor(func(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
		active.Add(1)
		defer active.Add(-1)
		<-release
		return nil, nil
	})
	w := New(ext, patch.NewMerger(s), target, Config{Workers: 2}, discardLogger())
	stop := start(w)
	defer stop()

	w.Enqueue("a", "hi")
	w.Enqueue("b", "hi")
	w.Enqueue("c", "hi")

	require.Eventually(t, func() bool { return active.Load() == 2 }, time.Second, 5*time.Millisecond)
	// Pool is saturated: the third session waits.
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, active.Load())

	close(release)
	require.Eventually(t, func() bool { return !w.Busy("c") }, time.Second, 5*time.Millisecond)
}

func TestWorker_FailureLeavesRecordUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := schema.Default()
	target := newMemTarget(s)
	before, _ := s.NewRecord().Set(schema.Path{"claimant", "name"}, "Jane Doe")
	target.records["s1"] = before

	ext := funcExtractor(func(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := New(ext, patch.NewMerger(s), target, Config{Timeout: 10 * time.Millisecond}, discardLogger())
	stop := start(w)
	defer stop()

	for i := 1; i <= 3; i++ {
		w.Enqueue("s1", "it was yesterday")
		require.Eventually(t, func() bool { return target.failureCount("s1") == i }, time.Second, 5*time.Millisecond)
	}
	assert.True(t, before.Equal(target.record("s1")))
}

func TestWorker_UnknownPathRejectedAndCounted(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := schema.Default()
	target := newMemTarget(s)
	ext := funcExtractor(func(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
		return []patch.Op{patch.Set("claimant.name", "Jane"), patch.Set("claimant.star_sign", "Leo")}, nil
	})
	w := New(ext, patch.NewMerger(s), target, Config{}, discardLogger())
	stop := start(w)
	defer stop()

	w.Enqueue("s1", "I'm Jane, a Leo")
	require.Eventually(t, func() bool { return target.failureCount("s1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, target.record("s1").Len())
}

func TestWorker_CancelDiscardsAndStopsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := schema.Default()
	target := newMemTarget(s)
	entered := make(chan struct{})
	var calls atomic.Int32
	ext := funcExtractor(func(ctx context.Context, req extractor.Request) ([]patch.Op, error) {
		calls.Add(1)
		close(entered)
		<-ctx.Done()
		return []patch.Op{patch.Set("claimant.name", "Late")}, ctx.Err()
	})
	w := New(ext, patch.NewMerger(s), target, Config{}, discardLogger())
	stop := start(w)
	defer stop()

	w.Enqueue("s1", "first")
	<-entered
	w.Enqueue("s1", "second")
	assert.Equal(t, 1, w.Depth("s1"))

	w.Cancel("s1")
	assert.Equal(t, 0, w.Depth("s1"))
	require.Eventually(t, func() bool { return !w.Busy("s1") }, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 0, target.record("s1").Len())
	assert.Equal(t, 0, target.failureCount("s1"), "cancellation is not a failure")
}
