package processor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/events"
	"github.com/syncbridge/cachebridge/internal/localtree"
	"github.com/syncbridge/cachebridge/internal/model"
	"github.com/syncbridge/cachebridge/internal/queue"
	"github.com/syncbridge/cachebridge/internal/rawstore"
	"github.com/syncbridge/cachebridge/internal/worktree"
)

type fakeWriter struct {
	mu      sync.Mutex
	puts    []string
	posts   []string
	deletes []string
	stats   []string
	failN   int
	failErr error
}

func (w *fakeWriter) Stat(ctx context.Context, path string) (model.NodeInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats = append(w.stats, path)
	return model.NodeInfo{Path: path, LastModifiedAt: time.Now(), CreatedAt: time.Now()}, nil
}

func (w *fakeWriter) Put(ctx context.Context, path string, r io.Reader) error {
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return w.failErr
	}
	w.puts = append(w.puts, path)
	return nil
}

func (w *fakeWriter) Post(ctx context.Context, path string, r io.Reader) error {
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.posts = append(w.posts, path)
	return nil
}

func (w *fakeWriter) Delete(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return w.failErr
	}
	w.deletes = append(w.deletes, path)
	return nil
}

type testHarness struct {
	proc   *Processor
	local  *localtree.LocalTree
	queue  *queue.RequestQueue
	bus    *events.Bus
	writer *fakeWriter
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	raw, err := rawstore.New(t.TempDir())
	require.NoError(t, err)
	wt, err := worktree.New(raw.Root(), ".aem", "session-1")
	require.NoError(t, err)
	local := localtree.New(raw, wt)

	bus := events.NewBus()
	q, err := queue.Open(":memory:", bus)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	writer := &fakeWriter{}
	proc := New(q, local, writer, bus, cfg)
	return &testHarness{proc: proc, local: local, queue: q, bus: bus, writer: writer}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestProcessor_DrainsPutRequest(t *testing.T) {
	h := newTestHarness(t, Config{Frequency: 10 * time.Millisecond, MaxRetries: 3, RetryDelay: time.Second})
	f, err := h.local.CreateFile("/a.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	f.Close()
	require.NoError(t, h.queue.QueueRequest(model.MethodPut, "/", "a.txt", "", ""))

	h.proc.Start(context.Background())
	defer h.proc.Stop()

	waitFor(t, time.Second, func() bool {
		h.writer.mu.Lock()
		defer h.writer.mu.Unlock()
		return len(h.writer.puts) == 1
	})

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestProcessor_SuccessfulPut_RefreshesSidecar(t *testing.T) {
	h := newTestHarness(t, Config{Frequency: 10 * time.Millisecond, MaxRetries: 3, RetryDelay: time.Second})
	f, err := h.local.CreateFile("/synced.txt")
	require.NoError(t, err)
	f.Close()
	require.NoError(t, h.queue.QueueRequest(model.MethodPut, "/", "synced.txt", "", ""))

	h.proc.Start(context.Background())
	defer h.proc.Stop()

	waitFor(t, time.Second, func() bool {
		h.writer.mu.Lock()
		defer h.writer.mu.Unlock()
		return len(h.writer.puts) == 1
	})

	lf, err := h.local.Open("/synced.txt")
	require.NoError(t, err)
	defer lf.Close()
	assert.True(t, lf.CacheInfo().HasRemote(), "sidecar should carry remote timestamps after a successful sync")
	assert.False(t, lf.Created(), "file should no longer read as a pending local creation once synced")
}

func TestProcessor_DrainsDeleteRequest(t *testing.T) {
	h := newTestHarness(t, Config{Frequency: 10 * time.Millisecond, MaxRetries: 3, RetryDelay: time.Second})
	require.NoError(t, h.queue.QueueRequest(model.MethodDelete, "/", "gone.txt", "", ""))

	h.proc.Start(context.Background())
	defer h.proc.Stop()

	waitFor(t, time.Second, func() bool {
		h.writer.mu.Lock()
		defer h.writer.mu.Unlock()
		return len(h.writer.deletes) == 1
	})
}

func TestProcessor_RetriesTransportErrorThenSucceeds(t *testing.T) {
	h := newTestHarness(t, Config{Frequency: 10 * time.Millisecond, MaxRetries: 5, RetryDelay: 10 * time.Millisecond})
	h.writer.failN = 1
	h.writer.failErr = bridgeerr.New(bridgeerr.KindTransport, "simulated transport failure")

	f, err := h.local.CreateFile("/retry.txt")
	require.NoError(t, err)
	f.Close()
	require.NoError(t, h.queue.QueueRequest(model.MethodPut, "/", "retry.txt", "", ""))

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	h.proc.Start(context.Background())
	defer h.proc.Stop()

	var sawSyncErr bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.KindSyncErr {
				sawSyncErr = true
			}
		case <-deadline:
			break loop
		default:
			h.writer.mu.Lock()
			done := len(h.writer.puts) == 1
			h.writer.mu.Unlock()
			if done {
				break loop
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	assert.True(t, sawSyncErr, "expected at least one retryable syncerr event")
	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestProcessor_NonRetryableError_EventuallyPurged(t *testing.T) {
	h := newTestHarness(t, Config{Frequency: 5 * time.Millisecond, MaxRetries: 2, RetryDelay: time.Millisecond, PurgeInterval: 10 * time.Millisecond})
	h.writer.failN = 100
	h.writer.failErr = errors.New("permanent failure")

	require.NoError(t, h.queue.QueueRequest(model.MethodDelete, "/", "bad.txt", "", ""))

	h.proc.Start(context.Background())
	defer h.proc.Stop()

	waitFor(t, 2*time.Second, func() bool {
		reqs, err := h.queue.GetRequests("/")
		require.NoError(t, err)
		return reqs["bad.txt"] == "" && len(reqs) == 0
	})

	purged, err := h.queue.PurgeFailedRequests(2)
	require.NoError(t, err)
	assert.Empty(t, purged)
}

func TestProcessor_StopIsIdempotentAndWaits(t *testing.T) {
	h := newTestHarness(t, Config{Frequency: 50 * time.Millisecond})
	h.proc.Start(context.Background())
	h.proc.Stop()
	h.proc.Stop()
}
