package rqtree

import (
	"bytes"
	"context"
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

// fakeRemote is an in-memory RemoteTree used to exercise RQTree without a
// real transport.
type fakeRemote struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	modified map[string]time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		modified: make(map[string]time.Time),
	}
}

func (r *fakeRemote) putFile(path string, content []byte, modTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
	r.modified[path] = modTime
}

func (r *fakeRemote) Exists(ctx context.Context, path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirs[path] {
		return true, nil
	}
	_, ok := r.files[path]
	return ok, nil
}

func (r *fakeRemote) Stat(ctx context.Context, path string) (model.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirs[path] {
		return model.NodeInfo{Path: path, IsDirectory: true}, nil
	}
	content, ok := r.files[path]
	if !ok {
		return model.NodeInfo{}, bridgeerr.New(bridgeerr.KindNotFound, path)
	}
	return model.NodeInfo{Path: path, Size: int64(len(content)), LastModifiedAt: r.modified[path]}, nil
}

func (r *fakeRemote) List(ctx context.Context, dirPath string) ([]model.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.NodeInfo
	for p, content := range r.files {
		if dirOf(p) == dirPath {
			out = append(out, model.NodeInfo{Path: p, Size: int64(len(content)), LastModifiedAt: r.modified[p]})
		}
	}
	for d := range r.dirs {
		if d != "/" && dirOf(d) == dirPath {
			out = append(out, model.NodeInfo{Path: d, IsDirectory: true})
		}
	}
	return out, nil
}

func dirOf(p string) string {
	i := len(p) - 1
	for i > 0 && p[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (r *fakeRemote) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[path]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (r *fakeRemote) Put(ctx context.Context, path string, rd io.Reader) error {
	content, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
	r.modified[path] = time.Now()
	return nil
}

func (r *fakeRemote) Post(ctx context.Context, path string, rd io.Reader) error {
	return r.Put(ctx, path, rd)
}

func (r *fakeRemote) Delete(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
	delete(r.dirs, path)
	return nil
}

func (r *fakeRemote) CreateDirectory(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[path] = true
	return nil
}

func (r *fakeRemote) Rename(ctx context.Context, oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if content, ok := r.files[oldPath]; ok {
		r.files[newPath] = content
		r.modified[newPath] = r.modified[oldPath]
		delete(r.files, oldPath)
		delete(r.modified, oldPath)
	}
	if r.dirs[oldPath] {
		r.dirs[newPath] = true
		delete(r.dirs, oldPath)
	}
	return nil
}

type testHarness struct {
	tree   *RQTree
	local  *localtree.LocalTree
	remote *fakeRemote
	queue  *queue.RequestQueue
	bus    *events.Bus
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	raw, err := rawstore.New(t.TempDir())
	require.NoError(t, err)
	wt, err := worktree.New(raw.Root(), ".aem", "session-1")
	require.NoError(t, err)
	local := localtree.New(raw, wt)

	remote := newFakeRemote()
	bus := events.NewBus()
	q, err := queue.Open(":memory:", bus)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	tree := New(local, remote, q, bus, WithListCache(64, 50*time.Millisecond))
	return &testHarness{tree: tree, local: local, remote: remote, queue: q, bus: bus}
}

func TestExists_LocalWins(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.tree.CreateFile("/a.txt")
	require.NoError(t, err)

	ok, err := h.tree.Exists(context.Background(), "/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExists_QueuedDeleteHidesRemote(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("hi"), time.Now())
	require.NoError(t, h.queue.QueueRequest(model.MethodDelete, "/", "a.txt", "", ""))

	ok, err := h.tree.Exists(context.Background(), "/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExists_FallsBackToRemote(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("hi"), time.Now())

	ok, err := h.tree.Exists(context.Background(), "/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateFile_EnqueuesPut(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.tree.CreateFile("/a.txt")
	require.NoError(t, err)

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Equal(t, model.MethodPut, reqs["a.txt"])
}

func TestDelete_SyncedFile_EnqueuesDelete(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("hi"), time.Now())
	f, err := h.tree.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.CacheFile(context.Background()))
	f.Close()

	require.NoError(t, h.tree.Delete("/a.txt"))

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Equal(t, model.MethodDelete, reqs["a.txt"])
}

func TestModify_NeverSyncedFile_EnqueuesPutOnClose(t *testing.T) {
	h := newTestHarness(t)
	f, err := h.tree.CreateFile("/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, h.queue.CompleteRequest("/", "a.txt"))

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	require.Empty(t, reqs, "queue should be drained before exercising the modify path")

	reopened, err := h.tree.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	_, err = reopened.Write(context.Background(), []byte("more"))
	require.NoError(t, err)
	require.NoError(t, reopened.Close())

	reqs, err = h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Equal(t, model.MethodPut, reqs["a.txt"], "a dirtied file with no remote counterpart should enqueue a PUT")
}

func TestModify_SyncedFile_EnqueuesPostOnClose(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("hi"), time.Now())
	f, err := h.tree.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.CacheFile(context.Background()))
	require.NoError(t, f.Close())

	reopened, err := h.tree.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	_, err = reopened.Write(context.Background(), []byte("overwrite"))
	require.NoError(t, err)
	require.NoError(t, reopened.Close())

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Equal(t, model.MethodPost, reqs["a.txt"], "a dirtied file with a recorded remote counterpart should enqueue a POST")
}

func TestModify_UnwrittenClose_DoesNotEnqueue(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("hi"), time.Now())
	f, err := h.tree.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.CacheFile(context.Background()))
	require.NoError(t, f.Close())

	reopened, err := h.tree.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, reopened.Close())

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Empty(t, reqs, "a close with no intervening write should not enqueue anything")
}

func TestDelete_PureLocalCreate_NoQueueEntry(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.tree.CreateFile("/a.txt")
	require.NoError(t, err)

	require.NoError(t, h.tree.Delete("/a.txt"))

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestList_RemoteShapeWithLocalOverride(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("remote"), time.Now())
	h.remote.putFile("/b.txt", []byte("remote-b"), time.Now())

	_, err := h.tree.CreateFile("/a.txt")
	require.NoError(t, err)

	entries, err := h.tree.List(context.Background(), "/")
	require.NoError(t, err)

	byPath := map[string]*RQFile{}
	for _, e := range entries {
		byPath[e.Path()] = e
	}
	require.Contains(t, byPath, "/a.txt")
	require.Contains(t, byPath, "/b.txt")
	assert.NotNil(t, byPath["/a.txt"].local)
}

func TestList_QueuedDeleteHidesRemoteEntry(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("remote"), time.Now())
	require.NoError(t, h.queue.QueueRequest(model.MethodDelete, "/", "a.txt", "", ""))

	entries, err := h.tree.List(context.Background(), "/")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "/a.txt", e.Path())
	}
}

func TestList_CachesResult(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("remote"), time.Now())

	first, err := h.tree.List(context.Background(), "/")
	require.NoError(t, err)

	h.remote.putFile("/b.txt", []byte("remote-b"), time.Now())
	second, err := h.tree.List(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))

	time.Sleep(60 * time.Millisecond)
	third, err := h.tree.List(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, len(first)+1, len(third))
}

func TestList_SafeToEvictLocalOnlyIsPurgedSilently(t *testing.T) {
	h := newTestHarness(t)
	f, err := h.tree.CreateFile("/a.txt")
	require.NoError(t, err)
	f.Close()

	// Simulate a fully synced, non-created cache entry by refreshing the
	// sidecar through a download so CanDelete's predicate is satisfied.
	h.remote.putFile("/a.txt", []byte("remote"), time.Now())
	_, err = h.local.Download(context.Background(), "/stale.txt", worktree.RemoteInfo{LastModified: time.Now()}, func(ctx context.Context, w io.Writer) error {
		_, err := w.Write([]byte("stale"))
		return err
	})
	require.NoError(t, err)

	entries, err := h.tree.List(context.Background(), "/")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "/stale.txt", e.Path())
	}
	assert.False(t, h.local.Exists("/stale.txt"))
}

func TestRename_BothTemp_IsNoop(t *testing.T) {
	h := newTestHarness(t)
	f, err := h.tree.Rename(context.Background(), "/.tmp1", "/.tmp2")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestRename_TempToPermanent_EnqueuesPut(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.local.CreateFile("/.tmp1")
	require.NoError(t, err)

	rf, err := h.tree.Rename(context.Background(), "/.tmp1", "/final.txt")
	require.NoError(t, err)
	require.NotNil(t, rf)
	assert.Equal(t, "/final.txt", rf.Path())

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Equal(t, model.MethodPut, reqs["final.txt"])
}

func TestRename_PermanentToTemp_DeletesAndMayEnqueueDelete(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("hi"), time.Now())
	f, err := h.tree.Open(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.CacheFile(context.Background()))
	f.Close()

	rf, err := h.tree.Rename(context.Background(), "/a.txt", "/.gone")
	require.NoError(t, err)
	assert.Nil(t, rf)

	assert.False(t, h.local.Exists("/a.txt"))
	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Equal(t, model.MethodDelete, reqs["a.txt"])
}

func TestRename_BothPermanent_File_EnqueuesMove(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.tree.CreateFile("/old.txt")
	require.NoError(t, err)

	rf, err := h.tree.Rename(context.Background(), "/old.txt", "/new.txt")
	require.NoError(t, err)
	require.NotNil(t, rf)
	assert.Equal(t, "/new.txt", rf.Path())

	reqs, err := h.queue.GetRequests("/")
	require.NoError(t, err)
	assert.Equal(t, model.MethodPut, reqs["new.txt"])
	_, hasOld := reqs["old.txt"]
	assert.False(t, hasOld)
}

func TestRename_BothPermanent_Directory_RenamesRemoteAndUpdatesQueue(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.tree.CreateDirectory(context.Background(), "/olddir"))
	require.NoError(t, h.queue.QueueRequest(model.MethodPut, "/olddir", "inner.txt", "", ""))

	rf, err := h.tree.Rename(context.Background(), "/olddir", "/newdir")
	require.NoError(t, err)
	require.NotNil(t, rf)
	assert.True(t, rf.IsDirectory())

	exists, err := h.remote.Exists(context.Background(), "/newdir")
	require.NoError(t, err)
	assert.True(t, exists)

	reqs, err := h.queue.GetRequests("/newdir")
	require.NoError(t, err)
	assert.Equal(t, model.MethodPut, reqs["inner.txt"])
}

func TestRename_RemoteOnly_RenamesRemotely(t *testing.T) {
	h := newTestHarness(t)
	h.remote.putFile("/a.txt", []byte("hi"), time.Now())

	rf, err := h.tree.Rename(context.Background(), "/a.txt", "/b.txt")
	require.NoError(t, err)
	require.NotNil(t, rf)
	assert.Equal(t, "/b.txt", rf.Path())

	exists, err := h.remote.Exists(context.Background(), "/b.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRename_DirectoryAcrossTempBoundary_IsLocalOnlyConflict(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.tree.CreateDirectory(context.Background(), "/permdir"))

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	rf, err := h.tree.Rename(context.Background(), "/permdir", "/.tempdir")
	require.NoError(t, err)
	assert.Nil(t, rf)
	assert.False(t, h.local.Exists("/permdir"))

	select {
	case ev := <-sub:
		assert.Equal(t, events.KindSyncConflict, ev.Kind)
		assert.Equal(t, "/.tempdir", ev.Path)
	default:
		t.Fatal("expected a syncconflict event")
	}
}

func TestRename_MissingSource_IsNotFound(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.tree.Rename(context.Background(), "/ghost.txt", "/other.txt")
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindNotFound, bridgeerr.Of(err))
}
