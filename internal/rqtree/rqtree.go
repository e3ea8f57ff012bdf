// Package rqtree implements the RQTree: the top-level
// tree clients see, reconciling LocalTree, RequestQueue and a RemoteTree
// collaborator behind one uniform API.
//
// Grounded on the teacher's SyncEngine (internal/client/sync/sync_engine.go
// and its sync_engine_*.go satellites): a single orchestrator composing a
// local scanner, a remote client and a journal, deciding per-path what to
// upload/download/skip. RQTree keeps the same shape, generalized to the
// queue-based (rather than scan-diff-based) reconciliation model this module
// describes.
package rqtree

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/events"
	"github.com/syncbridge/cachebridge/internal/localtree"
	"github.com/syncbridge/cachebridge/internal/model"
	"github.com/syncbridge/cachebridge/internal/pathutil"
	"github.com/syncbridge/cachebridge/internal/queue"
	"github.com/syncbridge/cachebridge/internal/worktree"
)

const (
	defaultListCacheSize = 4096
	defaultListCacheTTL  = 2 * time.Second
)

// RQTree is the top-level orchestrator tying the local and remote trees together.
type RQTree struct {
	local  *localtree.LocalTree
	remote RemoteTree
	queue  *queue.RequestQueue
	bus    *events.Bus

	norm   *pathutil.Normalizer
	ignore *pathutil.IgnoreList
	isTemp pathutil.TempPredicate

	localPrefix  string
	remotePrefix string

	prewarmRootQueue bool

	locks *pathLocks
	cache *listCache

	infoOnly bool
	log      *slog.Logger
}

// Option configures an RQTree at construction.
type Option func(*RQTree)

func WithNormalizer(n *pathutil.Normalizer) Option { return func(t *RQTree) { t.norm = n } }
func WithIgnoreList(l *pathutil.IgnoreList) Option  { return func(t *RQTree) { t.ignore = l } }
func WithTempPredicate(p pathutil.TempPredicate) Option {
	return func(t *RQTree) { t.isTemp = p }
}
func WithPrefixes(localPrefix, remotePrefix string) Option {
	return func(t *RQTree) { t.localPrefix, t.remotePrefix = localPrefix, remotePrefix }
}
func WithListCache(size int, ttl time.Duration) Option {
	return func(t *RQTree) { t.cache = newListCache(size, ttl) }
}
func WithInfoOnly(infoOnly bool) Option { return func(t *RQTree) { t.infoOnly = infoOnly } }
func WithLogger(l *slog.Logger) Option  { return func(t *RQTree) { t.log = l } }

// WithPrewarmRootQueue enables the source's "pre-warm" behavior of
// fetching getRequests("/") before every exists() call. Off by default;
// it is treated as an optional performance wart, not a
// correctness requirement.
func WithPrewarmRootQueue(on bool) Option { return func(t *RQTree) { t.prewarmRootQueue = on } }

// New builds an RQTree over local, remote and queue, all sharing bus.
func New(local *localtree.LocalTree, remote RemoteTree, q *queue.RequestQueue, bus *events.Bus, opts ...Option) *RQTree {
	t := &RQTree{
		local:  local,
		remote: remote,
		queue:  q,
		bus:    bus,
		norm:   pathutil.NewNormalizer(false),
		ignore: pathutil.NewIgnoreList(nil, ""),
		isTemp: pathutil.DefaultTempPredicate,
		locks:  newPathLocks(),
		cache:  newListCache(defaultListCacheSize, defaultListCacheTTL),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RQTree) normalize(path string) string { return t.norm.Normalize(path) }

func (t *RQTree) emitConflict(path string) {
	if t.bus != nil {
		t.bus.Emit(events.KindSyncConflict, path)
	}
}

// Exists reports whether path is visible to clients:
// local presence wins, temp files never exist remotely, a queued DELETE
// hides a remote node, otherwise defer to the remote.
func (t *RQTree) Exists(ctx context.Context, path string) (bool, error) {
	if t.prewarmRootQueue {
		_, _ = t.queue.GetRequests("/")
	}

	if t.local.Exists(path) {
		return true, nil
	}
	name := pathutil.Base(path)
	if t.isTemp(name) {
		return false, nil
	}
	parent := pathutil.Dir(path)
	reqs, err := t.queue.GetRequests(parent)
	if err != nil {
		return false, err
	}
	if reqs[name] == model.MethodDelete {
		return false, nil
	}
	return t.remote.Exists(ctx, t.normalize(path))
}

// Open opens path, wrapped as an RQFile. Local content wins unless a
// download is currently materializing it; temp names never exist
// remotely; everything else falls through to the remote.
func (t *RQTree) Open(ctx context.Context, path string) (*RQFile, error) {
	unlock := t.locks.Lock(path)
	defer unlock()

	if t.local.Exists(path) {
		lf, err := t.local.Open(path)
		if err != nil {
			return nil, err
		}
		return &RQFile{tree: t, path: path, isDir: lf.IsDirectory(), local: lf}, nil
	}

	name := pathutil.Base(path)
	if t.isTemp(name) {
		return nil, bridgeerr.New(bridgeerr.KindNotFound, path)
	}

	norm := t.normalize(path)
	node, err := t.remote.Stat(ctx, norm)
	if err != nil {
		return nil, err
	}
	if node.IsDirectory {
		return &RQFile{tree: t, path: path, isDir: true, node: node}, nil
	}
	rc, err := t.remote.Open(ctx, norm)
	if err != nil {
		return nil, err
	}
	return &RQFile{tree: t, path: path, node: node, rc: rc}, nil
}

// cacheFile materializes path's remote content into the local cache,
// used by RQFile.CacheFile and by the listing-merge conflict path. The
// path lock serializes concurrent cacheFile calls for the same path so
// LocalTree.Download's own IsDownloading check always sees an
// already-started download rather than racing another caller into a
// second fetch.
func (t *RQTree) cacheFile(ctx context.Context, path string) (*localtree.LocalFile, error) {
	unlock := t.locks.Lock(path)
	defer unlock()

	norm := t.normalize(path)
	node, err := t.remote.Stat(ctx, norm)
	if err != nil {
		return nil, err
	}
	remoteInfo := worktree.RemoteInfo{LastModified: node.LastModifiedAt, Created: node.CreatedAt}

	fetch := func(ctx context.Context, w io.Writer) error {
		rc, err := t.remote.Open(ctx, norm)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(w, rc)
		return err
	}
	return t.local.Download(ctx, path, remoteInfo, fetch)
}

// CreateFile delegates to LocalTree.CreateFile, invalidates the parent's
// cached listing, and enqueues a PUT.
func (t *RQTree) CreateFile(path string) (*RQFile, error) {
	parent, name := pathutil.Dir(path), pathutil.Base(path)
	unlock := t.locks.Lock(path)
	defer unlock()

	lf, err := t.local.CreateFile(path)
	if err != nil {
		return nil, err
	}
	t.cache.Invalidate(parent)

	if !t.isTemp(name) {
		if err := t.queue.QueueRequest(model.MethodPut, parent, name, t.localPrefix, t.remotePrefix); err != nil {
			return nil, err
		}
	}
	return &RQFile{tree: t, path: path, local: lf}, nil
}

// CreateDirectory creates path locally and, for non-temp names, on the
// remote too, invalidating the parent's cached listing.
func (t *RQTree) CreateDirectory(ctx context.Context, path string) error {
	parent, name := pathutil.Dir(path), pathutil.Base(path)
	unlock := t.locks.Lock(path)
	defer unlock()

	if err := t.local.CreateDirectory(path); err != nil {
		return err
	}
	t.cache.Invalidate(parent)

	if !t.isTemp(name) {
		if err := t.remote.CreateDirectory(ctx, t.normalize(path)); err != nil {
			return err
		}
	}
	return nil
}

// Delete deletes path locally when present, enqueuing a DELETE per
// the delete rules below.
func (t *RQTree) Delete(path string) error {
	parent, name := pathutil.Dir(path), pathutil.Base(path)
	unlock := t.locks.Lock(path)
	defer unlock()

	if t.isTemp(name) {
		if t.local.Exists(path) {
			return t.local.Delete(path)
		}
		return nil
	}

	if t.local.Exists(path) {
		lf, err := t.local.Open(path)
		if err != nil {
			return err
		}
		wasCreatedOnly := lf.Created()
		lf.Close()

		if err := t.local.Delete(path); err != nil {
			return err
		}
		t.cache.Invalidate(parent)

		hadQueueEntry, err := t.queue.Exists(parent, name)
		if err != nil {
			return err
		}
		if !wasCreatedOnly || hadQueueEntry {
			return t.queue.QueueRequest(model.MethodDelete, parent, name, t.localPrefix, t.remotePrefix)
		}
		return nil
	}

	t.cache.Invalidate(parent)
	return t.queue.QueueRequest(model.MethodDelete, parent, name, t.localPrefix, t.remotePrefix)
}

// DeleteDirectory deletes path locally (if present), then on the remote
// (if non-temp), then removes any queued records under it.
func (t *RQTree) DeleteDirectory(ctx context.Context, path string) error {
	parent, name := pathutil.Dir(path), pathutil.Base(path)
	unlock := t.locks.Lock(path)
	defer unlock()

	if t.local.Exists(path) {
		if err := t.local.DeleteDirectory(path); err != nil {
			return err
		}
		t.cache.Invalidate(parent)
	}

	if !t.isTemp(name) {
		if err := t.remote.Delete(ctx, t.normalize(path)); err != nil {
			return err
		}
	}
	return t.queue.RemovePath(path)
}

// List runs the three-phase merge over dirPath, serving a
// fresh cached result when one exists.
func (t *RQTree) List(ctx context.Context, dirPath string) ([]*RQFile, error) {
	if cached, ok := t.cache.Get(dirPath); ok {
		return cached, nil
	}

	unlock := t.locks.RLock(dirPath)
	defer unlock()

	// Re-check after acquiring the lock: another listing may have
	// populated the cache while we waited.
	if cached, ok := t.cache.Get(dirPath); ok {
		return cached, nil
	}

	remoteNodes, err := t.remote.List(ctx, t.normalize(dirPath))
	if err != nil {
		return nil, err
	}
	queued, err := t.queue.GetRequests(dirPath)
	if err != nil {
		return nil, err
	}

	result := make([]*RQFile, 0, len(remoteNodes))
	index := make(map[string]int, len(remoteNodes))
	for _, n := range remoteNodes {
		name := pathutil.Base(n.Path)
		if t.isTemp(name) || queued[name] == model.MethodDelete {
			continue
		}
		index[name] = len(result)
		result = append(result, &RQFile{tree: t, path: n.Path, isDir: n.IsDirectory, node: n})
	}

	if !t.local.Exists(dirPath) {
		t.cache.Set(dirPath, result)
		return result, nil
	}

	locals, err := t.local.List(dirPath)
	if err != nil {
		return nil, err
	}
	for _, l := range locals {
		name := pathutil.Base(l.Path())
		if t.ignore.ShouldIgnore(name) {
			continue
		}
		if t.isTemp(name) {
			result = append(result, &RQFile{tree: t, path: l.Path(), isDir: l.IsDirectory(), local: l})
			continue
		}
		if i, ok := index[name]; ok {
			result[i] = &RQFile{tree: t, path: l.Path(), isDir: l.IsDirectory(), local: l}
			continue
		}

		// Local-only entry: a pending local creation, a safe-to-evict
		// stale cache entry, or an unsafe local-only conflict.
		if l.Created() {
			result = append(result, &RQFile{tree: t, path: l.Path(), isDir: l.IsDirectory(), local: l})
			continue
		}
		// Hold the entry's own path lock while deciding on eviction, so a
		// concurrent cacheFile download of the same path cannot interleave.
		unlockEntry := t.locks.Lock(l.Path())
		if t.local.CanDelete(l) {
			if l.IsDirectory() {
				err = t.local.DeleteDirectory(l.Path())
			} else {
				err = t.local.Delete(l.Path())
			}
			unlockEntry()
			if err != nil {
				return nil, err
			}
			continue
		}
		unlockEntry()
		result = append(result, &RQFile{tree: t, path: l.Path(), isDir: l.IsDirectory(), local: l})
		t.emitConflict(l.Path())
	}

	t.cache.Set(dirPath, result)
	return result, nil
}

// lockPair locks a and b in a fixed order so concurrent renames crossing
// the same two paths can never deadlock against each other.
func (t *RQTree) lockPair(a, b string) func() {
	if a == b {
		return t.locks.Lock(a)
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	unlockFirst := t.locks.Lock(first)
	unlockSecond := t.locks.Lock(second)
	return func() {
		unlockSecond()
		unlockFirst()
	}
}

// Rename implements the tree's rename semantics. Directory renames
// that cross the temp boundary (isTemp(old) != isTemp(new)) are
// deliberately not propagated to the remote: only the local side renames,
// since there is no well-defined remote counterpart to move a
// not-yet-synced or no-longer-tracked directory to or from.
func (t *RQTree) Rename(ctx context.Context, oldPath, newPath string) (*RQFile, error) {
	oldParent, oldName := pathutil.Dir(oldPath), pathutil.Base(oldPath)
	newParent, newName := pathutil.Dir(newPath), pathutil.Base(newPath)

	unlock := t.lockPair(oldPath, newPath)
	defer unlock()

	oldIsTemp, newIsTemp := t.isTemp(oldName), t.isTemp(newName)

	switch {
	case oldIsTemp && newIsTemp:
		return nil, nil

	case !oldIsTemp && newIsTemp:
		if !t.local.Exists(oldPath) {
			return nil, nil
		}
		lf, err := t.local.Open(oldPath)
		if err != nil {
			return nil, err
		}
		wasDir := lf.IsDirectory()
		wasCreatedOnly := lf.Created()
		lf.Close()

		// A directory crossing the temp boundary renames locally only:
		// there is no well-defined remote counterpart to delete/move, so
		// the discrepancy is surfaced as a conflict instead.
		if wasDir {
			renamed, err := t.local.Rename(oldPath, newPath)
			if err != nil {
				return nil, err
			}
			renamed.Close()
			t.cache.Invalidate(oldParent)
			t.cache.Invalidate(newParent)
			t.emitConflict(newPath)
			return nil, nil
		}

		if err := t.local.Delete(oldPath); err != nil {
			return nil, err
		}
		t.cache.Invalidate(oldParent)

		hadQueueEntry, err := t.queue.Exists(oldParent, oldName)
		if err != nil {
			return nil, err
		}
		if !wasCreatedOnly || hadQueueEntry {
			if err := t.queue.QueueRequest(model.MethodDelete, oldParent, oldName, t.localPrefix, t.remotePrefix); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case oldIsTemp && !newIsTemp:
		preRename, err := t.local.Open(oldPath)
		if err != nil {
			return nil, err
		}
		wasDir := preRename.IsDirectory()
		preRename.Close()

		lf, err := t.local.Rename(oldPath, newPath)
		if err != nil {
			return nil, err
		}
		t.cache.Invalidate(oldParent)
		t.cache.Invalidate(newParent)

		if wasDir {
			t.emitConflict(newPath)
			return &RQFile{tree: t, path: newPath, isDir: true, local: lf}, nil
		}

		destExists, err := t.remote.Exists(ctx, t.normalize(newPath))
		if err != nil {
			return nil, err
		}
		method := model.MethodPut
		if destExists {
			method = model.MethodPost
		}
		if err := t.queue.QueueRequest(method, newParent, newName, t.localPrefix, t.remotePrefix); err != nil {
			return nil, err
		}
		return &RQFile{tree: t, path: newPath, isDir: false, local: lf}, nil

	default:
		if t.local.Exists(oldPath) {
			preRename, err := t.local.Open(oldPath)
			if err != nil {
				return nil, err
			}
			wasDir := preRename.IsDirectory()
			preRename.Close()

			destExisted, err := t.Exists(ctx, newPath)
			if err != nil {
				return nil, err
			}

			lf, err := t.local.RenameExt(oldPath, newPath, nil)
			if err != nil {
				return nil, err
			}
			t.cache.Invalidate(oldParent)
			t.cache.Invalidate(newParent)

			if wasDir {
				if err := t.remote.Rename(ctx, t.normalize(oldPath), t.normalize(newPath)); err != nil {
					return nil, err
				}
				if err := t.queue.UpdatePath(oldPath, newPath); err != nil {
					return nil, err
				}
			} else {
				if err := t.queue.QueueMove(oldParent, oldName, newParent, newName, t.localPrefix, t.remotePrefix, destExisted); err != nil {
					return nil, err
				}
			}
			return &RQFile{tree: t, path: newPath, isDir: wasDir, local: lf}, nil
		}

		remoteExists, err := t.remote.Exists(ctx, t.normalize(oldPath))
		if err != nil {
			return nil, err
		}
		if !remoteExists {
			return nil, bridgeerr.New(bridgeerr.KindNotFound, oldPath)
		}
		if err := t.remote.Rename(ctx, t.normalize(oldPath), t.normalize(newPath)); err != nil {
			return nil, err
		}
		t.cache.Invalidate(oldParent)
		t.cache.Invalidate(newParent)

		node, err := t.remote.Stat(ctx, t.normalize(newPath))
		if err != nil {
			return nil, err
		}
		return &RQFile{tree: t, path: newPath, isDir: node.IsDirectory, node: node}, nil
	}
}

// Disconnect releases resources RQTree itself owns. The RawStore, queue,
// remote client and event bus are owned by the caller that assembled this
// tree and are closed there.
func (t *RQTree) Disconnect() {
	t.cache.Clear()
}
