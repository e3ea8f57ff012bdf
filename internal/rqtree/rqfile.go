package rqtree

import (
	"context"
	"io"
	"time"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/localtree"
	"github.com/syncbridge/cachebridge/internal/model"
	"github.com/syncbridge/cachebridge/internal/pathutil"
)

// RQFile is the thin decorator wrapping either a
// local LocalFile or a still-remote-only reader, and transparently
// materializes the remote content on first write.
type RQFile struct {
	tree  *RQTree
	path  string
	isDir bool
	local *localtree.LocalFile
	rc    io.ReadCloser
	node  model.NodeInfo
	dirty bool
}

// Path returns the file's path.
func (f *RQFile) Path() string { return f.path }

// IsDirectory reports whether this entry is a directory.
func (f *RQFile) IsDirectory() bool { return f.isDir }

// Size returns the entry's size: the local content's size when cached,
// otherwise the remote-observed size.
func (f *RQFile) Size() int64 {
	if f.local != nil {
		return f.local.Size()
	}
	return f.node.Size
}

// LastModified returns the entry's effective last-modified time.
func (f *RQFile) LastModified() time.Time {
	if f.local != nil {
		return f.local.LastModified()
	}
	return f.node.LastModifiedAt
}

// Read forwards to local content when cached, or to the remote reader
// otherwise.
func (f *RQFile) Read(p []byte) (int, error) {
	if f.local != nil {
		return f.local.Read(p)
	}
	if f.rc != nil {
		return f.rc.Read(p)
	}
	return 0, bridgeerr.New(bridgeerr.KindNotSupported, "read on an unopened entry")
}

// Write materializes remote-only content locally before delegating, per
// the RQFile contract, unless the tree is in info-only mode,
// in which case it is a no-op.
func (f *RQFile) Write(ctx context.Context, p []byte) (int, error) {
	if f.tree.infoOnly {
		return len(p), nil
	}
	if f.local == nil {
		if err := f.CacheFile(ctx); err != nil {
			return 0, err
		}
	}
	n, err := f.local.Write(p)
	if n > 0 {
		f.dirty = true
	}
	return n, err
}

// SetLength mirrors Write's materialize-then-delegate behavior.
func (f *RQFile) SetLength(ctx context.Context, size int64) error {
	if f.tree.infoOnly {
		return nil
	}
	if f.local == nil {
		if err := f.CacheFile(ctx); err != nil {
			return err
		}
	}
	if err := f.local.SetLength(size); err != nil {
		return err
	}
	f.dirty = true
	return nil
}

// Flush forwards to local content; a no-op if still remote-only (nothing
// has been written yet) or info-only.
func (f *RQFile) Flush() error {
	if f.tree.infoOnly || f.local == nil {
		return nil
	}
	return f.local.Flush()
}

// Close closes whichever underlying handle is open. If the file was
// written through since it was opened, it enqueues the modify (PUT for a
// file never synced before, POST for one that already has a remote
// counterpart) before closing, implementing the open-write-close half of
// the modify lifecycle that CreateFile/Delete/Rename already enqueue
// eagerly.
func (f *RQFile) Close() error {
	if f.dirty && f.local != nil {
		if err := f.enqueueModify(); err != nil {
			f.local.Close()
			return err
		}
	}
	if f.local != nil {
		return f.local.Close()
	}
	if f.rc != nil {
		return f.rc.Close()
	}
	return nil
}

func (f *RQFile) enqueueModify() error {
	name := pathutil.Base(f.path)
	if f.tree.isTemp(name) {
		return nil
	}
	parent := pathutil.Dir(f.path)

	method := model.MethodPut
	if f.local.CacheInfo().HasRemote() {
		method = model.MethodPost
	}
	if err := f.tree.queue.QueueRequest(method, parent, name, f.tree.localPrefix, f.tree.remotePrefix); err != nil {
		return err
	}
	f.tree.cache.Invalidate(parent)
	return nil
}

// CacheFile forces materialization of remote-only content into the local
// cache, exposed so callers (listings, conflict handling) can force it
// ahead of a write.
func (f *RQFile) CacheFile(ctx context.Context) error {
	if f.local != nil {
		return nil
	}
	if f.rc != nil {
		f.rc.Close()
		f.rc = nil
	}
	lf, err := f.tree.cacheFile(ctx, f.path)
	if err != nil {
		return err
	}
	f.local = lf
	return nil
}
