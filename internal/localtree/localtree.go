// Package localtree implements the LocalTree: raw content
// plus the sidecar it carries, exposed as an enriched LocalFile view.
//
// Grounded on the teacher's SyncLocalState (internal/client/sync/
// sync_local_state.go): a thin scanning/composition layer over plain
// os/filepath access, reusing cached metadata instead of recomputing it
// whenever the underlying state hasn't moved.
package localtree

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/model"
	"github.com/syncbridge/cachebridge/internal/pathutil"
	"github.com/syncbridge/cachebridge/internal/rawstore"
	"github.com/syncbridge/cachebridge/internal/worktree"
)

// LocalTree composes a RawStore with a WorkTree to produce the enriched
// LocalFile view.
type LocalTree struct {
	raw      *rawstore.RawStore
	work     *worktree.WorkTree
	ignore   *pathutil.IgnoreList
	isTemp   pathutil.TempPredicate
	infoOnly bool
	log      *slog.Logger
}

// Option configures a LocalTree at construction.
type Option func(*LocalTree)

// WithIgnoreList overrides the default ignore list.
func WithIgnoreList(l *pathutil.IgnoreList) Option { return func(t *LocalTree) { t.ignore = l } }

// WithTempPredicate overrides the default temp-file classifier.
func WithTempPredicate(p pathutil.TempPredicate) Option {
	return func(t *LocalTree) { t.isTemp = p }
}

// WithInfoOnly switches the tree into a "basic" variant: write/
// setLength/flush on cached files become no-ops and existence is answered
// by sidecar presence instead of content presence.
func WithInfoOnly(infoOnly bool) Option { return func(t *LocalTree) { t.infoOnly = infoOnly } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(t *LocalTree) { t.log = l } }

// New builds a LocalTree over raw and work.
func New(raw *rawstore.RawStore, work *worktree.WorkTree, opts ...Option) *LocalTree {
	t := &LocalTree{
		raw:    raw,
		work:   work,
		ignore: pathutil.NewIgnoreList(nil, ""),
		isTemp: pathutil.DefaultTempPredicate,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsTemp reports whether name (a basename) is classified as a temp file.
func (t *LocalTree) IsTemp(name string) bool { return t.isTemp(name) }

// LocalFile composes raw content with its CacheInfo sidecar
// A nil content means the entry is a directory or, in info-only
// mode, a metadata-only entry.
type LocalFile struct {
	tree    *LocalTree
	path    string
	isDir   bool
	content *rawstore.File
	node    model.NodeInfo
	info    *model.CacheInfo
}

// Path returns the file's path.
func (f *LocalFile) Path() string { return f.path }

// IsDirectory reports whether this entry is a directory.
func (f *LocalFile) IsDirectory() bool { return f.isDir }

// Size returns the content's current size.
func (f *LocalFile) Size() int64 { return f.node.Size }

// Created reports the sidecar's created flag (false for directories and
// temp files, which never carry a sidecar).
func (f *LocalFile) Created() bool {
	return f.info != nil && f.info.Created
}

// LastModified applies the effective-timestamp rule.
func (f *LocalFile) LastModified() time.Time {
	return worktree.EffectiveLastModified(f.info, f.node.LastModifiedAt)
}

// CacheInfo exposes the raw sidecar, if any (nil for directories/temp files).
func (f *LocalFile) CacheInfo() *model.CacheInfo { return f.info }

// Read forwards to the underlying content.
func (f *LocalFile) Read(p []byte) (int, error) {
	if f.content == nil {
		return 0, bridgeerr.New(bridgeerr.KindNotSupported, "read on a directory or metadata-only entry")
	}
	return f.content.Read(p)
}

// Write forwards to the underlying content, unless the tree is in
// info-only mode, in which case it is a no-op.
func (f *LocalFile) Write(p []byte) (int, error) {
	if f.tree.infoOnly {
		return len(p), nil
	}
	if f.content == nil {
		return 0, bridgeerr.New(bridgeerr.KindNotSupported, "write on a directory or metadata-only entry")
	}
	return f.content.Write(p)
}

// SetLength forwards to the underlying content, unless info-only.
func (f *LocalFile) SetLength(size int64) error {
	if f.tree.infoOnly {
		return nil
	}
	if f.content == nil {
		return bridgeerr.New(bridgeerr.KindNotSupported, "setLength on a directory or metadata-only entry")
	}
	return f.content.SetLength(size)
}

// Flush forwards to the underlying content, unless info-only.
func (f *LocalFile) Flush() error {
	if f.tree.infoOnly {
		return nil
	}
	if f.content == nil {
		return nil
	}
	return f.content.Flush()
}

// Close closes the underlying content, if open.
func (f *LocalFile) Close() error {
	if f.content == nil {
		return nil
	}
	return f.content.Close()
}

func (t *LocalTree) sidecarDirName() string {
	if t.work == nil {
		return worktree.DefaultSidecarDirName
	}
	return t.work.SidecarDirName()
}

func (t *LocalTree) toLocalFile(node model.NodeInfo) *LocalFile {
	lf := &LocalFile{tree: t, path: node.Path, isDir: node.IsDirectory, node: node}
	if node.IsDirectory || t.isTemp(pathutil.Base(node.Path)) {
		return lf
	}
	if info, err := t.work.ReadSidecar(node.Path); err == nil {
		lf.info = info
	}
	return lf
}

// Open opens path, composing its raw content with its sidecar.
func (t *LocalTree) Open(path string) (*LocalFile, error) {
	node, err := t.raw.Stat(path)
	if err != nil {
		return nil, err
	}
	lf := t.toLocalFile(node)
	if node.IsDirectory {
		return lf, nil
	}
	content, err := t.raw.Open(path)
	if err != nil {
		return nil, err
	}
	lf.content = content
	return lf, nil
}

// Exists reports whether path is present
// variant: answered by sidecar presence when infoOnly, by content
// presence otherwise.
func (t *LocalTree) Exists(path string) bool {
	if t.infoOnly {
		_, err := t.work.ReadSidecar(path)
		return err == nil
	}
	return t.raw.Exists(path)
}

// CreateFile creates new empty content at path and a sidecar with
// created=true.
func (t *LocalTree) CreateFile(path string) (*LocalFile, error) {
	content, err := t.raw.Create(path)
	if err != nil {
		return nil, err
	}
	if err := t.work.CreateSidecar(path, true, nil, false); err != nil {
		content.Close()
		return nil, err
	}
	info, _ := t.work.ReadSidecar(path)
	node, err := t.raw.Stat(path)
	if err != nil {
		content.Close()
		return nil, err
	}
	return &LocalFile{tree: t, path: path, content: content, node: node, info: info}, nil
}

// CreateFromSource wraps an already-open content file as a LocalFile,
// producing or refreshing its sidecar. remote is nil when the file has no
// remote counterpart yet.
func (t *LocalTree) CreateFromSource(path string, content *rawstore.File, remote *worktree.RemoteInfo, isCreated bool) (*LocalFile, error) {
	if err := t.writeSidecarForSource(path, remote, isCreated); err != nil {
		return nil, err
	}
	info, _ := t.work.ReadSidecar(path)
	node, err := content.Stat()
	if err != nil {
		return nil, err
	}
	return &LocalFile{tree: t, path: path, content: content, node: node, info: info}, nil
}

func (t *LocalTree) writeSidecarForSource(path string, remote *worktree.RemoteInfo, isCreated bool) error {
	_, err := t.work.ReadSidecar(path)
	exists := err == nil
	switch {
	case isCreated:
		err = t.work.CreateSidecar(path, true, remote, false)
	case exists && remote != nil:
		err = t.work.RefreshSidecar(path, *remote)
	case !exists:
		err = t.work.CreateSidecar(path, false, remote, false)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	// The canDelete predicate compares the sidecar's
	// local.lastModified against the content's current mtime; keep them
	// pinned together whenever the sidecar is (re)written from a source
	// other than a fresh local write.
	return t.syncContentModTime(path)
}

func (t *LocalTree) syncContentModTime(path string) error {
	info, err := t.work.ReadSidecar(path)
	if err != nil {
		return err
	}
	return t.raw.SetModTime(path, info.LocalLastModified)
}

// RefreshSidecar rewrites path's sidecar with created=false and the given
// remote timestamps, called once a locally-originated write has actually
// been replayed against the remote so CanDelete and the effective-
// timestamp rule stop treating the file as a pending local creation.
func (t *LocalTree) RefreshSidecar(path string, remote worktree.RemoteInfo) error {
	return t.work.RefreshSidecar(path, remote)
}

// CreateDirectory creates a directory at path, succeeding if it already
// exists.
func (t *LocalTree) CreateDirectory(path string) error {
	return t.raw.CreateDir(path)
}

// List returns the direct children of dirPath as LocalFile views, omitting
// the reserved sidecar directory.
func (t *LocalTree) List(dirPath string) ([]*LocalFile, error) {
	nodes, err := t.raw.List(dirPath)
	if err != nil {
		return nil, err
	}
	out := make([]*LocalFile, 0, len(nodes))
	for _, n := range nodes {
		if pathutil.Base(n.Path) == t.sidecarDirName() {
			continue
		}
		out = append(out, t.toLocalFile(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// Delete removes content at path, then its sidecar if present.
func (t *LocalTree) Delete(path string) error {
	if err := t.raw.Delete(path); err != nil {
		return err
	}
	return t.work.DeleteSidecar(path)
}

// DeleteDirectory removes a directory. If it is non-empty the removal is
// delegated to a full recursive delete; otherwise the sidecar directory
// is cleaned up first so the directory itself can be removed cleanly.
func (t *LocalTree) DeleteDirectory(path string) error {
	empty, err := t.raw.IsEmptyDir(path)
	if err != nil {
		return err
	}
	if !empty {
		return t.raw.DeleteDir(path, true)
	}
	sidecarDir := model.JoinPath(path, t.sidecarDirName())
	if err := t.raw.DeleteDir(sidecarDir, true); err != nil && bridgeerr.Of(err) != bridgeerr.KindNotFound {
		return err
	}
	return t.raw.DeleteDir(path, false)
}

// Rename is RenameExt with no new remote info.
func (t *LocalTree) Rename(oldPath, newPath string) (*LocalFile, error) {
	return t.RenameExt(oldPath, newPath, nil)
}

// RenameExt renames content at oldPath to newPath, then reconciles
// sidecars3. When newRemoteInfo is present the renamed
// entry is treated as overwriting a path already known remotely, so it is
// not marked created.
func (t *LocalTree) RenameExt(oldPath, newPath string, newRemoteInfo *worktree.RemoteInfo) (*LocalFile, error) {
	if err := t.raw.Rename(oldPath, newPath); err != nil {
		return nil, err
	}
	if err := t.work.RenameSidecar(oldPath, newPath, newRemoteInfo); err != nil {
		t.log.Warn("sidecar rename failed after content rename", "old", oldPath, "new", newPath, "error", err)
	}
	return t.Open(newPath)
}

// CanDelete is the safe-to-discard-cache predicate
// use during listing eviction.
func (t *LocalTree) CanDelete(f *LocalFile) bool {
	if f.IsDirectory() {
		return true
	}
	if t.isTemp(pathutil.Base(f.Path())) {
		return true
	}
	info := f.CacheInfo()
	if info == nil || info.Created {
		return false
	}
	return info.LocalLastModified.Equal(f.node.LastModifiedAt) && info.RemoteLastModified != nil
}

// Fetch streams remote bytes into w. Implemented by the component that
// knows how to reach the remote (the RQTree's RemoteTree collaborator);
// Download takes one as a parameter rather than depending on RemoteTree
// directly, keeping LocalTree ignorant of transport concerns.
type Fetch func(ctx context.Context, w io.Writer) error

// Download materializes path from the remote: sets the download marker,
// streams fetch into local content, writes a sidecar carrying remote,
// clears the marker (waking any waiters) and returns the resulting
// LocalFile. If another caller is already downloading path, Download
// waits for that download to finish instead of starting a second fetch,
// then opens the content the winning caller just materialized.
func (t *LocalTree) Download(ctx context.Context, path string, remote worktree.RemoteInfo, fetch Fetch) (*LocalFile, error) {
	if t.work.IsDownloading(path) {
		if err := t.work.WaitOnDownload(ctx, path); err != nil {
			return nil, err
		}
		return t.Open(path)
	}

	if err := t.work.SetDownloading(path, true); err != nil {
		return nil, err
	}
	defer func() {
		if err := t.work.SetDownloading(path, false); err != nil {
			t.log.Warn("failed to clear download marker", "path", path, "error", err)
		}
	}()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(fetch(ctx, pw))
	}()

	if err := t.raw.CreateFromReader(path, pr); err != nil {
		return nil, err
	}

	content, err := t.raw.Open(path)
	if err != nil {
		return nil, err
	}
	if err := t.writeSidecarForSource(path, &remote, false); err != nil {
		content.Close()
		return nil, err
	}
	info, _ := t.work.ReadSidecar(path)
	node, err := content.Stat()
	if err != nil {
		content.Close()
		return nil, err
	}
	return &LocalFile{tree: t, path: path, content: content, node: node, info: info}, nil
}
