// Package worktree implements the WorkTree / MetadataStore: the
// sidecar CacheInfo co-located with each cached file under a
// reserved sibling directory, transient session-scoped DownloadMarkers,
// and the download-waiter coordination protocol.
//
// This package implements the more recent variant: sidecars under a
// sibling reserved directory (parent/.aem/<name>.json) rather than
// co-located under a separately rooted work tree.
//
// Grounded on the teacher's own metadata/marker handling style: plain
// os/filepath + encoding/json (as in internal/client/config's
// Config.Save/LoadFromReader), and the waiter-list pattern of
// upload_registry.go generalized from upload progress to "download in
// progress".
package worktree

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/model"
	"github.com/syncbridge/cachebridge/internal/pathutil"
)

// DefaultSidecarDirName is the suggested reserved directory name.
const DefaultSidecarDirName = ".aem"

// RemoteInfo carries the remote timestamps recorded into a sidecar when a
// file is cached from or synchronized against the remote.
type RemoteInfo struct {
	LastModified time.Time
	Created      time.Time
}

// WorkTree owns every sidecar and transient marker under root.
type WorkTree struct {
	root       string
	sidecarDir string
	sessionID  string

	waitersMu sync.Mutex
	waiters   map[string][]chan struct{}
}

// New creates a WorkTree rooted at root (the same filesystem root the
// LocalRawStore mirrors), using sidecarDirName (DefaultSidecarDirName if
// empty) as the reserved sibling directory name, tagging any
// DownloadMarker it creates with sessionID.
//
// New also sweeps stale DownloadMarkers left by a different session id —
// the crash-safety behavior described below ("markers from earlier
// processes are treated as nonexistent"); sweeping them is not required
// for correctness (IsDownloading already ignores them) but keeps the
// cache tree tidy across restarts.
func New(root, sidecarDirName, sessionID string) (*WorkTree, error) {
	if sidecarDirName == "" {
		sidecarDirName = DefaultSidecarDirName
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "resolve worktree root", err)
	}
	wt := &WorkTree{
		root:       abs,
		sidecarDir: sidecarDirName,
		sessionID:  sessionID,
		waiters:    make(map[string][]chan struct{}),
	}
	wt.sweepStaleMarkers()
	return wt, nil
}

// SidecarDirName returns the reserved directory name, so other trees can
// skip it when listing.
func (w *WorkTree) SidecarDirName() string { return w.sidecarDir }

func (w *WorkTree) sidecarPath(path string) string {
	dir := pathutil.Dir(path)
	name := pathutil.Base(path)
	return filepath.Join(w.root, filepath.FromSlash(strings.TrimPrefix(dir, "/")), w.sidecarDir, name+".json")
}

func (w *WorkTree) markerPath(path, sessionID string) string {
	dir := pathutil.Dir(path)
	name := pathutil.Base(path)
	return filepath.Join(w.root, filepath.FromSlash(strings.TrimPrefix(dir, "/")), w.sidecarDir, fmt.Sprintf("%s.%s.downloading", name, sessionID))
}

// exists reports whether a sidecar file is present at path.
func (w *WorkTree) exists(path string) bool {
	_, err := os.Stat(w.sidecarPath(path))
	return err == nil
}

func toJSON(info *model.CacheInfo) sidecarJSON {
	return sidecarJSON{
		LocalLastModified:  info.LocalLastModified,
		RemoteLastModified: info.RemoteLastModified,
		RemoteCreated:      info.RemoteCreated,
		Created:            info.Created,
		Refreshed:          info.Refreshed,
		Synced:             info.Synced,
	}
}

func fromJSON(j sidecarJSON) *model.CacheInfo {
	return &model.CacheInfo{
		LocalLastModified:  j.LocalLastModified,
		RemoteLastModified: j.RemoteLastModified,
		RemoteCreated:      j.RemoteCreated,
		Created:            j.Created,
		Refreshed:          j.Refreshed,
		Synced:             j.Synced,
	}
}

func (w *WorkTree) writeSidecar(path string, info *model.CacheInfo) error {
	sp := w.sidecarPath(path)
	if err := os.MkdirAll(filepath.Dir(sp), 0o755); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "create sidecar directory", err)
	}
	data, err := json.Marshal(toJSON(info))
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "marshal sidecar", err)
	}
	if err := os.WriteFile(sp, data, 0o644); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "write sidecar", err)
	}
	return nil
}

// CreateSidecar writes a new sidecar at path. It fails with AlreadyExists
// if one is already present, unless createdLocally is true (then it
// overwrites).
func (w *WorkTree) CreateSidecar(path string, createdLocally bool, remote *RemoteInfo, refreshed bool) error {
	if w.exists(path) && !createdLocally {
		return bridgeerr.New(bridgeerr.KindAlreadyExists, fmt.Sprintf("sidecar already exists at %s", path))
	}

	now := time.Now()
	info := &model.CacheInfo{
		LocalLastModified: now,
		Created:           createdLocally,
		Refreshed:         refreshed,
		Synced:            now,
	}
	if remote != nil {
		rlm := remote.LastModified
		rc := remote.Created
		info.RemoteLastModified = &rlm
		info.RemoteCreated = &rc
	}
	return w.writeSidecar(path, info)
}

// ReadSidecar reads the CacheInfo at path.
func (w *WorkTree) ReadSidecar(path string) (*model.CacheInfo, error) {
	data, err := os.ReadFile(w.sidecarPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bridgeerr.New(bridgeerr.KindNotFound, fmt.Sprintf("no sidecar at %s", path))
		}
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "read sidecar", err)
	}
	var j sidecarJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "unmarshal sidecar", err)
	}
	return fromJSON(j), nil
}

// RefreshSidecar rewrites the sidecar at path with created=false,
// refreshed=true and the given remote timestamps — used
// when the cache info is replaced while the file is still present
// locally, so lastModified semantics stay stable across the refresh.
func (w *WorkTree) RefreshSidecar(path string, remote RemoteInfo) error {
	now := time.Now()
	rlm := remote.LastModified
	rc := remote.Created
	info := &model.CacheInfo{
		LocalLastModified:  now,
		RemoteLastModified: &rlm,
		RemoteCreated:      &rc,
		Created:            false,
		Refreshed:          true,
		Synced:             now,
	}
	return w.writeSidecar(path, info)
}

// DeleteSidecar removes the sidecar at path, if present.
func (w *WorkTree) DeleteSidecar(path string) error {
	if err := os.Remove(w.sidecarPath(path)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "delete sidecar", err)
	}
	return nil
}

// RenameSidecar moves the sidecar at oldPath to newPath. Following the
// renameExt rationale: when newRemote is provided the entry at
// newPath is a file now known to exist remotely, so created is forced to
// false, overriding whatever createdLocally value the just-renamed
// content would otherwise carry.
func (w *WorkTree) RenameSidecar(oldPath, newPath string, newRemote *RemoteInfo) error {
	old, err := w.ReadSidecar(oldPath)
	if err != nil {
		return err
	}

	// Delete new's sidecar first, if one exists, then old's.
	if w.exists(newPath) {
		if err := w.DeleteSidecar(newPath); err != nil {
			return err
		}
	}
	if err := w.DeleteSidecar(oldPath); err != nil {
		return err
	}

	created := old.Created
	var remoteLM, remoteC *time.Time
	if newRemote != nil {
		created = false
		lm := newRemote.LastModified
		c := newRemote.Created
		remoteLM, remoteC = &lm, &c
	} else {
		remoteLM, remoteC = old.RemoteLastModified, old.RemoteCreated
	}

	now := time.Now()
	next := &model.CacheInfo{
		LocalLastModified:  now,
		RemoteLastModified: remoteLM,
		RemoteCreated:      remoteC,
		Created:            created,
		Refreshed:          old.Refreshed,
		Synced:             now,
	}
	return w.writeSidecar(newPath, next)
}

// IsCreatedLocally reports the sidecar's created flag at path, false if
// no sidecar exists (e.g. it was repaired away, or never written).
func (w *WorkTree) IsCreatedLocally(path string) bool {
	info, err := w.ReadSidecar(path)
	if err != nil {
		return false
	}
	return info.Created
}

// EffectiveLastModified implements the effective-timestamp
// rule: if a remote timestamp exists, the file was not created locally,
// the content's lastModified equals the sidecar's local.lastModified
// (unmodified since cache), the remote timestamp is older than the
// content's, and refreshed is false, report remote.lastModified;
// otherwise report the content's own lastModified.
func EffectiveLastModified(info *model.CacheInfo, contentLastModified time.Time) time.Time {
	if info == nil {
		return contentLastModified
	}
	if info.RemoteLastModified != nil &&
		!info.Created &&
		info.LocalLastModified.Equal(contentLastModified) &&
		info.RemoteLastModified.Before(contentLastModified) &&
		!info.Refreshed {
		return *info.RemoteLastModified
	}
	return contentLastModified
}

// --- Download markers & waiters ---

// SetDownloading toggles the DownloadMarker at path. Turning it off
// deletes the marker and wakes every waiter registered for path, FIFO.
func (w *WorkTree) SetDownloading(path string, downloading bool) error {
	if downloading {
		mp := w.markerPath(path, w.sessionID)
		if err := os.MkdirAll(filepath.Dir(mp), 0o755); err != nil {
			return bridgeerr.Wrap(bridgeerr.KindLocalIO, "create marker directory", err)
		}
		f, err := os.OpenFile(mp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return bridgeerr.Wrap(bridgeerr.KindLocalIO, "create download marker", err)
		}
		return f.Close()
	}

	mp := w.markerPath(path, w.sessionID)
	if err := os.Remove(mp); err != nil && !os.IsNotExist(err) {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "clear download marker", err)
	}
	w.wakeWaiters(path)
	return nil
}

// IsDownloading reports whether a marker tagged with this process's
// session id exists at path. Markers left by a prior process (a
// different session id) are treated as nonexistent.
func (w *WorkTree) IsDownloading(path string) bool {
	_, err := os.Stat(w.markerPath(path, w.sessionID))
	return err == nil
}

// WaitOnDownload blocks until no DownloadMarker (of this session) is
// present at path, or ctx is done. It is a no-op if no download is
// currently in progress.
func (w *WorkTree) WaitOnDownload(ctx context.Context, path string) error {
	if !w.IsDownloading(path) {
		return nil
	}

	ch := make(chan struct{})
	w.waitersMu.Lock()
	w.waiters[path] = append(w.waiters[path], ch)
	w.waitersMu.Unlock()

	// Re-check after registering: SetDownloading(false) may have raced
	// ahead of us between IsDownloading and the registration above.
	if !w.IsDownloading(path) {
		w.wakeWaiters(path)
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WorkTree) wakeWaiters(path string) {
	w.waitersMu.Lock()
	chans := w.waiters[path]
	delete(w.waiters, path)
	w.waitersMu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// sweepStaleMarkers deletes download markers left by a process other
// than this one. Best-effort: a failure just leaves the stale marker in
// place, which IsDownloading already treats as nonexistent.
func (w *WorkTree) sweepStaleMarkers() {
	_ = filepath.Walk(w.root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if filepath.Base(filepath.Dir(p)) != w.sidecarDir {
			return nil
		}
		name := info.Name()
		if !strings.HasSuffix(name, ".downloading") {
			return nil
		}
		if strings.Contains(name, "."+w.sessionID+".downloading") {
			return nil
		}
		_ = os.Remove(p)
		return nil
	})
}
