package rqtree

import (
	"context"
	"io"

	"github.com/syncbridge/cachebridge/internal/model"
)

// RemoteTree is the out-of-scope collaborator representing the
// remote content repository: RQTree defers to it whenever a path isn't
// satisfied locally, and the Processor replays queued mutations against
// it. Paths passed to a RemoteTree have already been normalized.
type RemoteTree interface {
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (model.NodeInfo, error)
	List(ctx context.Context, dirPath string) ([]model.NodeInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Put(ctx context.Context, path string, r io.Reader) error
	Post(ctx context.Context, path string, r io.Reader) error
	Delete(ctx context.Context, path string) error
	CreateDirectory(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
}
