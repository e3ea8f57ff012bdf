// Package bridge wires the core components (LocalRawStore, WorkTree,
// LocalTree, RemoteTree, RequestQueue, RQTree, Processor) into one
// connect/disconnect lifecycle, the way the teacher's internal/client
// package wires Workspace+Datasite+SyncEngine under one Client.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/syncbridge/cachebridge/internal/config"
	"github.com/syncbridge/cachebridge/internal/events"
	"github.com/syncbridge/cachebridge/internal/localtree"
	"github.com/syncbridge/cachebridge/internal/pathutil"
	"github.com/syncbridge/cachebridge/internal/processor"
	"github.com/syncbridge/cachebridge/internal/queue"
	"github.com/syncbridge/cachebridge/internal/rawstore"
	"github.com/syncbridge/cachebridge/internal/remotetree"
	"github.com/syncbridge/cachebridge/internal/rqtree"
	"github.com/syncbridge/cachebridge/internal/worktree"
)

const sidecarDirName = ".aem"

// ErrWorkspaceLocked is returned by Connect when another process already
// holds the work path's lock file.
var ErrWorkspaceLocked = errors.New("bridge: work path locked by another process")

// Bridge owns the wired component graph for one share instance: the
// process-wide event bus and the session id are its only global mutable
// state, both scoped to one Connect/Disconnect lifecycle.
type Bridge struct {
	cfg       *config.Config
	sessionID string

	Bus   *events.Bus
	Tree  *rqtree.RQTree
	Queue *queue.RequestQueue

	raw   *rawstore.RawStore
	work  *worktree.WorkTree
	local *localtree.LocalTree
	proc  *processor.Processor

	lock *flock.Flock
	log  *slog.Logger
}

// New builds a Bridge from cfg without touching disk or starting any
// goroutine; call Connect to materialize it.
func New(cfg *config.Config, opts ...Option) *Bridge {
	b := &Bridge{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Option configures a Bridge at construction.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.log = l } }

// Connect locks the work path, opens the raw store/work tree/queue, and
// assembles RQTree. It starts the Processor unless cfg.NoProcessor is set.
func (b *Bridge) Connect(ctx context.Context) error {
	b.sessionID = uuid.New().String()

	if err := os.MkdirAll(b.cfg.WorkPath, 0o755); err != nil {
		return fmt.Errorf("bridge: create work path: %w", err)
	}
	if err := os.MkdirAll(b.cfg.LocalPath, 0o755); err != nil {
		return fmt.Errorf("bridge: create local path: %w", err)
	}

	b.lock = flock.New(filepath.Join(b.cfg.WorkPath, "cachebridge.lock"))
	locked, err := b.lock.TryLock()
	if err != nil {
		return fmt.Errorf("bridge: lock work path: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	b.raw, err = rawstore.New(b.cfg.LocalPath)
	if err != nil {
		return b.rollbackLock(fmt.Errorf("bridge: open raw store: %w", err))
	}

	b.work, err = worktree.New(b.raw.Root(), sidecarDirName, b.sessionID)
	if err != nil {
		return b.rollbackLock(fmt.Errorf("bridge: open work tree: %w", err))
	}
	b.local = localtree.New(b.raw, b.work)

	b.Bus = events.NewBus()

	dbPath := filepath.Join(b.cfg.WorkPath, "request-queue.db")
	b.Queue, err = queue.Open(dbPath, b.Bus)
	if err != nil {
		return b.rollbackLock(fmt.Errorf("bridge: open request queue: %w", err))
	}

	remote := remotetree.New(remotetree.Config{
		BaseURL:   b.cfg.RemoteURL,
		AuthToken: b.cfg.RemoteAuthToken,
	})

	norm := pathutil.NewNormalizer(b.cfg.NoUnicodeNormalize)

	b.Tree = rqtree.New(b.local, remote, b.Queue, b.Bus,
		rqtree.WithNormalizer(norm),
		rqtree.WithListCache(2048, b.cfg.ListCacheTTL()),
		rqtree.WithPrewarmRootQueue(b.cfg.PrewarmRootQueue),
		rqtree.WithLogger(b.log),
	)

	b.Bus.Publish(&events.Event{Kind: events.KindRequestQueueInit})

	if !b.cfg.NoProcessor {
		b.proc = processor.New(b.Queue, b.local, remote, b.Bus, processor.Config{
			Frequency:     b.cfg.Frequency(),
			Expiration:    b.cfg.Expiration(),
			MaxRetries:    b.cfg.MaxRetries,
			RetryDelay:    b.cfg.RetryDelay(),
			PurgeInterval: b.cfg.PurgeInterval(),
		}, processor.WithNormalizer(norm), processor.WithLogger(b.log))
		b.proc.Start(ctx)
	}

	b.log.Info("bridge connected", "session", b.sessionID, "local", b.cfg.LocalPath, "work", b.cfg.WorkPath)
	return nil
}

func (b *Bridge) rollbackLock(err error) error {
	_ = b.lock.Unlock()
	return err
}

// Disconnect stops the Processor, invalidates the listing cache, closes
// the queue, and releases the work-path lock.
func (b *Bridge) Disconnect() error {
	if b.proc != nil {
		b.proc.Stop()
	}
	if b.Tree != nil {
		b.Tree.Disconnect()
	}
	if b.Queue != nil {
		if err := b.Queue.Close(); err != nil {
			b.log.Warn("bridge: close queue", "error", err)
		}
	}
	if b.lock != nil && b.lock.Locked() {
		if err := b.lock.Unlock(); err != nil {
			return fmt.Errorf("bridge: unlock work path: %w", err)
		}
		_ = os.Remove(b.lock.Path())
	}
	b.log.Info("bridge disconnected", "session", b.sessionID)
	return nil
}

// SessionID is the current connect lifecycle's opaque identifier.
func (b *Bridge) SessionID() string { return b.sessionID }
