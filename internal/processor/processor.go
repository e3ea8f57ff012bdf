// Package processor implements the Processor: a
// long-running drain of the RequestQueue against the remote, with
// retries, a purge sweep, and progress events on the shared bus.
//
// Grounded on the teacher's SyncEngine (internal/client/sync/sync_engine.go):
// a timer-driven background loop started/stopped with a context and a
// sync.WaitGroup, one goroutine per concern (here: poll loop, purge
// sweep). The bounded dispatch pool is new relative to the teacher's
// single-flight engine, generalized from its UploadRegistry's per-upload
// goroutine-plus-cancel shape (upload_registry.go) to a queue-record-keyed
// pool bounded by golang.org/x/sync/errgroup.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/events"
	"github.com/syncbridge/cachebridge/internal/localtree"
	"github.com/syncbridge/cachebridge/internal/model"
	"github.com/syncbridge/cachebridge/internal/pathutil"
	"github.com/syncbridge/cachebridge/internal/queue"
	"github.com/syncbridge/cachebridge/internal/worktree"
)

// RemoteWriter is the narrow remote-tree surface the Processor replays
// queued mutations against. Any RemoteTree
// implementation satisfies this structurally.
type RemoteWriter interface {
	Stat(ctx context.Context, path string) (model.NodeInfo, error)
	Put(ctx context.Context, path string, r io.Reader) error
	Post(ctx context.Context, path string, r io.Reader) error
	Delete(ctx context.Context, path string) error
}

// Config holds the Processor's numeric knobs.
type Config struct {
	// Frequency is the poll interval between getProcessRequest attempts.
	Frequency time.Duration
	// Expiration is the age a record must reach before it is eligible.
	Expiration time.Duration
	// MaxRetries bounds retry attempts before a record is purge-eligible.
	MaxRetries int
	// RetryDelay is the base backoff delay; actual delay grows with the
	// record's retry count (see backoff), capped at MaxRetryDelay.
	RetryDelay time.Duration
	// MaxRetryDelay caps the computed backoff delay. Zero disables the cap.
	MaxRetryDelay time.Duration
	// PurgeInterval is the period between purgeFailedRequests sweeps.
	PurgeInterval time.Duration
	// Concurrency bounds the number of queue records replayed at once.
	Concurrency int
	// NetworkTimeout bounds each individual remote call.
	NetworkTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Frequency <= 0 {
		c.Frequency = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = 30 * time.Second
	}
	return c
}

// Processor drains the RequestQueue against remote.
type Processor struct {
	queue  *queue.RequestQueue
	local  *localtree.LocalTree
	remote RemoteWriter
	bus    *events.Bus
	norm   *pathutil.Normalizer
	cfg    Config
	log    *slog.Logger

	mu       sync.Mutex
	inFlight mapset.Set[string]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Processor at construction.
type Option func(*Processor)

func WithNormalizer(n *pathutil.Normalizer) Option { return func(p *Processor) { p.norm = n } }
func WithLogger(l *slog.Logger) Option             { return func(p *Processor) { p.log = l } }

// New builds a Processor. remotePrefix-qualified paths are resolved from
// each queue record's own RemotePrefix field.
func New(q *queue.RequestQueue, local *localtree.LocalTree, remote RemoteWriter, bus *events.Bus, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		queue:    q,
		local:    local,
		remote:   remote,
		bus:      bus,
		norm:     pathutil.NewNormalizer(false),
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		inFlight: mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll and purge loops. It returns immediately; Stop
// must be called to shut them down.
func (p *Processor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(runCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.purgeLoop(runCtx)
	}()
}

// Stop signals both loops and waits for in-flight operations to finish
// (best-effort cooperative cancellation
// rule: a canceled operation leaves its queue record in place with its
// retries unchanged).
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Frequency)
	defer ticker.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = group.Wait()
			return
		case <-ticker.C:
			p.drainTick(groupCtx, group)
		}
	}
}

// drainTick dispatches as many eligible, not-already-in-flight records as
// the bounded pool has room for. Group.Go blocks the caller once the
// concurrency limit is reached, which throttles how fast this drains the
// queue without ever exceeding cfg.Concurrency in-flight operations.
func (p *Processor) drainTick(ctx context.Context, group *errgroup.Group) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		excluded := p.inFlight.ToSlice()
		p.mu.Unlock()

		rec, err := p.queue.GetProcessRequest(p.cfg.Expiration, p.cfg.MaxRetries, excluded...)
		if err != nil {
			p.log.Warn("get process request failed", "error", err)
			return
		}
		if rec == nil {
			return
		}

		path := rec.FullPath()
		p.mu.Lock()
		p.inFlight.Add(path)
		p.mu.Unlock()

		group.Go(func() error {
			defer func() {
				p.mu.Lock()
				p.inFlight.Remove(path)
				p.mu.Unlock()
			}()
			p.processOne(ctx, rec)
			return nil
		})
	}
}

func (p *Processor) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := p.queue.PurgeFailedRequests(p.cfg.MaxRetries)
			if err != nil {
				p.log.Warn("purge failed requests", "error", err)
				continue
			}
			if len(purged) > 0 {
				p.log.Info("purged failed requests", "count", len(purged))
			}
		}
	}
}

// backoff computes the retry delay for a record that has already failed
// retries times: the configured base delay scaled by the attempt count,
// capped at MaxRetryDelay, so a record that keeps failing is retried less
// often. No jitter is added: records with equal retry counts get equal
// delays.
func (p *Processor) backoff(retries int) time.Duration {
	delay := p.cfg.RetryDelay * time.Duration(1+retries)
	if p.cfg.MaxRetryDelay > 0 && delay > p.cfg.MaxRetryDelay {
		delay = p.cfg.MaxRetryDelay
	}
	return delay
}

func (p *Processor) processOne(ctx context.Context, rec *model.QueueRecord) {
	path := rec.FullPath()
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.NetworkTimeout)
	defer cancel()

	p.bus.Publish(&events.Event{Kind: events.KindSyncFileStart, Path: path, Method: string(rec.Method)})

	err := p.execute(opCtx, rec)

	if err == nil {
		if err := p.queue.CompleteRequest(rec.Path, rec.Name); err != nil {
			p.log.Warn("complete request failed", "path", path, "error", err)
		}
		p.bus.Publish(&events.Event{Kind: events.KindSyncFileEnd, Path: path, Method: string(rec.Method)})
		return
	}

	if errors.Is(opCtx.Err(), context.Canceled) {
		p.bus.Publish(&events.Event{Kind: events.KindSyncFileAbort, Path: path, Method: string(rec.Method), Err: err})
		return
	}

	delay := p.backoff(rec.Retries)
	if incErr := p.queue.IncrementRetryCount(rec.Path, rec.Name, delay); incErr != nil {
		p.log.Warn("increment retry count failed", "path", path, "error", incErr)
	}

	if bridgeerr.Retryable(err) {
		p.bus.Publish(&events.Event{Kind: events.KindSyncErr, Path: path, Method: string(rec.Method), Err: err, Retries: rec.Retries + 1})
	} else {
		p.bus.Publish(&events.Event{Kind: events.KindSyncFileErr, Path: path, Method: string(rec.Method), Err: err, Retries: rec.Retries + 1})
	}
}

func (p *Processor) execute(ctx context.Context, rec *model.QueueRecord) error {
	remotePath := rec.RemotePrefix + p.norm.Normalize(rec.FullPath())

	switch rec.Method {
	case model.MethodPut, model.MethodPost:
		lf, err := p.local.Open(rec.FullPath())
		if err != nil {
			return err
		}
		defer lf.Close()

		if rec.Method == model.MethodPut {
			err = p.remote.Put(ctx, remotePath, lf)
		} else {
			err = p.remote.Post(ctx, remotePath, lf)
		}
		if err != nil {
			return err
		}
		return p.refreshSidecar(ctx, rec.FullPath(), remotePath)

	case model.MethodDelete:
		return p.remote.Delete(ctx, remotePath)

	default:
		return bridgeerr.New(bridgeerr.KindInternalInvariant, fmt.Sprintf("queue record with non-replayable method %q", rec.Method))
	}
}

// refreshSidecar re-stats the just-written remote path and rewrites the
// local sidecar with the resulting timestamps, so a file that has synced
// stops being reported as a pending local creation by CanDelete and the
// effective-timestamp rule.
func (p *Processor) refreshSidecar(ctx context.Context, localPath, remotePath string) error {
	node, err := p.remote.Stat(ctx, remotePath)
	if err != nil {
		return err
	}
	return p.local.RefreshSidecar(localPath, worktree.RemoteInfo{
		LastModified: node.LastModifiedAt,
		Created:      node.CreatedAt,
	})
}
