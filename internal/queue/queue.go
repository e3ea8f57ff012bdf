// Package queue implements the RequestQueue: a durable,
// collision-free, single-writer record of pending remote mutations, with
// the method-collapsing rules that keep at most one record per
// (parent-path, name).
//
// Grounded on the teacher's SyncJournal (internal/client/sync/sync_journal.go):
// sqlx over a sqlite file opened through internal/db, one row per tracked
// path, atomic single-connection writes. The journal there records
// already-synced state; here the same storage shape instead records
// not-yet-synced mutations, with the collapse table as the added
// reconciliation logic a plain key-value journal doesn't need.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/db"
	"github.com/syncbridge/cachebridge/internal/events"
	"github.com/syncbridge/cachebridge/internal/model"
)

// RequestQueue is the durable store of pending remote mutations.
type RequestQueue struct {
	conn *sqlx.DB
	bus  *events.Bus

	// mu serializes collapse-table evaluation: the read-then-write
	// decision in applyCollapse must be atomic against concurrent callers,
	// which a bare sqlite transaction alone won't give us since the
	// decision branches in Go code between the read and the write.
	mu sync.Mutex
}

// Open opens (creating if necessary) the queue database at dbPath.
func Open(dbPath string, bus *events.Bus) (*RequestQueue, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open request queue: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init request queue schema: %w", err)
	}
	q := &RequestQueue{conn: conn, bus: bus}
	if bus != nil {
		bus.Emit(events.KindRequestQueueInit, "")
	}
	return q, nil
}

// Close closes the underlying database connection.
func (q *RequestQueue) Close() error {
	return q.conn.Close()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func validateName(name string) error {
	if strings.HasPrefix(name, ".") {
		return bridgeerr.New(bridgeerr.KindInvalidName, fmt.Sprintf("forbidden name %q: components may not begin with '.'", name))
	}
	return nil
}

// GetRequests returns every record whose parent path equals parentPath,
// keyed by name.
func (q *RequestQueue) GetRequests(parentPath string) (map[string]model.Method, error) {
	var rows []row
	if err := q.conn.Select(&rows, "SELECT path, name, method, dest_path, dest_name, local_prefix, remote_prefix, timestamp, retries FROM request_queue WHERE path = ?", parentPath); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "get requests", err)
	}
	out := make(map[string]model.Method, len(rows))
	for _, r := range rows {
		out[r.Name] = model.Method(r.Method)
	}
	return out, nil
}

// Exists reports whether a record exists at (parentPath, name).
func (q *RequestQueue) Exists(parentPath, name string) (bool, error) {
	var count int
	if err := q.conn.Get(&count, "SELECT COUNT(*) FROM request_queue WHERE path = ? AND name = ?", parentPath, name); err != nil {
		return false, bridgeerr.Wrap(bridgeerr.KindLocalIO, "check request exists", err)
	}
	return count > 0, nil
}

// get fetches the current record at (path,name), or nil if none.
func (q *RequestQueue) get(path, name string) (*row, error) {
	var r row
	err := q.conn.Get(&r, "SELECT path, name, method, dest_path, dest_name, local_prefix, remote_prefix, timestamp, retries FROM request_queue WHERE path = ? AND name = ?", path, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (q *RequestQueue) insert(path, name string, method model.Method, destPath, destName, localPrefix, remotePrefix string) error {
	_, err := q.conn.Exec(
		`INSERT INTO request_queue (path, name, method, dest_path, dest_name, local_prefix, remote_prefix, timestamp, retries)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		path, name, string(method), destPath, destName, localPrefix, remotePrefix, nowMillis(),
	)
	return err
}

func (q *RequestQueue) updateTimestamp(path, name string) error {
	_, err := q.conn.Exec("UPDATE request_queue SET timestamp = ? WHERE path = ? AND name = ?", nowMillis(), path, name)
	return err
}

func (q *RequestQueue) updateMethod(path, name string, method model.Method) error {
	_, err := q.conn.Exec("UPDATE request_queue SET method = ?, timestamp = ? WHERE path = ? AND name = ?", string(method), nowMillis(), path, name)
	return err
}

func (q *RequestQueue) deleteRow(path, name string) error {
	_, err := q.conn.Exec("DELETE FROM request_queue WHERE path = ? AND name = ?", path, name)
	return err
}

// applyCollapse is the single-location collapse table:
// given the record currently at (path,name) and an incoming method,
// decide whether to insert, update (keep current, bump timestamp), or
// remove-and-possibly-reinsert.
func (q *RequestQueue) applyCollapse(path, name string, incoming model.Method, localPrefix, remotePrefix string) error {
	cur, err := q.get(path, name)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "read queue record", err)
	}

	if cur == nil {
		if err := q.insert(path, name, incoming, "", "", localPrefix, remotePrefix); err != nil {
			return bridgeerr.Wrap(bridgeerr.KindLocalIO, "insert queue record", err)
		}
		q.notifyItem(path, name)
		return nil
	}

	curMethod := model.Method(cur.Method)
	switch curMethod {
	case model.MethodPut:
		switch incoming {
		case model.MethodPut, model.MethodPost:
			if err := q.updateTimestamp(path, name); err != nil {
				return bridgeerr.Wrap(bridgeerr.KindLocalIO, "touch queue record", err)
			}
			q.notifyItem(path, name)
			return nil
		case model.MethodDelete:
			// Never synced: a delete of a pending create just cancels it.
			if err := q.deleteRow(path, name); err != nil {
				return bridgeerr.Wrap(bridgeerr.KindLocalIO, "cancel pending create", err)
			}
			q.notifyItem(path, name)
			return nil
		}

	case model.MethodPost:
		switch incoming {
		case model.MethodPut, model.MethodPost:
			if err := q.updateTimestamp(path, name); err != nil {
				return bridgeerr.Wrap(bridgeerr.KindLocalIO, "touch queue record", err)
			}
			q.notifyItem(path, name)
			return nil
		case model.MethodDelete:
			if err := q.updateMethod(path, name, model.MethodDelete); err != nil {
				return bridgeerr.Wrap(bridgeerr.KindLocalIO, "collapse post to delete", err)
			}
			q.notifyItem(path, name)
			return nil
		}

	case model.MethodDelete:
		switch incoming {
		case model.MethodPut, model.MethodPost:
			// File re-created after a queued delete: the remote copy is
			// known to exist, so the replay must be a POST, not a PUT.
			if err := q.updateMethod(path, name, model.MethodPost); err != nil {
				return bridgeerr.Wrap(bridgeerr.KindLocalIO, "collapse delete to post", err)
			}
			q.notifyItem(path, name)
			return nil
		case model.MethodDelete:
			if err := q.updateTimestamp(path, name); err != nil {
				return bridgeerr.Wrap(bridgeerr.KindLocalIO, "touch queue record", err)
			}
			q.notifyItem(path, name)
			return nil
		}
	}

	return bridgeerr.New(bridgeerr.KindInternalInvariant, fmt.Sprintf("unreachable collapse case: cur=%s incoming=%s", curMethod, incoming))
}

// QueueRequest enqueues method at (path,name), applying the collapse
// table. localPrefix/remotePrefix let the Processor resolve local
// content and the remote URL; they are only consulted when a fresh
// record is inserted.
func (q *RequestQueue) QueueRequest(method model.Method, path, name, localPrefix, remotePrefix string) error {
	if err := validateName(name); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applyCollapse(path, name, method, localPrefix, remotePrefix)
}

// QueueMove enqueues a MOVE: a DELETE collapse at the source followed by
// a PUT-or-POST collapse at the destination (replace selects POST),
//1's "MOVE overall" rule.
func (q *RequestQueue) QueueMove(srcPath, srcName, destPath, destName, localPrefix, remotePrefix string, replace bool) error {
	if err := validateName(srcName); err != nil {
		return err
	}
	if err := validateName(destName); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.applyCollapse(srcPath, srcName, model.MethodDelete, localPrefix, remotePrefix); err != nil {
		return err
	}

	destMethod := model.MethodPut
	if replace {
		destMethod = model.MethodPost
	}
	if err := q.applyCollapse(destPath, destName, destMethod, localPrefix, remotePrefix); err != nil {
		return err
	}

	if q.bus != nil {
		q.bus.Emit(events.KindPathUpdated, srcPath)
		q.bus.Emit(events.KindPathUpdated, destPath)
	}
	return nil
}

// QueueCopy enqueues a COPY: a PUT-or-POST collapse at the destination
// only.
func (q *RequestQueue) QueueCopy(destPath, destName, localPrefix, remotePrefix string, replace bool) error {
	if err := validateName(destName); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	destMethod := model.MethodPut
	if replace {
		destMethod = model.MethodPost
	}
	return q.applyCollapse(destPath, destName, destMethod, localPrefix, remotePrefix)
}

// GetProcessRequest returns the oldest record eligible for processing:
// timestamp <= now-olderThan and retries < maxRetries, excluding any full
// path in excludePaths (records a bounded worker pool already has
// in-flight). Returns nil, nil if none are eligible.
func (q *RequestQueue) GetProcessRequest(olderThan time.Duration, maxRetries int, excludePaths ...string) (*model.QueueRecord, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()

	query := `SELECT path, name, method, dest_path, dest_name, local_prefix, remote_prefix, timestamp, retries
		 FROM request_queue
		 WHERE timestamp <= ? AND retries < ?`
	args := []any{threshold, maxRetries}
	for _, p := range excludePaths {
		query += " AND (CASE WHEN path = '/' THEN '/' || name ELSE path || '/' || name END) != ?"
		args = append(args, p)
	}
	query += " ORDER BY timestamp ASC LIMIT 1"

	var rows []row
	if err := q.conn.Select(&rows, query, args...); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "get process request", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return toRecord(rows[0]), nil
}

func toRecord(r row) *model.QueueRecord {
	return &model.QueueRecord{
		Method:       model.Method(r.Method),
		Path:         r.Path,
		Name:         r.Name,
		DestPath:     r.DestPath,
		DestName:     r.DestName,
		LocalPrefix:  r.LocalPrefix,
		RemotePrefix: r.RemotePrefix,
		Timestamp:    time.UnixMilli(r.Timestamp),
		Retries:      r.Retries,
	}
}

// IncrementRetryCount bumps retries and stamps timestamp = now + delay,
//1.
func (q *RequestQueue) IncrementRetryCount(path, name string, delay time.Duration) error {
	next := time.Now().Add(delay).UnixMilli()
	res, err := q.conn.Exec("UPDATE request_queue SET retries = retries + 1, timestamp = ? WHERE path = ? AND name = ?", next, path, name)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "increment retry count", err)
	}
	return requireSingleRow(res)
}

// CompleteRequest erases the record at (path,name) after a successful
// replay. Unlike RemoveRequest it does not emit itemupdated: the
// Processor's own syncend event already communicates completion.
func (q *RequestQueue) CompleteRequest(path, name string) error {
	_, err := q.conn.Exec("DELETE FROM request_queue WHERE path = ? AND name = ?", path, name)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "complete request", err)
	}
	return nil
}

// RemoveRequest erases the record at (path,name) and emits itemupdated.
// Exactly one row must be affected; any other count is an
// InternalInvariant.
func (q *RequestQueue) RemoveRequest(path, name string) error {
	res, err := q.conn.Exec("DELETE FROM request_queue WHERE path = ? AND name = ?", path, name)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "remove request", err)
	}
	if err := requireSingleRow(res); err != nil {
		return err
	}
	q.notifyItem(path, name)
	return nil
}

func requireSingleRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "count affected rows", err)
	}
	if n != 1 {
		return bridgeerr.New(bridgeerr.KindInternalInvariant, fmt.Sprintf("expected exactly 1 affected row, got %d", n))
	}
	return nil
}

// PurgeFailedRequests deletes and returns the full paths of every record
// with retries >= maxRetries.
func (q *RequestQueue) PurgeFailedRequests(maxRetries int) ([]string, error) {
	var rows []row
	if err := q.conn.Select(&rows, "SELECT path, name, method, dest_path, dest_name, local_prefix, remote_prefix, timestamp, retries FROM request_queue WHERE retries >= ?", maxRetries); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "select failed requests", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	paths := make([]string, 0, len(rows))
	for _, r := range rows {
		paths = append(paths, model.JoinPath(r.Path, r.Name))
	}

	if _, err := q.conn.Exec("DELETE FROM request_queue WHERE retries >= ?", maxRetries); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindLocalIO, "delete failed requests", err)
	}

	sort.Strings(paths)
	if q.bus != nil {
		q.bus.Publish(&events.Event{Kind: events.KindSyncPurged, Files: paths})
	}
	return paths, nil
}

// UpdatePath rewrites every record whose parent path equals oldParent or
// begins with oldParent + "/" to newParent, resetting timestamp to now,
//1 (used when a directory is renamed).
func (q *RequestQueue) UpdatePath(oldParent, newParent string) error {
	var rows []row
	prefix := oldParent + "/"
	if err := q.conn.Select(&rows, "SELECT path, name, method, dest_path, dest_name, local_prefix, remote_prefix, timestamp, retries FROM request_queue WHERE path = ? OR path LIKE ? ESCAPE '\\'", oldParent, escapeLike(prefix)+"%"); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "select paths for rename", err)
	}

	tx, err := q.conn.Beginx()
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "begin rename tx", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	for _, r := range rows {
		rewritten := newParent + strings.TrimPrefix(r.Path, oldParent)
		if _, err := tx.Exec("UPDATE request_queue SET path = ?, timestamp = ? WHERE path = ? AND name = ?", rewritten, now, r.Path, r.Name); err != nil {
			return bridgeerr.Wrap(bridgeerr.KindLocalIO, "rewrite queue path", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "commit rename tx", err)
	}

	if q.bus != nil && len(rows) > 0 {
		q.bus.Emit(events.KindPathUpdated, newParent)
	}
	return nil
}

// RemovePath deletes every record whose parent path equals parent or
// begins with parent + "/".1.
func (q *RequestQueue) RemovePath(parent string) error {
	prefix := parent + "/"
	_, err := q.conn.Exec("DELETE FROM request_queue WHERE path = ? OR path LIKE ? ESCAPE '\\'", parent, escapeLike(prefix)+"%")
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindLocalIO, "remove path", err)
	}
	return nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func (q *RequestQueue) notifyItem(path, name string) {
	if q.bus == nil {
		return
	}
	q.bus.Emit(events.KindItemUpdated, model.JoinPath(path, name))
}
