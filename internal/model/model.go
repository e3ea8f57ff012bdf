// Package model holds the shared data types of the cache-coherence engine:
// paths, node metadata, cache sidecars and queue records.
package model

import "time"

// Method is the abstract mutation replayed by the Processor against the
// remote tree.
type Method string

const (
	MethodPut    Method = "PUT"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"
	MethodMove   Method = "MOVE"
	MethodCopy   Method = "COPY"
)

// NodeInfo describes a file or directory as seen by any of the three trees.
type NodeInfo struct {
	Path            string
	IsDirectory     bool
	Size            int64
	CreatedAt       time.Time
	LastModifiedAt  time.Time
	ReadOnly        bool
}

// CacheInfo is the sidecar recorded for every non-temp, non-directory file
// cached locally.
type CacheInfo struct {
	LocalLastModified time.Time
	RemoteLastModified *time.Time
	RemoteCreated      *time.Time
	Created            bool
	Refreshed          bool
	Synced             time.Time
}

// HasRemote reports whether remote timestamps were ever recorded.
func (c *CacheInfo) HasRemote() bool {
	return c != nil && c.RemoteLastModified != nil
}

// QueueRecord is a pending mutation awaiting replay against the remote.
type QueueRecord struct {
	Method       Method
	Path         string // parent path
	Name         string
	DestPath     string
	DestName     string
	LocalPrefix  string
	RemotePrefix string
	Timestamp    time.Time
	Retries      int
}

// FullPath joins Path and Name with a single slash.
func (r *QueueRecord) FullPath() string {
	return JoinPath(r.Path, r.Name)
}

// DestFullPath joins DestPath and DestName, for MOVE/COPY records.
func (r *QueueRecord) DestFullPath() string {
	if r.DestPath == "" && r.DestName == "" {
		return ""
	}
	return JoinPath(r.DestPath, r.DestName)
}

// JoinPath joins a parent path and a name using POSIX-style separators,
// avoiding a doubled slash when parent is the root.
func JoinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
