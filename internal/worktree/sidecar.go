package worktree

import "time"

// sidecarJSON is the on-disk representation of a CacheInfo sidecar
//: "D/.aem/<name>.json", UTF-8 JSON with exactly these keys.
type sidecarJSON struct {
	LocalLastModified  time.Time  `json:"local.lastModified"`
	RemoteLastModified *time.Time `json:"remote.lastModified,omitempty"`
	RemoteCreated      *time.Time `json:"remote.created,omitempty"`
	Created            bool       `json:"created"`
	Refreshed          bool       `json:"refreshed"`
	Synced             time.Time  `json:"synced"`
}
