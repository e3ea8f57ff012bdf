package queue

const schema = `
CREATE TABLE IF NOT EXISTS request_queue (
	path          TEXT NOT NULL,
	name          TEXT NOT NULL,
	method        TEXT NOT NULL,
	dest_path     TEXT NOT NULL DEFAULT '',
	dest_name     TEXT NOT NULL DEFAULT '',
	local_prefix  TEXT NOT NULL DEFAULT '',
	remote_prefix TEXT NOT NULL DEFAULT '',
	timestamp     INTEGER NOT NULL,
	retries       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (path, name)
);

CREATE INDEX IF NOT EXISTS idx_queue_path ON request_queue(path);
CREATE INDEX IF NOT EXISTS idx_queue_timestamp ON request_queue(timestamp);
`

// row is the sqlx scan target for a request_queue row.
type row struct {
	Path         string `db:"path"`
	Name         string `db:"name"`
	Method       string `db:"method"`
	DestPath     string `db:"dest_path"`
	DestName     string `db:"dest_name"`
	LocalPrefix  string `db:"local_prefix"`
	RemotePrefix string `db:"remote_prefix"`
	Timestamp    int64  `db:"timestamp"`
	Retries      int    `db:"retries"`
}
