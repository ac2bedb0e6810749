package db

// Schema defines the SQLite schema for the push history. One row per
// invocation, keyed by the session id.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    device_host TEXT NOT NULL,
    image_source TEXT NOT NULL,
    image_size INTEGER NOT NULL,
    image_md5 TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'serving', 'inviting', 'awaiting', 'completed', 'failed', 'timed_out')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_device_host ON sessions(device_host);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// Status constants
const (
	StatusPending   = "pending"
	StatusServing   = "serving"
	StatusInviting  = "inviting"
	StatusAwaiting  = "awaiting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Session is one firmware push.
type Session struct {
	ID           string
	DeviceHost   string
	ImageSource  string
	ImageSize    int64
	ImageMD5     string
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Terminal reports whether status ends a session.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}
