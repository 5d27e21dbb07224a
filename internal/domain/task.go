package domain

// Task describes a single artifact to acquire: a stable identifier from the
// catalog, the source URL as published, and the local destination path.
// Tasks are immutable once created; a retry-only run builds fresh instances
// with the same identifiers.
type Task struct {
	ID          string `json:"id"`
	SourceURL   string `json:"source_url"`
	Destination string `json:"destination"`

	// MinSize overrides the configured size floor for this task.
	// Zero means use the default.
	MinSize int64 `json:"min_size,omitempty"`
}
