package domain

import "time"

// FileRecord is a single persisted file or folder marker identified by a
// slash-delimited path, unique within its project.
type FileRecord struct {
	ProjectID    string
	Path         string
	Content      string
	IsFolder     bool
	LastModified time.Time
}
