package domain

import "time"

// Deployment captures a single deployment attempt. SnapshotTaken records
// whether a file snapshot was captured at trigger time; rollback is only
// possible when it was.
type Deployment struct {
	ID            string
	ProjectID     string
	Status        string
	BuildLogs     string
	LiveURL       string
	Error         string
	SnapshotTaken bool
	CreatedAt     time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
// LogChunk is appended to the stored build logs rather than replacing them.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	LogChunk     string
	LiveURL      string
	Error        string
	CompletedAt  *time.Time
}
