package repository

import (
	"context"

	"github.com/marqly/studio/internal/domain"
)

// FileRepository persists workspace file records.
type FileRepository interface {
	ListFiles(ctx context.Context, projectID string) ([]domain.FileRecord, error)
	GetFile(ctx context.Context, projectID, path string) (*domain.FileRecord, error)
	CreateFile(ctx context.Context, record *domain.FileRecord) error
	UpdateFileContent(ctx context.Context, projectID, path, content string) error
	// RenamePath moves a file, or a folder together with every descendant,
	// in a single transaction. Either the whole rename lands or none of it.
	RenamePath(ctx context.Context, projectID, oldPath, newPath string) error
	// DeletePath removes a file, or a folder together with every descendant,
	// in a single transaction. Returns the number of records removed.
	DeletePath(ctx context.Context, projectID, path string) (int, error)
}

// DeploymentRepository stores deployment history and file snapshots.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// SnapshotFiles copies the project's current file records under the
	// deployment, so a later rollback can restore exactly what was deployed.
	SnapshotFiles(ctx context.Context, deploymentID, projectID string) error
	// RestoreSnapshot replaces the project's file records with the snapshot
	// taken for the deployment, in a single transaction.
	RestoreSnapshot(ctx context.Context, deploymentID, projectID string) error
}
