package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marqly/studio/internal/domain"
	"github.com/marqly/studio/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.FileRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// escapeLikePattern neutralizes LIKE metacharacters so a stored path is
// matched literally. Paths may legitimately contain % and _.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// ListFiles returns every file record in the project.
func (r *Repository) ListFiles(ctx context.Context, projectID string) ([]domain.FileRecord, error) {
	const query = `SELECT project_id, path, content, is_folder, last_modified
		FROM files WHERE project_id = $1 ORDER BY path`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.FileRecord
	for rows.Next() {
		var f domain.FileRecord
		if err := rows.Scan(&f.ProjectID, &f.Path, &f.Content, &f.IsFolder, &f.LastModified); err != nil {
			return nil, err
		}
		records = append(records, f)
	}
	return records, rows.Err()
}

// GetFile fetches a single file record by path.
func (r *Repository) GetFile(ctx context.Context, projectID, path string) (*domain.FileRecord, error) {
	const query = `SELECT project_id, path, content, is_folder, last_modified
		FROM files WHERE project_id = $1 AND path = $2`
	row := r.pool.QueryRow(ctx, query, projectID, path)
	var f domain.FileRecord
	if err := row.Scan(&f.ProjectID, &f.Path, &f.Content, &f.IsFolder, &f.LastModified); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// CreateFile inserts a file record.
func (r *Repository) CreateFile(ctx context.Context, record *domain.FileRecord) error {
	const query = `INSERT INTO files (project_id, path, content, is_folder, last_modified)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, record.ProjectID, record.Path, record.Content, record.IsFolder, record.LastModified)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// UpdateFileContent replaces the stored content and bumps last_modified.
func (r *Repository) UpdateFileContent(ctx context.Context, projectID, path, content string) error {
	const query = `UPDATE files SET content = $3, last_modified = now()
		WHERE project_id = $1 AND path = $2 AND is_folder = false`
	tag, err := r.pool.Exec(ctx, query, projectID, path, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RenamePath moves a single file or an entire folder subtree atomically.
func (r *Repository) RenamePath(ctx context.Context, projectID, oldPath, newPath string) error {
	if strings.TrimSpace(oldPath) == "" || strings.TrimSpace(newPath) == "" {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var isFolder bool
	row := tx.QueryRow(ctx, `SELECT is_folder FROM files WHERE project_id = $1 AND path = $2 FOR UPDATE`, projectID, oldPath)
	if err := row.Scan(&isFolder); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}

	var exists bool
	row = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM files WHERE project_id = $1 AND path = $2)`, projectID, newPath)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists {
		return repository.ErrConflict
	}

	if _, err := tx.Exec(ctx, `UPDATE files SET path = $3, last_modified = now()
		WHERE project_id = $1 AND path = $2`, projectID, oldPath, newPath); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	if isFolder {
		prefix := oldPath + "/"
		if _, err := tx.Exec(ctx, `UPDATE files
			SET path = $3 || substring(path FROM char_length($2) + 1), last_modified = now()
			WHERE project_id = $1 AND path LIKE $4 ESCAPE '\'`,
			projectID, prefix, newPath+"/", escapeLikePattern(prefix)+"%"); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrConflict
			}
			return err
		}
	}
	return tx.Commit(ctx)
}

// DeletePath removes a file, or a folder plus all descendants, atomically.
func (r *Repository) DeletePath(ctx context.Context, projectID, path string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var isFolder bool
	row := tx.QueryRow(ctx, `SELECT is_folder FROM files WHERE project_id = $1 AND path = $2 FOR UPDATE`, projectID, path)
	if err := row.Scan(&isFolder); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}

	removed := 0
	tag, err := tx.Exec(ctx, `DELETE FROM files WHERE project_id = $1 AND path = $2`, projectID, path)
	if err != nil {
		return 0, err
	}
	removed += int(tag.RowsAffected())
	if isFolder {
		tag, err := tx.Exec(ctx, `DELETE FROM files WHERE project_id = $1 AND path LIKE $2 ESCAPE '\'`,
			projectID, escapeLikePattern(path+"/")+"%")
		if err != nil {
			return 0, err
		}
		removed += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, build_logs, live_url, error, created_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.ProjectID, deployment.Status, deployment.BuildLogs,
		deployment.LiveURL, deployment.Error, deployment.CreatedAt, deployment.CompletedAt, deployment.UpdatedAt)
	return err
}

// UpdateDeploymentStatus applies a status update, appending any log chunk.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
			status = $2,
			build_logs = build_logs || $3,
			live_url = CASE WHEN $4 <> '' THEN $4 ELSE live_url END,
			error = CASE WHEN $5 <> '' THEN $5 ELSE error END,
			completed_at = COALESCE($6, completed_at),
			updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Status, update.LogChunk, update.LiveURL, update.Error, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID returns a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, build_logs, live_url, error, snapshot_taken, created_at, completed_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.BuildLogs, &d.LiveURL, &d.Error, &d.SnapshotTaken, &d.CreatedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByProject returns recent deployments, most recent first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, project_id, status, build_logs, live_url, error, snapshot_taken, created_at, completed_at, updated_at
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Status, &d.BuildLogs, &d.LiveURL, &d.Error, &d.SnapshotTaken, &d.CreatedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// SnapshotFiles copies the project's current files under the deployment and
// records that a snapshot exists. The marker makes an empty project's
// snapshot distinguishable from a snapshot that was never taken.
func (r *Repository) SnapshotFiles(ctx context.Context, deploymentID, projectID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO deployment_files (deployment_id, path, content, is_folder, last_modified)
		SELECT $1, path, content, is_folder, last_modified FROM files WHERE project_id = $2`,
		deploymentID, projectID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE deployments SET snapshot_taken = true WHERE id = $1`, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// RestoreSnapshot replaces the project's files with a deployment snapshot.
func (r *Repository) RestoreSnapshot(ctx context.Context, deploymentID, projectID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var taken bool
	row := tx.QueryRow(ctx, `SELECT snapshot_taken FROM deployments WHERE id = $1`, deploymentID)
	if err := row.Scan(&taken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if !taken {
		return fmt.Errorf("%w: no file snapshot recorded for deployment %s", repository.ErrInvalidArgument, deploymentID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM files WHERE project_id = $1`, projectID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO files (project_id, path, content, is_folder, last_modified)
		SELECT $1, path, content, is_folder, last_modified FROM deployment_files WHERE deployment_id = $2`,
		projectID, deploymentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
