package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/marqly/studio/internal/domain"
	"github.com/marqly/studio/internal/repository"
)

// Service owns workspace file semantics: validation, conflict detection,
// atomic rename and cascading delete.
type Service struct {
	files  repository.FileRepository
	logger *slog.Logger
}

// New returns a file service.
func New(files repository.FileRepository, logger *slog.Logger) Service {
	return Service{files: files, logger: logger}
}

// CreateInput captures attributes for a new file or folder.
type CreateInput struct {
	ProjectID string
	Path      string
	Content   string
	IsFolder  bool
}

var (
	errMissingProjectID = fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	errEmptyPath        = fmt.Errorf("%w: path required", repository.ErrInvalidArgument)
	errMalformedPath    = fmt.Errorf("%w: malformed path", repository.ErrInvalidArgument)
	errFolderContent    = fmt.Errorf("%w: folders cannot carry content", repository.ErrInvalidArgument)
)

// ValidatePath rejects empty, absolute, traversing, or oddly delimited paths.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errEmptyPath
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return errMalformedPath
	}
	for _, segment := range strings.Split(path, "/") {
		trimmed := strings.TrimSpace(segment)
		if trimmed == "" || trimmed == "." || trimmed == ".." {
			return errMalformedPath
		}
	}
	return nil
}

// List returns every file record in the project.
func (s Service) List(ctx context.Context, projectID string) ([]domain.FileRecord, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errMissingProjectID
	}
	return s.files.ListFiles(ctx, projectID)
}

// Create registers a new file or folder after validating its path and
// checking that no ancestor segment is already taken by a plain file.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.FileRecord, error) {
	if strings.TrimSpace(input.ProjectID) == "" {
		return nil, errMissingProjectID
	}
	if err := ValidatePath(input.Path); err != nil {
		return nil, err
	}
	if input.IsFolder && input.Content != "" {
		return nil, errFolderContent
	}
	if err := s.checkAncestors(ctx, input.ProjectID, input.Path); err != nil {
		return nil, err
	}
	record := &domain.FileRecord{
		ProjectID:    input.ProjectID,
		Path:         input.Path,
		Content:      input.Content,
		IsFolder:     input.IsFolder,
		LastModified: time.Now().UTC(),
	}
	if err := s.files.CreateFile(ctx, record); err != nil {
		return nil, err
	}
	s.logger.Info("file created", "project_id", input.ProjectID, "path", input.Path, "folder", input.IsFolder)
	return record, nil
}

// UpdateContent replaces the stored content of an existing file.
func (s Service) UpdateContent(ctx context.Context, projectID, path, content string) error {
	if strings.TrimSpace(projectID) == "" {
		return errMissingProjectID
	}
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := s.files.UpdateFileContent(ctx, projectID, path, content); err != nil {
		return err
	}
	s.logger.Info("file updated", "project_id", projectID, "path", path, "bytes", len(content))
	return nil
}

// Rename moves oldPath to newPath, carrying any folder subtree along.
func (s Service) Rename(ctx context.Context, projectID, oldPath, newPath string) error {
	if strings.TrimSpace(projectID) == "" {
		return errMissingProjectID
	}
	if err := ValidatePath(oldPath); err != nil {
		return err
	}
	if err := ValidatePath(newPath); err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	if strings.HasPrefix(newPath, oldPath+"/") {
		return fmt.Errorf("%w: cannot move a folder into itself", repository.ErrInvalidArgument)
	}
	if err := s.checkAncestors(ctx, projectID, newPath); err != nil {
		return err
	}
	if err := s.files.RenamePath(ctx, projectID, oldPath, newPath); err != nil {
		return err
	}
	s.logger.Info("file renamed", "project_id", projectID, "from", oldPath, "to", newPath)
	return nil
}

// Delete removes the path; folder paths cascade to every descendant.
func (s Service) Delete(ctx context.Context, projectID, path string) error {
	if strings.TrimSpace(projectID) == "" {
		return errMissingProjectID
	}
	if err := ValidatePath(path); err != nil {
		return err
	}
	removed, err := s.files.DeletePath(ctx, projectID, path)
	if err != nil {
		return err
	}
	s.logger.Info("file deleted", "project_id", projectID, "path", path, "removed", removed)
	return nil
}

// checkAncestors rejects paths whose intermediate segments collide with an
// existing plain file, which would imply two node types at one address.
func (s Service) checkAncestors(ctx context.Context, projectID, path string) error {
	segments := strings.Split(path, "/")
	prefix := ""
	for _, segment := range segments[:len(segments)-1] {
		if prefix == "" {
			prefix = segment
		} else {
			prefix = prefix + "/" + segment
		}
		existing, err := s.files.GetFile(ctx, projectID, prefix)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return err
		}
		if !existing.IsFolder {
			return fmt.Errorf("%w: %s exists as a file", repository.ErrConflict, prefix)
		}
	}
	return nil
}
