// Package workspace implements the client-side project workspace: the file
// tree model, the single-file editor session, the deployment controller, and
// the advisory suggestion adapter, all kept consistent against the remote
// file store.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marqly/studio/pkg/client"
)

// ErrConfirmDeclined is returned when the confirm hook vetoes a destructive
// operation.
var ErrConfirmDeclined = errors.New("workspace: confirmation declined")

// ConfirmFunc is consulted before destructive operations. Returning false
// aborts the operation.
type ConfirmFunc func(action, target string) bool

// API is the full surface the workspace needs from the client. *client.Client
// satisfies it.
type API interface {
	FileStore
	DeployAPI
	SuggestAPI
}

// Option customises workspace construction.
type Option func(*Workspace)

// WithConfirm installs a hook consulted before deletes, renames and
// rollbacks.
func WithConfirm(fn ConfirmFunc) Option {
	return func(w *Workspace) {
		w.confirm = fn
	}
}

// WithControllerOptions forwards options to the deployment controller.
func WithControllerOptions(opts ...ControllerOption) Option {
	return func(w *Workspace) {
		w.controllerOpts = opts
	}
}

// Workspace owns all state for one open project: the cached file list and
// derived tree, the editor session, the deployment controller, and the
// suggestion adapter. It is the single entry point a UI drives.
type Workspace struct {
	api       API
	projectID string
	logger    *slog.Logger
	confirm   ConfirmFunc

	controllerOpts []ControllerOption

	records    []client.FileRecord
	tree       *Tree
	expand     *ExpandState
	session    *Session
	controller *Controller
	suggester  *Suggester
}

// New constructs a workspace for the project. Call Refresh to perform the
// initial load.
func New(api API, projectID string, logger *slog.Logger, opts ...Option) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workspace{
		api:       api,
		projectID: projectID,
		logger:    logger,
		expand:    NewExpandState(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.session = NewSession(api, projectID)
	w.controller = NewController(api, projectID, logger, w.controllerOpts...)
	w.suggester = NewSuggester(api, logger)
	return w
}

// Close stops background work. The session buffer is left untouched.
func (w *Workspace) Close() {
	w.controller.Cancel()
}

// Refresh reloads the file list and rebuilds the tree. Expand state and the
// open session survive; a session whose file disappeared is closed.
func (w *Workspace) Refresh(ctx context.Context) error {
	records, err := w.api.ListFiles(ctx, w.projectID)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	return w.replaceRecords(records)
}

func (w *Workspace) replaceRecords(records []client.FileRecord) error {
	tree, err := BuildTree(records)
	if err != nil {
		return err
	}
	w.records = records
	w.tree = tree
	if open := w.session.Path(); open != "" {
		if node := tree.Find(open); node == nil || node.IsFolder {
			w.logger.Info("open file no longer exists, closing session", "path", open)
			w.session.Close()
		}
	}
	return nil
}

// Tree returns the current tree, nil before the first Refresh.
func (w *Workspace) Tree() *Tree {
	return w.tree
}

// Records returns the cached flat file list.
func (w *Workspace) Records() []client.FileRecord {
	return w.records
}

// Expand returns the folder expand/collapse state.
func (w *Workspace) Expand() *ExpandState {
	return w.expand
}

// Session returns the editor session.
func (w *Workspace) Session() *Session {
	return w.session
}

// Controller returns the deployment controller.
func (w *Workspace) Controller() *Controller {
	return w.controller
}

// OpenFile loads the file at path into the editor session. Switching away
// from a dirty buffer fails with ErrUnsavedChanges; re-opening the file that
// is already open reverts the buffer to the stored content instead.
func (w *Workspace) OpenFile(ctx context.Context, path string) error {
	return w.openFile(ctx, path, false)
}

// DiscardAndOpen opens path, dropping any unsaved changes in the current
// buffer.
func (w *Workspace) DiscardAndOpen(ctx context.Context, path string) error {
	return w.openFile(ctx, path, true)
}

func (w *Workspace) openFile(ctx context.Context, path string, discard bool) error {
	if w.tree == nil {
		if err := w.Refresh(ctx); err != nil {
			return err
		}
	}
	node := w.tree.Find(path)
	if node == nil {
		return fmt.Errorf("open %s: %w", path, client.ErrNotFound)
	}
	if node.IsFolder {
		return fmt.Errorf("open %s: folders have no content: %w", path, client.ErrValidation)
	}
	if !discard && w.session.Dirty() && w.session.Path() != path {
		return fmt.Errorf("open %s: %w", path, ErrUnsavedChanges)
	}
	w.session.Open(path, node.Record.Content)
	return nil
}

// SaveFile persists the session buffer and folds the result back into the
// cached record.
func (w *Workspace) SaveFile(ctx context.Context) error {
	if err := w.session.Save(ctx); err != nil {
		return err
	}
	path := w.session.Path()
	content := w.session.Buffer()
	for i := range w.records {
		if w.records[i].Path == path {
			w.records[i].Content = content
			w.records[i].LastModified = time.Now().UTC()
			break
		}
	}
	return w.replaceRecords(w.records)
}

// CreateEntry creates a file or folder and folds it into the tree.
func (w *Workspace) CreateEntry(ctx context.Context, path, content string, isFolder bool) error {
	record, err := w.api.CreateEntry(ctx, w.projectID, path, content, isFolder)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return w.replaceRecords(append(w.records, record))
}

// Rename moves a path, then re-synchronizes from the server. An open session
// under the renamed path follows it.
func (w *Workspace) Rename(ctx context.Context, oldPath, newPath string) error {
	if w.confirm != nil && !w.confirm("rename", oldPath) {
		return fmt.Errorf("rename %s: %w", oldPath, ErrConfirmDeclined)
	}
	if err := w.api.RenamePath(ctx, w.projectID, oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if open := w.session.Path(); open != "" {
		if open == oldPath {
			w.session.retarget(newPath)
		} else if strings.HasPrefix(open, oldPath+"/") {
			w.session.retarget(newPath + open[len(oldPath):])
		}
	}
	return w.Refresh(ctx)
}

// Delete removes a path, cascading through folders, then re-synchronizes.
// The session is closed if its file was inside the deleted subtree.
func (w *Workspace) Delete(ctx context.Context, path string) error {
	if w.confirm != nil && !w.confirm("delete", path) {
		return fmt.Errorf("delete %s: %w", path, ErrConfirmDeclined)
	}
	if err := w.api.DeleteEntry(ctx, w.projectID, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if open := w.session.Path(); open == path || strings.HasPrefix(open, path+"/") {
		w.session.Close()
	}
	w.expand.Collapse(path)
	return w.Refresh(ctx)
}

// Deploy triggers a deployment and watches it to completion.
func (w *Workspace) Deploy(ctx context.Context) (client.Deployment, error) {
	return w.controller.Deploy(ctx)
}

// RollbackTo restores the files of a successful deployment and reloads the
// workspace. The open session is re-pointed at the restored content, or
// closed if its file no longer exists.
func (w *Workspace) RollbackTo(ctx context.Context, deploymentID string) error {
	if w.confirm != nil && !w.confirm("rollback", deploymentID) {
		return fmt.Errorf("rollback %s: %w", deploymentID, ErrConfirmDeclined)
	}
	if _, err := w.controller.Rollback(ctx, deploymentID); err != nil {
		return err
	}
	open := w.session.Path()
	w.session.Close()
	if err := w.Refresh(ctx); err != nil {
		return err
	}
	if open != "" {
		if node := w.tree.Find(open); node != nil && !node.IsFolder {
			w.session.Open(open, node.Record.Content)
		}
	}
	return nil
}

// Suggestions fetches advisory suggestions for the current buffer. An empty
// buffer or an unavailable service yields no suggestions.
func (w *Workspace) Suggestions(ctx context.Context) []string {
	if w.session.Path() == "" {
		return nil
	}
	return w.suggester.ForBuffer(ctx, w.session.Buffer())
}

// ApplySuggestion replaces the buffer with the chosen candidate. The change
// is unsaved until SaveFile.
func (w *Workspace) ApplySuggestion(candidate string) error {
	return w.session.Edit(candidate)
}
