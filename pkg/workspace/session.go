package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marqly/studio/pkg/client"
)

var (
	// ErrNoFileOpen rejects buffer operations before any file is opened.
	ErrNoFileOpen = errors.New("workspace: no file open")
	// ErrUnsavedChanges guards against silently discarding a dirty buffer.
	ErrUnsavedChanges = errors.New("workspace: unsaved changes")
)

// FileStore is the slice of the API client the editor session and workspace
// need for file operations.
type FileStore interface {
	ListFiles(ctx context.Context, projectID string) ([]client.FileRecord, error)
	CreateEntry(ctx context.Context, projectID, path, content string, isFolder bool) (client.FileRecord, error)
	UpdateContent(ctx context.Context, projectID, path, content string) error
	RenamePath(ctx context.Context, projectID, oldPath, newPath string) error
	DeleteEntry(ctx context.Context, projectID, path string) error
}

// Session holds the single-file edit buffer. At most one file is open at a
// time; opening a file replaces the previous buffer unconditionally, so
// callers wanting a guard check Dirty first (Workspace.OpenFile does).
type Session struct {
	store     FileStore
	projectID string

	mu       sync.Mutex
	path     string
	buffer   string
	saved    string
	saving   bool
	saveDone chan struct{}
}

// NewSession creates an empty session writing through the given store.
func NewSession(store FileStore, projectID string) *Session {
	return &Session{store: store, projectID: projectID}
}

// Open loads content into the buffer for path, discarding whatever was
// buffered before. The buffer starts clean.
func (s *Session) Open(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.buffer = content
	s.saved = content
}

// Close clears the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = ""
	s.buffer = ""
	s.saved = ""
}

// retarget follows a rename of the open file without touching the buffer.
func (s *Session) retarget(newPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = newPath
}

// Edit replaces the buffer content.
func (s *Session) Edit(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return ErrNoFileOpen
	}
	s.buffer = content
	return nil
}

// Path returns the open file path, empty when nothing is open.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Buffer returns the current buffer content.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Dirty reports whether the buffer diverges from the last saved content.
// Saving and reverting to the saved text both clear it.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer != s.saved
}

// Save persists the buffer. Only one save is in flight at a time; a Save
// issued while another is running waits for it to finish and then writes the
// buffer itself if it still diverges from the saved content, so Save never
// reports success while newer content remains unsaved. A failed save keeps
// the buffer and the dirty flag intact.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	for {
		if s.path == "" {
			s.mu.Unlock()
			return ErrNoFileOpen
		}
		if s.buffer == s.saved {
			s.mu.Unlock()
			return nil
		}
		if !s.saving {
			break
		}
		wait := s.saveDone
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	s.saving = true
	s.saveDone = make(chan struct{})
	path := s.path
	snapshot := s.buffer
	s.mu.Unlock()

	err := s.store.UpdateContent(ctx, s.projectID, path, snapshot)

	s.mu.Lock()
	s.saving = false
	close(s.saveDone)
	if err == nil && s.path == path {
		s.saved = snapshot
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
