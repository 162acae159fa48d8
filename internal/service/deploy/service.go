package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/marqly/studio/internal/domain"
	"github.com/marqly/studio/internal/repository"
	"github.com/marqly/studio/pkg/config"
)

// Status constants for deployments.
const (
	StatusPending  = "pending"
	StatusBuilding = "building"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

var (
	// ErrInvalidState rejects operations that do not apply to the
	// deployment's current status, e.g. rollback of a failed build.
	ErrInvalidState = errors.New("deploy: invalid state for operation")
	// ErrBuilderRejected indicates the builder refused the trigger request.
	ErrBuilderRejected = errors.New("deploy: builder rejected deployment request")

	errMissingProjectID    = fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	errMissingDeploymentID = fmt.Errorf("%w: deployment id required", repository.ErrInvalidArgument)
)

// statusRank orders the deployment lifecycle. Updates that would move a
// deployment to a lower rank are stale and must be ignored.
func statusRank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusBuilding:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether the status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Broadcaster pushes deployment progress to streaming subscribers.
type Broadcaster interface {
	Broadcast(projectID string, payload []byte)
}

// Service orchestrates deployments via the builder service.
type Service struct {
	deployments repository.DeploymentRepository
	client      *http.Client
	logger      *slog.Logger
	cfg         config.StudioConfig
	hub         Broadcaster
	now         func() time.Time
}

// New returns a deployment service.
func New(deployments repository.DeploymentRepository, hub Broadcaster, logger *slog.Logger, cfg config.StudioConfig) Service {
	return Service{
		deployments: deployments,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		cfg:         cfg,
		hub:         hub,
		now:         time.Now,
	}
}

// Trigger asks the builder to start a deployment. The deployment record is
// only created once the builder accepts, so a rejected trigger leaves no
// phantom history entry.
func (s Service) Trigger(ctx context.Context, projectID string) (*domain.Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}

	deploymentID := uuid.NewString()
	payload, err := json.Marshal(map[string]string{
		"deployment_id": deploymentID,
		"project_id":    projectID,
		"callback_url":  s.cfg.Addr,
	})
	if err != nil {
		return nil, err
	}

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BuilderURL+"/deploy", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.BuilderAuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.BuilderAuthToken)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("builder returned %s", resp.Status))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%w: %s", ErrBuilderRejected, resp.Status)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("builder trigger failed", "deployment_id", deploymentID, "project_id", projectID, "error", err)
		return nil, err
	}

	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:        deploymentID,
		ProjectID: projectID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	if err := s.deployments.SnapshotFiles(ctx, deploymentID, projectID); err != nil {
		// Without a snapshot the deployment could never be rolled back, so
		// abort it rather than let it reach success in that state.
		s.logger.Error("deployment snapshot failed, aborting", "deployment_id", deploymentID, "error", err)
		completedAt := s.now().UTC()
		if markErr := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
			DeploymentID: deploymentID,
			Status:       StatusFailed,
			Error:        "file snapshot could not be captured",
			CompletedAt:  &completedAt,
		}); markErr != nil {
			s.logger.Error("failed to mark aborted deployment", "deployment_id", deploymentID, "error", markErr)
		}
		return nil, fmt.Errorf("capture file snapshot: %w", err)
	}
	deployment.SnapshotTaken = true
	s.logger.Info("deployment queued", "deployment_id", deploymentID, "project_id", projectID)
	s.emit(deployment.ProjectID, deployment.ID, StatusPending, "", "")
	return deployment, nil
}

// CallbackPayload represents progress events from the builder service.
type CallbackPayload struct {
	DeploymentID string    `json:"deployment_id"`
	Status       string    `json:"status"`
	LogChunk     string    `json:"log_chunk"`
	LiveURL      string    `json:"live_url"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProcessCallback ingests deployment progress notifications from the
// builder. Stale or regressing status reports are dropped so the recorded
// lifecycle only ever moves pending -> building -> success|failed.
func (s Service) ProcessCallback(ctx context.Context, payload CallbackPayload) error {
	if strings.TrimSpace(payload.DeploymentID) == "" {
		return errMissingDeploymentID
	}
	newRank := statusRank(payload.Status)
	if newRank < 0 {
		return fmt.Errorf("%w: unknown status %q", repository.ErrInvalidArgument, payload.Status)
	}

	current, err := s.deployments.GetDeploymentByID(ctx, payload.DeploymentID)
	if err != nil {
		return err
	}
	if IsTerminal(current.Status) {
		s.logger.Debug("ignoring callback after terminal state",
			"deployment_id", payload.DeploymentID, "current", current.Status, "reported", payload.Status)
		return nil
	}
	if newRank < statusRank(current.Status) {
		s.logger.Debug("ignoring regressing status report",
			"deployment_id", payload.DeploymentID, "current", current.Status, "reported", payload.Status)
		return nil
	}

	var completedAt *time.Time
	if IsTerminal(payload.Status) {
		t := payload.Timestamp
		if t.IsZero() {
			t = s.now().UTC()
		}
		completedAt = &t
	}

	update := domain.DeploymentStatusUpdate{
		DeploymentID: payload.DeploymentID,
		Status:       payload.Status,
		LogChunk:     payload.LogChunk,
		LiveURL:      payload.LiveURL,
		Error:        payload.Error,
		CompletedAt:  completedAt,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		s.logger.Error("deployment status update failed", "deployment_id", payload.DeploymentID, "error", err)
		return err
	}

	s.logger.Info("deployment progress",
		"deployment_id", payload.DeploymentID, "status", payload.Status, "url", payload.LiveURL)
	s.emit(current.ProjectID, payload.DeploymentID, payload.Status, payload.LiveURL, payload.Error)
	return nil
}

// Get returns a deployment by identifier.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, errMissingDeploymentID
	}
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns recent deployments, most recent first.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	if limit <= 0 || limit > s.cfg.DeployHistoryLimit {
		limit = s.cfg.DeployHistoryLimit
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Rollback restores the file snapshot of a previously successful
// deployment. Only deployments that finished with success are eligible.
func (s Service) Rollback(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	deployment, err := s.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != StatusSuccess {
		return nil, fmt.Errorf("%w: deployment %s is %s", ErrInvalidState, deploymentID, deployment.Status)
	}
	if !deployment.SnapshotTaken {
		return nil, fmt.Errorf("%w: deployment %s has no file snapshot", ErrInvalidState, deploymentID)
	}
	if err := s.deployments.RestoreSnapshot(ctx, deploymentID, deployment.ProjectID); err != nil {
		return nil, err
	}
	s.logger.Info("rollback applied", "deployment_id", deploymentID, "project_id", deployment.ProjectID)
	return deployment, nil
}

func (s Service) emit(projectID, deploymentID, status, liveURL, errDetail string) {
	if s.hub == nil {
		return
	}
	event := map[string]string{
		"deployment_id": deploymentID,
		"status":        status,
	}
	if liveURL != "" {
		event["live_url"] = liveURL
	}
	if errDetail != "" {
		event["error"] = errDetail
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.hub.Broadcast(projectID, payload)
}
