package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marqly/studio/internal/domain"
	"github.com/marqly/studio/internal/repository"
	"github.com/marqly/studio/pkg/config"
)

type fakeDeploymentRepo struct {
	deployments  map[string]domain.Deployment
	snapshots    map[string]string
	snapshotErr  error
	restoreCalls int
	updateCalls  int
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{
		deployments: make(map[string]domain.Deployment),
		snapshots:   make(map[string]string),
	}
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.deployments[d.ID] = *d
	return nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	d, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	f.updateCalls++
	d.Status = update.Status
	d.BuildLogs += update.LogChunk
	if update.LiveURL != "" {
		d.LiveURL = update.LiveURL
	}
	if update.Error != "" {
		d.Error = update.Error
	}
	if update.CompletedAt != nil {
		d.CompletedAt = update.CompletedAt
	}
	d.UpdatedAt = time.Now().UTC()
	f.deployments[update.DeploymentID] = d
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	d, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(_ context.Context, projectID string, _ int) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range f.deployments {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) SnapshotFiles(_ context.Context, deploymentID, projectID string) error {
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	f.snapshots[deploymentID] = projectID
	if d, ok := f.deployments[deploymentID]; ok {
		d.SnapshotTaken = true
		f.deployments[deploymentID] = d
	}
	return nil
}

func (f *fakeDeploymentRepo) RestoreSnapshot(_ context.Context, deploymentID, _ string) error {
	if _, ok := f.snapshots[deploymentID]; !ok {
		return repository.ErrNotFound
	}
	f.restoreCalls++
	return nil
}

func newTestService(repo repository.DeploymentRepository, builderURL string) Service {
	cfg := config.StudioConfig{BuilderURL: builderURL, DeployHistoryLimit: 50}
	svc := New(repo, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	return svc
}

func TestTriggerRejectedLeavesNoRecord(t *testing.T) {
	builder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer builder.Close()

	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, builder.URL)

	_, err := svc.Trigger(context.Background(), "p1")
	if !errors.Is(err, ErrBuilderRejected) {
		t.Fatalf("expected ErrBuilderRejected, got %v", err)
	}
	if len(repo.deployments) != 0 {
		t.Fatalf("expected no deployment record after rejected trigger, got %d", len(repo.deployments))
	}
}

func TestTriggerCreatesPendingRecordAndSnapshot(t *testing.T) {
	builder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer builder.Close()

	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, builder.URL)

	deployment, err := svc.Trigger(context.Background(), "p1")
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if deployment.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", deployment.Status)
	}
	if _, ok := repo.deployments[deployment.ID]; !ok {
		t.Fatalf("deployment record missing")
	}
	if repo.snapshots[deployment.ID] != "p1" {
		t.Fatalf("expected snapshot for deployment %s", deployment.ID)
	}
	if !deployment.SnapshotTaken {
		t.Fatalf("snapshot marker not set on returned deployment")
	}
}

func TestTriggerAbortsWhenSnapshotFails(t *testing.T) {
	builder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer builder.Close()

	repo := newFakeDeploymentRepo()
	repo.snapshotErr = errors.New("disk full")
	svc := newTestService(repo, builder.URL)

	if _, err := svc.Trigger(context.Background(), "p1"); err == nil {
		t.Fatalf("trigger should fail when the snapshot cannot be captured")
	}
	if len(repo.deployments) != 1 {
		t.Fatalf("expected one aborted deployment record, got %d", len(repo.deployments))
	}
	for _, d := range repo.deployments {
		if d.Status != StatusFailed {
			t.Fatalf("aborted deployment should be failed, got %s", d.Status)
		}
		if d.CompletedAt == nil || d.Error == "" {
			t.Fatalf("aborted deployment missing failure details: %+v", d)
		}
	}
}

func TestTriggerRetriesTransientBuilderFailure(t *testing.T) {
	attempts := 0
	builder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer builder.Close()

	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, builder.URL)

	if _, err := svc.Trigger(context.Background(), "p1"); err != nil {
		t.Fatalf("trigger should have recovered: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 builder attempts, got %d", attempts)
	}
}

func TestProcessCallbackIgnoresRegressingStatus(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.deployments["dep-1"] = domain.Deployment{ID: "dep-1", ProjectID: "p1", Status: StatusBuilding}
	svc := newTestService(repo, "http://unused")

	err := svc.ProcessCallback(context.Background(), CallbackPayload{DeploymentID: "dep-1", Status: StatusPending})
	if err != nil {
		t.Fatalf("stale callback should be dropped silently: %v", err)
	}
	if repo.updateCalls != 0 {
		t.Fatalf("expected no status update for regressing report, got %d", repo.updateCalls)
	}
	if repo.deployments["dep-1"].Status != StatusBuilding {
		t.Fatalf("status regressed to %s", repo.deployments["dep-1"].Status)
	}
}

func TestProcessCallbackAfterTerminalIsNoop(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.deployments["dep-1"] = domain.Deployment{ID: "dep-1", ProjectID: "p1", Status: StatusSuccess, LiveURL: "https://site.example"}
	svc := newTestService(repo, "http://unused")

	err := svc.ProcessCallback(context.Background(), CallbackPayload{DeploymentID: "dep-1", Status: StatusBuilding})
	if err != nil {
		t.Fatalf("post-terminal callback should be dropped: %v", err)
	}
	if repo.updateCalls != 0 {
		t.Fatalf("terminal deployment was mutated")
	}
	if repo.deployments["dep-1"].LiveURL != "https://site.example" {
		t.Fatalf("live url lost")
	}
}

func TestProcessCallbackRecordsTerminalFailure(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.deployments["dep-1"] = domain.Deployment{ID: "dep-1", ProjectID: "p1", Status: StatusBuilding}
	svc := newTestService(repo, "http://unused")

	err := svc.ProcessCallback(context.Background(), CallbackPayload{
		DeploymentID: "dep-1",
		Status:       StatusFailed,
		LogChunk:     "compile error\n",
		Error:        "exit status 1",
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	d := repo.deployments["dep-1"]
	if d.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", d.Status)
	}
	if d.CompletedAt == nil {
		t.Fatalf("terminal state missing completed_at")
	}
	if d.Error != "exit status 1" || d.BuildLogs != "compile error\n" {
		t.Fatalf("failure details not recorded: %+v", d)
	}
}

func TestRollbackRequiresSuccess(t *testing.T) {
	repo := newFakeDeploymentRepo()
	for id, status := range map[string]string{
		"dep-pending":  StatusPending,
		"dep-building": StatusBuilding,
		"dep-failed":   StatusFailed,
	} {
		repo.deployments[id] = domain.Deployment{ID: id, ProjectID: "p1", Status: status}
	}
	svc := newTestService(repo, "http://unused")

	for id := range repo.deployments {
		if _, err := svc.Rollback(context.Background(), id); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("rollback of %s: expected ErrInvalidState, got %v", id, err)
		}
	}
	if repo.restoreCalls != 0 {
		t.Fatalf("restore ran for non-success deployment")
	}
}

func TestRollbackWithoutSnapshotRejected(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.deployments["dep-1"] = domain.Deployment{ID: "dep-1", ProjectID: "p1", Status: StatusSuccess}
	svc := newTestService(repo, "http://unused")

	_, err := svc.Rollback(context.Background(), "dep-1")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for missing snapshot, got %v", err)
	}
	if repo.restoreCalls != 0 {
		t.Fatalf("restore must not run without a snapshot")
	}
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.deployments["dep-1"] = domain.Deployment{ID: "dep-1", ProjectID: "p1", Status: StatusSuccess, SnapshotTaken: true}
	repo.snapshots["dep-1"] = "p1"
	svc := newTestService(repo, "http://unused")

	if _, err := svc.Rollback(context.Background(), "dep-1"); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if repo.restoreCalls != 1 {
		t.Fatalf("expected one restore, got %d", repo.restoreCalls)
	}
}
