package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/marqly/studio/pkg/client"
)

// Deployment lifecycle states as they appear on the wire.
const (
	StatusPending  = "pending"
	StatusBuilding = "building"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

// ErrDeployStalled is reported through the stall handler when a deployment
// never reaches a terminal state within the polling budget.
var ErrDeployStalled = errors.New("workspace: deployment stalled")

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

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// DeployAPI is the slice of the API client the controller needs.
type DeployAPI interface {
	TriggerDeploy(ctx context.Context, projectID string) (client.Deployment, error)
	GetDeployment(ctx context.Context, deploymentID string) (client.Deployment, error)
	ListDeployments(ctx context.Context, projectID string, limit int) ([]client.Deployment, error)
	Rollback(ctx context.Context, deploymentID string) (client.Deployment, error)
}

// ControllerOption customises controller construction.
type ControllerOption func(*Controller)

// WithPollInterval overrides the watch poll interval.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxPolls bounds how many polls a watch attempts before reporting a
// stall. Zero disables the bound.
func WithMaxPolls(n int) ControllerOption {
	return func(c *Controller) {
		c.maxPolls = n
	}
}

// WithUpdateHandler registers a callback fired on every accepted status
// change, including the initial pending record.
func WithUpdateHandler(fn func(client.Deployment)) ControllerOption {
	return func(c *Controller) {
		c.onUpdate = fn
	}
}

// WithStallHandler registers a callback fired when a watch gives up without
// seeing a terminal status.
func WithStallHandler(fn func(deploymentID string)) ControllerOption {
	return func(c *Controller) {
		c.onStall = fn
	}
}

// Controller drives deployments for one project: it triggers builds, keeps a
// local history, and watches the active deployment until it settles.
type Controller struct {
	api       DeployAPI
	projectID string
	logger    *slog.Logger
	interval  time.Duration
	maxPolls  int
	onUpdate  func(client.Deployment)
	onStall   func(deploymentID string)

	mu      sync.Mutex
	history []client.Deployment
	watched string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewController constructs a controller for the project.
func NewController(api DeployAPI, projectID string, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		api:       api,
		projectID: projectID,
		logger:    logger,
		interval:  2 * time.Second,
		maxPolls:  150,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deploy triggers a new deployment and starts watching it. Transient trigger
// failures are retried with backoff; a rejection from the server is returned
// as-is and leaves no deployment behind. A new deployment supersedes the
// watch on any previous one.
func (c *Controller) Deploy(ctx context.Context) (client.Deployment, error) {
	var deployment client.Deployment
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		deployment, err = c.api.TriggerDeploy(ctx, c.projectID)
		if err == nil {
			return nil
		}
		if errors.Is(err, client.ErrNetwork) || errors.Is(err, client.ErrServer) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return client.Deployment{}, fmt.Errorf("trigger deployment: %w", err)
	}

	c.mu.Lock()
	c.history = append([]client.Deployment{deployment}, c.history...)
	c.mu.Unlock()
	if c.onUpdate != nil {
		c.onUpdate(deployment)
	}
	c.Watch(deployment.ID)
	return deployment, nil
}

// Watch starts polling the deployment until it reaches a terminal status.
// Any previously watched deployment stops being polled first.
func (c *Controller) Watch(deploymentID string) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		prev := c.done
		c.mu.Unlock()
		<-prev
		c.mu.Lock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.watched = deploymentID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.runWatch(ctx, deploymentID, done)
}

// Cancel stops the active watch, if any. The deployment itself keeps running
// server-side.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.watched = ""
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Watching returns the deployment ID currently being polled, empty if none.
func (c *Controller) Watching() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watched
}

func (c *Controller) runWatch(ctx context.Context, deploymentID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			polls++
			deployment, err := c.api.GetDeployment(ctx, deploymentID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// transient poll failures keep the watch alive
				c.logger.Debug("deployment poll failed", "deployment_id", deploymentID, "error", err)
			} else if c.applyUpdate(deployment) {
				c.clearWatch(deploymentID)
				return
			}
			if c.maxPolls > 0 && polls >= c.maxPolls {
				c.logger.Warn("deployment watch exhausted poll budget", "deployment_id", deploymentID, "polls", polls)
				c.clearWatch(deploymentID)
				if c.onStall != nil {
					c.onStall(deploymentID)
				}
				return
			}
		}
	}
}

func (c *Controller) clearWatch(deploymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched == deploymentID {
		if c.cancel != nil {
			c.cancel()
		}
		c.watched = ""
		c.cancel = nil
		c.done = nil
	}
}

// applyUpdate folds a polled deployment into the history. Regressions and
// updates after a terminal state are dropped so status only moves forward.
// It reports whether the stored status is now terminal.
func (c *Controller) applyUpdate(deployment client.Deployment) bool {
	c.mu.Lock()
	idx := -1
	for i := range c.history {
		if c.history[i].ID == deployment.ID {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.history = append([]client.Deployment{deployment}, c.history...)
		c.mu.Unlock()
		if c.onUpdate != nil {
			c.onUpdate(deployment)
		}
		return IsTerminal(deployment.Status)
	}

	current := c.history[idx]
	if IsTerminal(current.Status) {
		c.mu.Unlock()
		return true
	}
	if statusRank(deployment.Status) < statusRank(current.Status) {
		c.mu.Unlock()
		return false
	}
	changed := deployment.Status != current.Status || deployment.BuildLogs != current.BuildLogs || deployment.LiveURL != current.LiveURL
	c.history[idx] = deployment
	c.mu.Unlock()
	if changed && c.onUpdate != nil {
		c.onUpdate(deployment)
	}
	return IsTerminal(deployment.Status)
}

// Refresh replaces the local history with the server's recent deployments.
func (c *Controller) Refresh(ctx context.Context, limit int) error {
	deployments, err := c.api.ListDeployments(ctx, c.projectID, limit)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	c.mu.Lock()
	c.history = deployments
	c.mu.Unlock()
	return nil
}

// History returns a copy of the local deployment list, most recent first.
func (c *Controller) History() []client.Deployment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]client.Deployment, len(c.history))
	copy(out, c.history)
	return out
}

// Get returns the locally known deployment, if present.
func (c *Controller) Get(deploymentID string) (client.Deployment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.history {
		if c.history[i].ID == deploymentID {
			return c.history[i], true
		}
	}
	return client.Deployment{}, false
}

// Rollback restores the snapshot of a successful deployment. A locally known
// non-success deployment is rejected without a round trip.
func (c *Controller) Rollback(ctx context.Context, deploymentID string) (client.Deployment, error) {
	if known, ok := c.Get(deploymentID); ok && known.Status != StatusSuccess {
		return client.Deployment{}, fmt.Errorf("rollback %s with status %s: %w", deploymentID, known.Status, client.ErrInvalidState)
	}
	deployment, err := c.api.Rollback(ctx, deploymentID)
	if err != nil {
		return client.Deployment{}, fmt.Errorf("rollback %s: %w", deploymentID, err)
	}
	return deployment, nil
}
