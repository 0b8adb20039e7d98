// Package cancel stops a dispatched deployment: interrupt its process group,
// wait a grace period, kill the group and record the deployment as canceled.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/lifecycle"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
)

const DefaultGrace = 2 * time.Second

const (
	ReasonNoProcess        = "no process to cancel"
	ReasonAlreadyCompleted = "deployment already completed"
	ReasonCompletedFirst   = "deployment completed before cancellation took effect"
)

// CancellationError rejects a cancel request the deployment cannot satisfy.
type CancellationError struct {
	DeploymentID uuid.UUID
	Reason       string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("canceling deployment %s not possible: %s", e.DeploymentID, e.Reason)
}

// Signaler delivers signals to the process group led by pid.
type Signaler interface {
	Interrupt(pid int) error
	Kill(pid int) error
}

// UnixSignaler signals whole process groups, so the task's children are
// stopped along with the runner.
type UnixSignaler struct{}

func (UnixSignaler) Interrupt(pid int) error { return signalGroup(pid, syscall.SIGINT) }
func (UnixSignaler) Kill(pid int) error      { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return fmt.Errorf("signal %s to process group %d: %w", sig, pid, err)
	}
	return nil
}

type Completer interface {
	Complete(ctx context.Context, d models.Deployment, outcome models.Status) (models.Deployment, error)
}

type Controller struct {
	store     store.Store
	completer Completer
	signaler  Signaler
	Grace     time.Duration
	Logger    *log.Logger
}

func NewController(s store.Store, c Completer, sig Signaler) *Controller {
	if sig == nil {
		sig = UnixSignaler{}
	}
	return &Controller{
		store:     s,
		completer: c,
		signaler:  sig,
		Grace:     DefaultGrace,
		Logger:    log.New(os.Stderr, "[cancel] ", log.LstdFlags),
	}
}

// Check loads the deployment and verifies it can be canceled.
func (c *Controller) Check(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return models.Deployment{}, err
	}
	switch {
	case d.Completed():
		return d, &CancellationError{DeploymentID: id, Reason: ReasonAlreadyCompleted}
	case d.PID == nil:
		return d, &CancellationError{DeploymentID: id, Reason: ReasonNoProcess}
	}
	return d, nil
}

// Cancel blocks for up to Grace between the interrupt and the kill. A done
// ctx cuts the wait short and escalates to the kill right away; the
// completion itself is still recorded.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	d, err := c.Check(ctx, id)
	if err != nil {
		return models.Deployment{}, err
	}
	pid := *d.PID

	c.Logger.Printf("deployment %s: interrupting process group %d", id, pid)
	if err := c.signaler.Interrupt(pid); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return models.Deployment{}, fmt.Errorf("interrupt deployment %s: %w", id, err)
		}
		c.Logger.Printf("deployment %s: process group %d already gone", id, pid)
	}

	grace := c.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	timer := time.NewTimer(grace)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		c.Logger.Printf("deployment %s: %v, killing without grace", id, ctx.Err())
	}

	if err := c.signaler.Kill(pid); err != nil {
		c.Logger.Printf("deployment %s: kill process group %d: %v", id, pid, err)
	}

	done, err := c.completer.Complete(context.WithoutCancel(ctx), d, models.StatusCanceled)
	if err != nil {
		var dErr *lifecycle.DoubleCompletionError
		if errors.As(err, &dErr) {
			return models.Deployment{}, &CancellationError{DeploymentID: id, Reason: ReasonCompletedFirst}
		}
		return models.Deployment{}, err
	}
	return done, nil
}
