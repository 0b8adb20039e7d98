// Package lifecycle moves deployments from running to a terminal status. The
// stage lock is released in the same transaction that records the outcome.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/locking"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/notify"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
)

var ErrInvalidOutcome = errors.New("outcome must be success, failed or canceled")

// DoubleCompletionError means a finished deployment was completed again. It
// signals a broken lock/status invariant and must not be swallowed.
type DoubleCompletionError struct {
	DeploymentID uuid.UUID
	Status       models.Status
	CompletedAt  time.Time
}

func (e *DoubleCompletionError) Error() string {
	return fmt.Sprintf("cannot complete deployment %s a second time (already %s at %s)",
		e.DeploymentID, e.Status, e.CompletedAt.Format(time.RFC3339))
}

type Machine struct {
	store    store.Store
	notifier notify.Notifier
	now      func() time.Time
}

func NewMachine(s store.Store, n notify.Notifier) *Machine {
	if n == nil {
		n = notify.Nop
	}
	return &Machine{
		store:    s,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Complete records outcome for d, releases its stage and notifies. The
// returned deployment carries the stored terminal state.
func (m *Machine) Complete(ctx context.Context, d models.Deployment, outcome models.Status) (models.Deployment, error) {
	if !outcome.Terminal() {
		return models.Deployment{}, fmt.Errorf("%w: got %q", ErrInvalidOutcome, outcome)
	}
	if d.Completed() {
		return models.Deployment{}, &DoubleCompletionError{DeploymentID: d.ID, Status: d.Status, CompletedAt: *d.CompletedAt}
	}

	var (
		stage models.Stage
		done  models.Deployment
	)
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		stage, err = tx.LockStage(ctx, d.StageID)
		if err != nil {
			return fmt.Errorf("lock stage %d: %w", d.StageID, err)
		}
		current, err := tx.LockDeployment(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("lock deployment %s: %w", d.ID, err)
		}
		if current.Completed() {
			return &DoubleCompletionError{DeploymentID: current.ID, Status: current.Status, CompletedAt: *current.CompletedAt}
		}
		if stage.LockedBy != nil && *stage.LockedBy != current.ID {
			log.Printf("[lifecycle] stage %d is held by %s, releasing it for %s", stage.ID, *stage.LockedBy, current.ID)
		}
		if err := locking.Release(ctx, tx, stage.ID); err != nil {
			return fmt.Errorf("release stage %d: %w", stage.ID, err)
		}
		at := m.now()
		if err := tx.FinishDeployment(ctx, current.ID, outcome, at); err != nil {
			return fmt.Errorf("finish deployment %s: %w", current.ID, err)
		}
		current.Status = outcome
		current.CompletedAt = &at
		current.Roles = d.Roles
		done = current
		return nil
	})
	if err != nil {
		return models.Deployment{}, err
	}

	stage.LockedBy = nil
	stage.LockedAt = nil
	if err := m.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventCompleted,
		Deployment: done,
		Stage:      stage,
		Outcome:    outcome,
		At:         *done.CompletedAt,
	}); err != nil {
		log.Printf("[lifecycle] deployment %s: completed event not delivered: %v", done.ID, err)
	}
	return done, nil
}

// CompleteByID loads the deployment and completes it. This is the path the
// dispatched process reports through.
func (m *Machine) CompleteByID(ctx context.Context, id uuid.UUID, outcome models.Status) (models.Deployment, error) {
	d, err := m.store.GetDeployment(ctx, id)
	if err != nil {
		return models.Deployment{}, err
	}
	return m.Complete(ctx, d, outcome)
}
