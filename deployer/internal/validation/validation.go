// Package validation decides whether a candidate deployment may start on a
// stage. It never mutates state and is safe for concurrent use.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/resolver"
)

const (
	FieldTask      = "task"
	FieldStage     = "stage"
	FieldInitiator = "initiator"
	FieldBase      = "base"
	FieldLock      = "lock"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Problems []Problem

// Validate checks candidate against stage and collects every problem. stage
// is nil when the candidate has no stage. The lock check runs last.
func Validate(candidate models.Deployment, stage *models.Stage) Problems {
	var p Problems

	task := strings.TrimSpace(candidate.Task)
	if task == "" {
		p = append(p, Problem{FieldTask, "task can't be blank"})
	} else if utf8.RuneCountInString(candidate.Task) > models.MaxTaskLength {
		p = append(p, Problem{FieldTask, fmt.Sprintf("task is too long (maximum is %d characters)", models.MaxTaskLength)})
	}
	if stage == nil {
		p = append(p, Problem{FieldStage, "stage can't be blank"})
	}
	if strings.TrimSpace(candidate.Initiator) == "" {
		p = append(p, Problem{FieldInitiator, "initiator can't be blank"})
	}
	if stage == nil {
		return p
	}

	if !stage.DeploymentPossible() {
		p = append(p, Problem{FieldStage, "stage is not ready to deploy"})
	}

	for _, param := range stage.PromptParameters() {
		if strings.TrimSpace(candidate.PromptConfig[param.Name]) == "" {
			p = append(p, Problem{FieldBase, fmt.Sprintf("parameter '%s' is required", param.Name)})
		}
	}

	if len(candidate.ExcludedHostIDs) > 0 && len(resolver.ResolveTargetRoles(stage.Roles, candidate.ExcludedHostIDs)) == 0 {
		p = append(p, Problem{FieldBase, "you cannot exclude all hosts."})
	}

	if stage.Locked() && !candidate.OverrideLocking {
		p = append(p, Problem{FieldLock, "the stage is locked"})
	}
	return p
}

func (p Problems) Messages() []string {
	out := make([]string, len(p))
	for i, pr := range p {
		out[i] = pr.Message
	}
	return out
}

func (p Problems) HasLock() bool {
	for _, pr := range p {
		if pr.Field == FieldLock {
			return true
		}
	}
	return false
}

// Err converts the collected problems into an error for stage. A stage lock
// on its own yields *LockError; anything else yields *ValidationError, which
// unwraps to the *LockError when the stage was locked as well.
func (p Problems) Err(stage *models.Stage) error {
	if len(p) == 0 {
		return nil
	}
	var lockErr *LockError
	if p.HasLock() && stage != nil {
		lockErr = &LockError{StageID: stage.ID}
		if stage.LockedBy != nil {
			lockErr.HeldBy = *stage.LockedBy
		}
		if len(p) == 1 {
			return lockErr
		}
	}
	return &ValidationError{Problems: p, lock: lockErr}
}

// ValidationError lists every reason a deployment was rejected.
type ValidationError struct {
	Problems Problems
	lock     *LockError
}

func (e *ValidationError) Error() string {
	return "deployment invalid: " + strings.Join(e.Problems.Messages(), "; ")
}

func (e *ValidationError) Unwrap() error {
	if e.lock == nil {
		return nil
	}
	return e.lock
}

// LockError reports that the stage is held by another deployment and the
// caller did not ask to override the lock.
type LockError struct {
	StageID int64
	HeldBy  uuid.UUID
}

func (e *LockError) Error() string {
	if e.HeldBy == uuid.Nil {
		return fmt.Sprintf("the stage %d is locked", e.StageID)
	}
	return fmt.Sprintf("the stage %d is locked by deployment %s", e.StageID, e.HeldBy)
}
