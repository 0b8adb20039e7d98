package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s is one of the outcomes a deployment can finish with.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

const (
	MaxTaskLength = 250
	DefaultBranch = "master"
)

// Deployment is one execution attempt of a task against a stage.
//
// PromptConfig is only carried by the unsaved candidate and the dispatch
// call; it is never persisted.
type Deployment struct {
	ID              uuid.UUID         `json:"id"`
	StageID         int64             `json:"stageId"`
	Task            string            `json:"task"`
	Description     string            `json:"description,omitempty"`
	Branch          string            `json:"branch"`
	Initiator       string            `json:"initiator"`
	Status          Status            `json:"status"`
	ExcludedHostIDs HostIDs           `json:"excludedHostIds"`
	OverrideLocking bool              `json:"overrideLocking"`
	PromptConfig    map[string]string `json:"-"`
	PID             *int              `json:"pid,omitempty"`
	Roles           []Role            `json:"roles,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

func (d Deployment) Completed() bool {
	return d.CompletedAt != nil
}

func (d Deployment) Running() bool  { return d.Status == StatusRunning }
func (d Deployment) Success() bool  { return d.Status == StatusSuccess }
func (d Deployment) Failed() bool   { return d.Status == StatusFailed }
func (d Deployment) Canceled() bool { return d.Status == StatusCanceled }

// CancellingPossible requires a dispatched process and a deployment that has
// not reached a terminal status.
func (d Deployment) CancellingPossible() bool {
	return d.PID != nil && !d.Completed()
}

// Duration is the time between creation and completion, zero while running.
func (d Deployment) Duration() time.Duration {
	if d.CompletedAt == nil || d.CreatedAt.IsZero() {
		return 0
	}
	return d.CompletedAt.Sub(d.CreatedAt)
}

// Repeat returns an unsaved candidate for the same stage and task. It must go
// through lock acquisition like any other deployment.
func (d Deployment) Repeat() Deployment {
	return Deployment{
		StageID:     d.StageID,
		Task:        d.Task,
		Branch:      d.Branch,
		Description: fmt.Sprintf("Repetition of deployment %s: \n%s", d.ID, d.Description),
	}
}
