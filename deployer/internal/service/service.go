package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/cancel"
	"github.com/stagehand-deploy/stagehand/deployer/internal/dispatch"
	"github.com/stagehand-deploy/stagehand/deployer/internal/lifecycle"
	"github.com/stagehand-deploy/stagehand/deployer/internal/locking"
	"github.com/stagehand-deploy/stagehand/deployer/internal/metrics"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/notify"
	"github.com/stagehand-deploy/stagehand/deployer/internal/resolver"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
	"github.com/stagehand-deploy/stagehand/deployer/internal/validation"
)

// DispatchError means the deployment was created but its process could not
// be started. The deployment has been completed as failed.
type DispatchError struct {
	Deployment models.Deployment
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch deployment %s: %v", e.Deployment.ID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type CancelQueue interface {
	Submit(id uuid.UUID) error
}

type Service struct {
	store      store.Store
	locks      *locking.Manager
	machine    *lifecycle.Machine
	dispatcher dispatch.Dispatcher
	cancels    *cancel.Controller
	queue      CancelQueue
	notifier   notify.Notifier
	metrics    *metrics.Metrics
}

type Deps struct {
	Store      store.Store
	Machine    *lifecycle.Machine
	Dispatcher dispatch.Dispatcher
	Cancels    *cancel.Controller
	Queue      CancelQueue
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
}

func New(d Deps) *Service {
	if d.Notifier == nil {
		d.Notifier = notify.Nop
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return &Service{
		store:      d.Store,
		locks:      locking.NewManager(d.Store),
		machine:    d.Machine,
		dispatcher: d.Dispatcher,
		cancels:    d.Cancels,
		queue:      d.Queue,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type HostRequest struct {
	Name string `json:"name"`
}

func (s *Service) CreateHost(ctx context.Context, req HostRequest) (models.Host, error) {
	return s.store.CreateHost(ctx, store.HostInput{Name: strings.TrimSpace(req.Name)})
}

type StageRequest struct {
	ProjectName string `json:"projectName"`
	Name        string `json:"name"`
}

func (s *Service) CreateStage(ctx context.Context, req StageRequest) (models.Stage, error) {
	return s.store.CreateStage(ctx, store.StageInput{
		ProjectName: strings.TrimSpace(req.ProjectName),
		Name:        strings.TrimSpace(req.Name),
	})
}

func (s *Service) GetStage(ctx context.Context, id int64) (models.Stage, error) {
	return s.store.GetStage(ctx, id)
}

type RoleRequest struct {
	Name     string `json:"name"`
	HostID   int64  `json:"hostId"`
	Precheck *bool  `json:"precheck"`
}

func (s *Service) AddRole(ctx context.Context, stageID int64, req RoleRequest) (models.Role, error) {
	return s.store.AddRole(ctx, store.RoleInput{
		StageID:  stageID,
		Name:     strings.TrimSpace(req.Name),
		HostID:   req.HostID,
		Precheck: req.Precheck,
	})
}

type ParameterRequest struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Prompt bool   `json:"prompt"`
}

func (s *Service) SetConfigParameter(ctx context.Context, stageID int64, req ParameterRequest) (models.ConfigParameter, error) {
	if req.Prompt {
		req.Value = ""
	}
	return s.store.SetConfigParameter(ctx, store.ParameterInput{
		StageID: stageID,
		Name:    strings.TrimSpace(req.Name),
		Value:   req.Value,
		Prompt:  req.Prompt,
	})
}

// Preview is what a caller sees before starting a deployment.
type Preview struct {
	Stage            models.Stage             `json:"stage"`
	Roles            []resolver.RolePlan      `json:"roles"`
	DeployToHosts    []models.Host            `json:"deployToHosts"`
	UnmatchedHostIDs []int64                  `json:"unmatchedHostIds,omitempty"`
	PromptParameters []models.ConfigParameter `json:"promptParameters"`
	Problems         validation.Problems      `json:"problems,omitempty"`
}

// Preview resolves excluded against the stage without taking the lock.
// Problems lists what would currently stop a deployment by initiator.
func (s *Service) Preview(ctx context.Context, stageID int64, excluded models.HostIDs, initiator string) (Preview, error) {
	stage, err := s.store.GetStage(ctx, stageID)
	if err != nil {
		return Preview{}, err
	}
	res := resolver.Resolve(stage.Roles, excluded)
	candidate := models.Deployment{
		StageID:         stage.ID,
		Task:            models.DeployTasks[0],
		Initiator:       initiator,
		ExcludedHostIDs: excluded,
		PromptConfig:    placeholderPrompt(stage),
	}
	return Preview{
		Stage:            stage,
		Roles:            resolver.Plan(stage.Roles, excluded),
		DeployToHosts:    res.Hosts,
		UnmatchedHostIDs: res.Unmatched,
		PromptParameters: stage.PromptParameters(),
		Problems:         validation.Validate(candidate, &stage),
	}, nil
}

// placeholderPrompt fills every prompt parameter so Preview does not report
// values the caller has not been asked for yet.
func placeholderPrompt(stage models.Stage) map[string]string {
	out := map[string]string{}
	for _, p := range stage.PromptParameters() {
		out[p.Name] = "-"
	}
	return out
}

type DeployRequest struct {
	Task            string            `json:"task"`
	Description     string            `json:"description"`
	Branch          string            `json:"branch"`
	ExcludedHostIDs models.HostIDs    `json:"excludedHostIds"`
	OverrideLocking bool              `json:"overrideLocking"`
	PromptConfig    map[string]string `json:"promptConfig"`
}

// Deploy creates a deployment on stageID, holding the stage lock, and starts
// its process. Rejections come back as *validation.LockError or
// *validation.ValidationError.
func (s *Service) Deploy(ctx context.Context, stageID int64, initiator string, req DeployRequest) (models.Deployment, error) {
	return s.start(ctx, stageID, func(d *models.Deployment) {
		d.Task = strings.TrimSpace(req.Task)
		d.Description = req.Description
		if b := strings.TrimSpace(req.Branch); b != "" {
			d.Branch = b
		}
		d.Initiator = initiator
		d.ExcludedHostIDs = req.ExcludedHostIDs
		d.OverrideLocking = req.OverrideLocking
		d.PromptConfig = req.PromptConfig
	})
}

type RepeatRequest struct {
	ExcludedHostIDs models.HostIDs    `json:"excludedHostIds"`
	OverrideLocking bool              `json:"overrideLocking"`
	PromptConfig    map[string]string `json:"promptConfig"`
}

// Repeat starts a fresh deployment with the task and stage of id. It goes
// through lock acquisition like any other deployment.
func (s *Service) Repeat(ctx context.Context, id uuid.UUID, initiator string, req RepeatRequest) (models.Deployment, error) {
	prev, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return models.Deployment{}, err
	}
	candidate := prev.Repeat()
	return s.start(ctx, candidate.StageID, func(d *models.Deployment) {
		d.Task = candidate.Task
		d.Branch = candidate.Branch
		d.Description = candidate.Description
		d.Initiator = initiator
		d.ExcludedHostIDs = req.ExcludedHostIDs
		d.OverrideLocking = req.OverrideLocking
		d.PromptConfig = req.PromptConfig
	})
}

func (s *Service) start(ctx context.Context, stageID int64, build func(*models.Deployment)) (models.Deployment, error) {
	d, err := s.locks.TryAcquireAndCreate(ctx, stageID, build)
	if err != nil {
		var (
			lockErr *validation.LockError
			vErr    *validation.ValidationError
		)
		switch {
		case errors.As(err, &vErr):
			s.metrics.Acquisition(metrics.AcquireInvalid)
		case errors.As(err, &lockErr):
			s.metrics.Acquisition(metrics.AcquireLocked)
		default:
			s.metrics.Acquisition(metrics.AcquireError)
		}
		return models.Deployment{}, err
	}
	s.metrics.Acquisition(metrics.AcquireCreated)

	stage, err := s.store.GetStage(ctx, d.StageID)
	if err != nil {
		log.Printf("[service] deployment %s: reload stage %d: %v", d.ID, d.StageID, err)
		stage = models.Stage{ID: d.StageID}
	}
	if err := s.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventStarted,
		Deployment: d,
		Stage:      stage,
		At:         d.CreatedAt,
	}); err != nil {
		log.Printf("[service] deployment %s: started event not delivered: %v", d.ID, err)
	}

	pid, err := s.dispatcher.Dispatch(ctx, d, d.PromptConfig)
	if err != nil {
		s.metrics.DispatchFailed()
		log.Printf("[service] deployment %s: dispatch failed: %v", d.ID, err)
		failed, cerr := s.machine.Complete(context.WithoutCancel(ctx), d, models.StatusFailed)
		if cerr != nil {
			return models.Deployment{}, fmt.Errorf("complete undispatched deployment %s: %w", d.ID, cerr)
		}
		return failed, &DispatchError{Deployment: failed, Err: err}
	}
	if err := s.recordPID(ctx, d.ID, pid); err != nil {
		log.Printf("[service] deployment %s: process %d is running but its pid was not recorded: %v", d.ID, pid, err)
		return models.Deployment{}, fmt.Errorf("record pid %d of deployment %s: %w", pid, d.ID, err)
	}
	d.PID = &pid
	d.PromptConfig = nil
	return d, nil
}

const pidWriteAttempts = 3

var pidWriteBackoff = 100 * time.Millisecond

// recordPID stores the pid of a dispatched process. The process is already
// running, so the write outlives the request.
func (s *Service) recordPID(ctx context.Context, id uuid.UUID, pid int) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for i := 0; i < pidWriteAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * pidWriteBackoff)
		}
		if err = s.store.SetDeploymentPID(ctx, id, pid); err == nil || errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return err
}

// DeploymentView adds the resolved target set to a deployment.
type DeploymentView struct {
	models.Deployment
	DeployToHosts      []models.Host `json:"deployToHosts"`
	DeployToRoles      []models.Role `json:"deployToRoles"`
	UnmatchedHostIDs   []int64       `json:"unmatchedHostIds,omitempty"`
	CancellingPossible bool          `json:"cancellingPossible"`
	DurationSeconds    float64       `json:"durationSeconds,omitempty"`
}

func NewDeploymentView(d models.Deployment) DeploymentView {
	res := resolver.Resolve(d.Roles, d.ExcludedHostIDs)
	return DeploymentView{
		Deployment:         d,
		DeployToHosts:      res.Hosts,
		DeployToRoles:      res.Roles,
		UnmatchedHostIDs:   res.Unmatched,
		CancellingPossible: d.CancellingPossible(),
		DurationSeconds:    d.Duration().Seconds(),
	}
}

func (s *Service) GetDeployment(ctx context.Context, id uuid.UUID) (DeploymentView, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return DeploymentView{}, err
	}
	return NewDeploymentView(d), nil
}

func (s *Service) ListDeployments(ctx context.Context, filter store.ListDeploymentsFilter) ([]models.Deployment, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", filter.Status)
	}
	return s.store.ListDeployments(ctx, filter)
}

// RequestCancel checks that id can be canceled and queues the cancellation.
// The interrupt, grace period and kill happen on the cancel worker.
func (s *Service) RequestCancel(ctx context.Context, id uuid.UUID) error {
	if _, err := s.cancels.Check(ctx, id); err != nil {
		var cErr *cancel.CancellationError
		if errors.As(err, &cErr) {
			s.metrics.Cancellation("rejected")
		}
		return err
	}
	if err := s.queue.Submit(id); err != nil {
		s.metrics.Cancellation("queue_full")
		return err
	}
	s.metrics.Cancellation("queued")
	return nil
}

// Plan is what the dispatched process needs to run deployment id. Prompt
// values are not part of it; the runner receives them from the dispatcher.
type Plan struct {
	Deployment    models.Deployment   `json:"deployment"`
	ProjectName   string              `json:"projectName"`
	StageName     string              `json:"stageName"`
	Hosts         []models.Host       `json:"hosts"`
	Roles         []resolver.RolePlan `json:"roles"`
	Configuration map[string]string   `json:"configuration"`
	PromptNames   []string            `json:"promptNames"`
}

func (s *Service) Plan(ctx context.Context, id uuid.UUID) (Plan, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	stage, err := s.store.GetStage(ctx, d.StageID)
	if err != nil {
		return Plan{}, err
	}
	var prompts []string
	for _, p := range stage.PromptParameters() {
		prompts = append(prompts, p.Name)
	}
	targets := resolver.ResolveTargetRoles(d.Roles, d.ExcludedHostIDs)
	return Plan{
		Deployment:    d,
		ProjectName:   stage.ProjectName,
		StageName:     stage.Name,
		Hosts:         resolver.ResolveTargetHosts(d.Roles, d.ExcludedHostIDs),
		Roles:         resolver.Plan(targets, nil),
		Configuration: models.EffectiveConfiguration(stage.Configuration, nil),
		PromptNames:   prompts,
	}, nil
}

// Complete records the outcome reported by the dispatched process.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, outcome models.Status) (models.Deployment, error) {
	return s.machine.CompleteByID(ctx, id, outcome)
}

// CompletionObserver feeds completed events into the metrics.
func CompletionObserver(m *metrics.Metrics) notify.Notifier {
	return notify.NotifierFunc(func(ctx context.Context, ev notify.Event) error {
		if ev.Type == notify.EventCompleted {
			m.Completed(string(ev.Outcome), ev.Deployment.Duration())
		}
		return nil
	})
}
