// Package runner is the dispatched deployment process: it fetches its plan,
// runs the task command and reports the outcome back to the controller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/service"
)

// ErrInterrupted means the runner was signalled while the task ran. The
// controller that sent the signal records the outcome, so none is reported.
var ErrInterrupted = errors.New("deployment interrupted")

type Controller interface {
	Plan(ctx context.Context, id uuid.UUID) (service.Plan, error)
	Complete(ctx context.Context, id uuid.UUID, outcome models.Status) (service.DeploymentView, error)
}

type Config struct {
	TaskCommand string
	Prompt      map[string]string
	Stdout      io.Writer
	Stderr      io.Writer
	Logger      *log.Logger
}

// Run executes deployment id and reports success or failed. ctx ending while
// the task runs yields ErrInterrupted.
func Run(ctx context.Context, ctl Controller, id uuid.UUID, cfg Config) (models.Status, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[runner] ", log.LstdFlags)
	}
	if strings.TrimSpace(cfg.TaskCommand) == "" {
		return "", fmt.Errorf("task command required")
	}

	plan, err := ctl.Plan(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fetch plan: %w", err)
	}
	if plan.Deployment.Completed() {
		return plan.Deployment.Status, fmt.Errorf("deployment %s already %s", id, plan.Deployment.Status)
	}
	for _, name := range plan.PromptNames {
		if strings.TrimSpace(cfg.Prompt[name]) == "" {
			logger.Printf("deployment %s: prompt parameter %s has no value", id, name)
		}
	}

	logger.Printf("deployment %s: %s on %s/%s (%d hosts)", id, plan.Deployment.Task, plan.ProjectName, plan.StageName, len(plan.Hosts))
	cmd := exec.Command("sh", "-c", cfg.TaskCommand)
	cmd.Env = append(os.Environ(), Environment(plan, cfg.Prompt)...)
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	runErr := cmd.Run()

	if ctx.Err() != nil {
		logger.Printf("deployment %s: interrupted", id)
		return "", ErrInterrupted
	}

	outcome := models.StatusSuccess
	if runErr != nil {
		logger.Printf("deployment %s: task failed: %v", id, runErr)
		outcome = models.StatusFailed
	}
	if _, err := ctl.Complete(ctx, id, outcome); err != nil {
		if !recorded(ctx, ctl, id, outcome) {
			return outcome, fmt.Errorf("report %s: %w", outcome, err)
		}
		logger.Printf("deployment %s: report failed (%v) but %s is recorded", id, err, outcome)
		return outcome, nil
	}
	logger.Printf("deployment %s: reported %s", id, outcome)
	return outcome, nil
}

// recorded reports whether the controller already holds outcome for id.
func recorded(ctx context.Context, ctl Controller, id uuid.UUID, outcome models.Status) bool {
	plan, err := ctl.Plan(ctx, id)
	if err != nil {
		return false
	}
	return plan.Deployment.Completed() && plan.Deployment.Status == outcome
}

// Environment lists the variables the task command sees. Configuration
// values become STAGEHAND_CONFIG_<NAME>, with prompt values taking precedence.
func Environment(plan service.Plan, prompt map[string]string) []string {
	d := plan.Deployment
	hosts := make([]string, 0, len(plan.Hosts))
	for _, h := range plan.Hosts {
		hosts = append(hosts, h.Name)
	}
	var roles []string
	for _, r := range plan.Roles {
		roles = append(roles, r.Role.Name+"="+r.Role.Host.Name)
	}

	env := []string{
		"STAGEHAND_DEPLOYMENT_ID=" + d.ID.String(),
		"STAGEHAND_TASK=" + d.Task,
		"STAGEHAND_BRANCH=" + d.Branch,
		"STAGEHAND_INITIATOR=" + d.Initiator,
		"STAGEHAND_PROJECT=" + plan.ProjectName,
		"STAGEHAND_STAGE=" + plan.StageName,
		"STAGEHAND_HOSTS=" + strings.Join(hosts, ","),
		"STAGEHAND_ROLES=" + strings.Join(roles, ","),
	}

	config := make(map[string]string, len(plan.Configuration)+len(prompt))
	for k, v := range plan.Configuration {
		config[k] = v
	}
	for k, v := range prompt {
		config[k] = v
	}
	names := make([]string, 0, len(config))
	for k := range config {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		env = append(env, "STAGEHAND_CONFIG_"+envName(k)+"="+config[k])
	}
	return env
}

func envName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
