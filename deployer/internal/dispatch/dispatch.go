// Package dispatch starts the external process that runs a deployment. The
// process reports its own outcome back to the controller; the controller
// keeps only its pid for cancellation.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

// Dispatcher launches the process for d and returns once it has started.
type Dispatcher interface {
	Dispatch(ctx context.Context, d models.Deployment, prompt map[string]string) (pid int, err error)
}

type TokenIssuer interface {
	IssueRunnerToken(id uuid.UUID, ttl time.Duration) (string, error)
}

// ExecDispatcher runs `<RunnerPath> -deployment <id>` in its own process
// group with output appended to <LogDir>/<id>.log.
type ExecDispatcher struct {
	RunnerPath    string
	ControllerURL string
	LogDir        string
	Tokens        TokenIssuer
	TokenTTL      time.Duration
	// Env is added to the inherited environment of the runner.
	Env    []string
	Logger *log.Logger
	// OnExit is called after the process has been reaped.
	OnExit func(id uuid.UUID, pid int, err error)
}

func NewExecDispatcher(runnerPath, controllerURL, logDir string, tokens TokenIssuer, ttl time.Duration) *ExecDispatcher {
	return &ExecDispatcher{
		RunnerPath:    runnerPath,
		ControllerURL: controllerURL,
		LogDir:        logDir,
		Tokens:        tokens,
		TokenTTL:      ttl,
		Logger:        log.New(os.Stderr, "[dispatch] ", log.LstdFlags),
	}
}

// LogPath returns where the output of deployment id is written.
func (e *ExecDispatcher) LogPath(id uuid.UUID) string {
	return filepath.Join(e.LogDir, id.String()+".log")
}

func (e *ExecDispatcher) Dispatch(ctx context.Context, d models.Deployment, prompt map[string]string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	token, err := e.Tokens.IssueRunnerToken(d.ID, e.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("issue runner token: %w", err)
	}
	if prompt == nil {
		prompt = map[string]string{}
	}
	promptJSON, err := json.Marshal(prompt)
	if err != nil {
		return 0, fmt.Errorf("marshal prompt configuration: %w", err)
	}

	if err := os.MkdirAll(e.LogDir, 0o750); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(e.LogPath(d.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("open deployment log: %w", err)
	}

	// Not bound to ctx: the process must outlive the request that started it.
	cmd := exec.Command(e.RunnerPath, "-deployment", d.ID.String())
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"STAGEHAND_URL="+e.ControllerURL,
		"STAGEHAND_TOKEN="+token,
		"STAGEHAND_DEPLOYMENT_ID="+d.ID.String(),
		"STAGEHAND_PROMPT_CONFIG="+string(promptJSON),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("start runner: %w", err)
	}
	pid := cmd.Process.Pid
	e.logf("deployment %s (stage %d, task %s) started as pid %d", d.ID, d.StageID, d.Task, pid)

	go func() {
		err := cmd.Wait()
		logFile.Close()
		if err != nil {
			e.logf("deployment %s: pid %d exited: %v", d.ID, pid, err)
		} else {
			e.logf("deployment %s: pid %d exited", d.ID, pid)
		}
		if e.OnExit != nil {
			e.OnExit(d.ID, pid, err)
		}
	}()
	return pid, nil
}

func (e *ExecDispatcher) logf(format string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}
