package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/client"
	"github.com/stagehand-deploy/stagehand/deployer/internal/config"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/runner"
)

func main() {
	deployment := flag.String("deployment", os.Getenv("STAGEHAND_DEPLOYMENT_ID"), "deployment id to run")
	flag.Parse()

	logger := log.New(os.Stderr, "[runner] ", log.LstdFlags)
	id, err := uuid.Parse(*deployment)
	if err != nil {
		logger.Fatalf("invalid -deployment %q: %v", *deployment, err)
	}
	cfg, err := config.LoadRunner()
	if err != nil {
		logger.Fatalf("config load: %v", err)
	}
	prompt := map[string]string{}
	if cfg.PromptConfig != "" {
		if err := json.Unmarshal([]byte(cfg.PromptConfig), &prompt); err != nil {
			logger.Fatalf("decode STAGEHAND_PROMPT_CONFIG: %v", err)
		}
	}
	ctl, err := client.New(client.Config{
		BaseURL: cfg.ControllerURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout,
		Retries: 3,
	})
	if err != nil {
		logger.Fatalf("client init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := runner.Run(ctx, ctl, id, runner.Config{
		TaskCommand: cfg.TaskCommand,
		Prompt:      prompt,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Logger:      logger,
	})
	switch {
	case errors.Is(err, runner.ErrInterrupted):
		os.Exit(130)
	case err != nil:
		logger.Fatalf("deployment %s: %v", id, err)
	}
	if outcome != models.StatusSuccess {
		os.Exit(1)
	}
}
