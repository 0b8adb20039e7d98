package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/stagehand-deploy/stagehand/deployer/internal/auth"
	"github.com/stagehand-deploy/stagehand/deployer/internal/cancel"
	"github.com/stagehand-deploy/stagehand/deployer/internal/config"
	"github.com/stagehand-deploy/stagehand/deployer/internal/dispatch"
	"github.com/stagehand-deploy/stagehand/deployer/internal/httpserver"
	"github.com/stagehand-deploy/stagehand/deployer/internal/lifecycle"
	"github.com/stagehand-deploy/stagehand/deployer/internal/metrics"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/notify"
	"github.com/stagehand-deploy/stagehand/deployer/internal/service"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply database migrations before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	if *migrate {
		if err := store.Migrate(db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	st := store.NewPGStore(db)
	m := metrics.New()
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		AllowDebug: cfg.AllowDebugToken,
		DebugToken: cfg.DebugToken,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	targets := []notify.Target{
		{Name: "metrics", Notifier: service.CompletionObserver(m)},
		{Name: "webhook", Notifier: notify.NewWebhookNotifier(cfg.ChatWebhook, cfg.PublicURL)},
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := notify.NewKafkaNotifier(notify.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Fatalf("kafka notifier init: %v", err)
		}
		defer kafka.Close()
		targets = append(targets, notify.Target{Name: "kafka", Notifier: kafka})
	}
	if cfg.ArchiveBucket != "" {
		archive, err := notify.NewArchiveNotifier(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archive notifier init: %v", err)
		}
		targets = append(targets, notify.Target{Name: "archive", Notifier: archive})
	}
	fanout := notify.NewFanout(cfg.NotifyTimeout, targets...)
	fanout.OnFailure = m.NotifierFailed
	events := notify.NewQueue(fanout, 1, cfg.NotifyQueue)

	machine := lifecycle.NewMachine(st, events)
	ctl := cancel.NewController(st, machine, cancel.UnixSignaler{})
	ctl.Grace = cfg.CancelGrace
	worker := cancel.NewWorker(ctl, cfg.CancelWorkers, cfg.CancelQueue)
	worker.OnResult = func(_ uuid.UUID, _ models.Deployment, err error) {
		if err != nil {
			m.Cancellation("failed")
			return
		}
		m.Cancellation("canceled")
	}
	worker.Start(ctx)

	dispatcher := dispatch.NewExecDispatcher(cfg.RunnerPath, cfg.PublicURL, cfg.LogDir, verifier, cfg.RunnerTokenTTL)
	svc := service.New(service.Deps{
		Store:      st,
		Machine:    machine,
		Dispatcher: dispatcher,
		Cancels:    ctl,
		Queue:      worker,
		Notifier:   events,
		Metrics:    m,
	})
	server := httpserver.New(svc, verifier, m)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("stagehand listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
	worker.Stop()
	events.Close()
	cancelRun()
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
