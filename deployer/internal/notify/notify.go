// Package notify delivers deployment lifecycle events to external
// collaborators. Delivery is best effort: failures are logged and counted,
// never returned to the deployment core.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

type EventType string

const (
	EventStarted   EventType = "deployment.started"
	EventCompleted EventType = "deployment.completed"
)

// Event is what the core hands to notifiers. Outcome is set for completed
// events only.
type Event struct {
	Type       EventType         `json:"type"`
	Deployment models.Deployment `json:"deployment"`
	Stage      models.Stage      `json:"stage"`
	Outcome    models.Status     `json:"outcome,omitempty"`
	At         time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop drops every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

type Target struct {
	Name     string
	Notifier Notifier
}

// Fanout calls every target concurrently, each under its own timeout. It
// always returns nil; one target failing does not affect the others.
type Fanout struct {
	Targets   []Target
	Timeout   time.Duration
	OnFailure func(name string, err error)
}

func NewFanout(timeout time.Duration, targets ...Target) *Fanout {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fanout{Targets: targets, Timeout: timeout}
}

func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	var wg sync.WaitGroup
	for _, t := range f.Targets {
		if t.Notifier == nil {
			continue
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, f.Timeout)
			defer cancel()
			if err := t.Notifier.Notify(tctx, ev); err != nil {
				log.Printf("[notify] %s: %s for deployment %s failed: %v", t.Name, ev.Type, ev.Deployment.ID, err)
				if f.OnFailure != nil {
					f.OnFailure(t.Name, err)
				}
			}
		}(t)
	}
	wg.Wait()
	return nil
}
