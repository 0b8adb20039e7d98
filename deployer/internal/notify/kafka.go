package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout is the per-attempt timeout, 5s by default.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes lifecycle events as JSON. Messages are keyed by
// stage id so events of one stage stay on one partition, in order.
type KafkaNotifier struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
}

type lifecycleMessage struct {
	Type            EventType     `json:"type"`
	DeploymentID    uuid.UUID     `json:"deploymentId"`
	StageID         int64         `json:"stageId"`
	ProjectName     string        `json:"projectName"`
	StageName       string        `json:"stageName"`
	Task            string        `json:"task"`
	Branch          string        `json:"branch"`
	Initiator       string        `json:"initiator"`
	Status          models.Status `json:"status"`
	Outcome         models.Status `json:"outcome,omitempty"`
	ExcludedHostIDs []int64       `json:"excludedHostIds"`
	OverrideLocking bool          `json:"overrideLocking"`
	CreatedAt       time.Time     `json:"createdAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	At              time.Time     `json:"at"`
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Async:        false,
	})
	return newKafkaNotifier(w, cfg), nil
}

func newKafkaNotifier(w messageWriter, cfg KafkaConfig) *KafkaNotifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaNotifier{writer: w, maxAttempts: cfg.MaxAttempts, writeTimeout: cfg.WriteTimeout}
}

func (k *KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	d := ev.Deployment
	value, err := json.Marshal(lifecycleMessage{
		Type:            ev.Type,
		DeploymentID:    d.ID,
		StageID:         d.StageID,
		ProjectName:     ev.Stage.ProjectName,
		StageName:       ev.Stage.Name,
		Task:            d.Task,
		Branch:          d.Branch,
		Initiator:       d.Initiator,
		Status:          d.Status,
		Outcome:         ev.Outcome,
		ExcludedHostIDs: append([]int64{}, d.ExcludedHostIDs...),
		OverrideLocking: d.OverrideLocking,
		CreatedAt:       d.CreatedAt,
		CompletedAt:     d.CompletedAt,
		At:              ev.At,
	})
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(d.StageID, 10)),
		Value: value,
		Time:  ev.At,
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= k.maxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, k.writeTimeout)
		err := k.writer.WriteMessages(actx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == k.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("produce aborted after %d attempts: %w", attempt, lastErr)
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", k.maxAttempts, lastErr)
}

func (k *KafkaNotifier) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
