package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

// StageWebhookParameter names the stage configuration parameter that
// overrides the default chat webhook URL.
const StageWebhookParameter = "chat_webhook_url"

// WebhookNotifier posts a chat message for every started and completed
// deployment. Stages without a webhook URL are skipped.
type WebhookNotifier struct {
	DefaultURL string
	// PublicURL is the controller's external base URL, used to link the
	// deployment in started messages.
	PublicURL string
	Client    *http.Client
}

type chatMessage struct {
	Text   string `json:"text"`
	Color  string `json:"color"`
	Notify bool   `json:"notify"`
}

func NewWebhookNotifier(defaultURL, publicURL string) *WebhookNotifier {
	return &WebhookNotifier{
		DefaultURL: defaultURL,
		PublicURL:  strings.TrimRight(publicURL, "/"),
		Client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookNotifier) url(stage models.Stage) string {
	if p, ok := stage.Parameter(StageWebhookParameter); ok && strings.TrimSpace(p.Value) != "" {
		return strings.TrimSpace(p.Value)
	}
	return w.DefaultURL
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	target := w.url(ev.Stage)
	if target == "" {
		return nil
	}
	var msg chatMessage
	switch ev.Type {
	case EventStarted:
		msg = chatMessage{Text: w.StartedText(ev), Color: "yellow", Notify: true}
	case EventCompleted:
		msg = chatMessage{Text: CompletedText(ev), Color: completedColor(ev.Outcome), Notify: true}
	default:
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// StartedText renders e.g. ":unlock: Alice is deploying Shop on production".
func (w *WebhookNotifier) StartedText(ev Event) string {
	d := ev.Deployment
	var parts []string
	if d.OverrideLocking {
		parts = append(parts, ":unlock:")
	}
	parts = append(parts, fmt.Sprintf("%s is %s %s on %s",
		humanize(d.Initiator), models.HumanizeTask(d.Task).Progressive, humanize(ev.Stage.ProjectName), ev.Stage.Name))
	if w.PublicURL != "" {
		parts = append(parts, fmt.Sprintf("%s/deployments/%s", w.PublicURL, d.ID))
	}
	text := strings.Join(parts, " ")
	if desc := strings.TrimSpace(strings.ReplaceAll(d.Description, "\r\n", "\n")); desc != "" {
		text += "\n" + desc
	}
	return text
}

// CompletedText renders e.g. "Alice successfully deployed Shop on production (1m 5s)".
func CompletedText(ev Event) string {
	d := ev.Deployment
	verbs := models.HumanizeTask(d.Task)
	var action string
	switch ev.Outcome {
	case models.StatusFailed:
		action = "failed to " + verbs.Imperative
	case models.StatusSuccess:
		action = "successfully " + verbs.Past
	case models.StatusCanceled:
		action = "canceled " + verbs.Progressive
	default:
		action = string(ev.Outcome) + " " + verbs.Progressive
	}
	var parts []string
	if ev.Outcome == models.StatusFailed || ev.Outcome == models.StatusCanceled {
		parts = append(parts, ":warning:")
	}
	parts = append(parts, fmt.Sprintf("%s %s %s on %s", humanize(d.Initiator), action, humanize(ev.Stage.ProjectName), ev.Stage.Name))
	if d.CompletedAt != nil && !d.CreatedAt.IsZero() {
		parts = append(parts, "("+elapsed(d.Duration())+")")
	}
	return strings.Join(parts, " ")
}

func completedColor(outcome models.Status) string {
	if outcome == models.StatusFailed || outcome == models.StatusCanceled {
		return "red"
	}
	return "green"
}

// elapsed formats whole seconds as "5s" or "1m 5s"; minutes appear past 60s.
func elapsed(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs > 60 {
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%ds", secs%60)
}

// humanize turns "john_doe" into "John doe".
func humanize(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", " "))
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
