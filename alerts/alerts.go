// Package alerts delivers job completion notifications to the targets
// configured on the job: a Slack-compatible webhook and, via delta
// subjects, any external email bridge.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/taskgrid/types"
)

// Notifier posts terminal-job notifications. Delivery is best effort:
// failures are logged, never propagated into the state machine.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewNotifier builds a Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

// JobTerminal notifies the job's configured targets that it finished.
func (n *Notifier) JobTerminal(ctx context.Context, job *types.Job) {
	if job.AlertSlackURL == "" {
		return
	}

	text := fmt.Sprintf("Job %q finished with status %s", job.Name, job.Status)
	if job.Error != "" {
		text = fmt.Sprintf("%s: %s", text, job.Error)
	}

	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		n.logger.Error("Failed to marshal alert", "job", job.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.AlertSlackURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("Failed to build alert request", "job", job.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("Failed to deliver job alert", "job", job.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("Alert webhook rejected notification",
			"job", job.ID, "status", resp.StatusCode)
		return
	}
	n.logger.Info("Job alert delivered", "job", job.ID, "job_status", job.Status)
}
