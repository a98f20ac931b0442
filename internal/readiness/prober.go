// Package readiness proves a machine can execute a real workload end-to-end.
// Infrastructure-level "up" is not sufficient: the probe sends a synthetic
// task through the machine's application API and polls for a correct answer.
package readiness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcloud/agentcloud/internal/metrics"
)

// Status classifies a probe outcome. Callers branch on the kind; failure
// detail travels alongside rather than inside an error.
type Status string

const (
	StatusPassed      Status = "passed"
	StatusWrongAnswer Status = "wrong_answer"
	StatusTimeout     Status = "timeout"
	StatusSendFailed  Status = "send_failed"
)

// Result is the outcome of one probe run.
type Result struct {
	Status Status
	Detail string
}

// Config bounds every network-facing step of the probe. Phases run to their
// own deadline or to definitive success/failure; there is no caller-driven
// cancellation beyond ctx.
type Config struct {
	BaseURL string
	Client  *http.Client

	SendTimeout       time.Duration // per send attempt
	SendRetryInterval time.Duration
	SendDeadline      time.Duration // whole send phase
	PollInterval      time.Duration
	PollDeadline      time.Duration // whole poll phase
}

const (
	// ProbeThreadID is the reserved conversation the probe always uses.
	ProbeThreadID = "readiness-probe"

	probeQuestion = "What is one plus two? Reply with just the answer."
)

var answerPattern = regexp.MustCompile(`(?i)\b(3|three)\b`)

type webhookRequest struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	CreatedAt string `json:"createdAt"`
}

type threadMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
}

// Probe runs the two-phase readiness check against a machine.
func Probe(ctx context.Context, cfg Config) Result {
	result := probe(ctx, cfg)
	metrics.ReadinessProbesTotal.WithLabelValues(string(result.Status)).Inc()
	return result
}

func probe(ctx context.Context, cfg Config) Result {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	probeMessageID, result := sendPhase(ctx, cfg)
	if result != nil {
		return *result
	}
	return pollPhase(ctx, cfg, probeMessageID)
}

// sendPhase submits the synthetic task. Connection failures and 5xx/408/429
// responses are retried at a fixed interval until the send deadline; any
// other 4xx fails immediately — retrying would not help and wastes the
// poll budget.
func sendPhase(ctx context.Context, cfg Config) (string, *Result) {
	deadline := time.Now().Add(cfg.SendDeadline)
	var lastErr string

	for attempt := 1; ; attempt++ {
		// Fresh message id per attempt so a retried send is a new message,
		// not a duplicate of one the machine may have half-processed.
		messageID := uuid.NewString()

		status, err := sendOnce(ctx, cfg, messageID)
		if err == nil && status < 300 {
			return messageID, nil
		}

		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("HTTP %d", status)
			if !retryableStatus(status) {
				return "", &Result{
					Status: StatusSendFailed,
					Detail: fmt.Sprintf("probe send rejected with %s on attempt %d", lastErr, attempt),
				}
			}
		}

		if time.Now().Add(cfg.SendRetryInterval).After(deadline) {
			return "", &Result{
				Status: StatusSendFailed,
				Detail: fmt.Sprintf("probe send deadline exceeded after %d attempts, last error: %s", attempt, lastErr),
			}
		}

		select {
		case <-ctx.Done():
			return "", &Result{Status: StatusSendFailed, Detail: "probe cancelled: " + ctx.Err().Error()}
		case <-time.After(cfg.SendRetryInterval):
		}
	}
}

func sendOnce(ctx context.Context, cfg Config, messageID string) (int, error) {
	body, _ := json.Marshal(webhookRequest{
		ThreadID:  ProbeThreadID,
		MessageID: messageID,
		Text:      probeQuestion,
		UserID:    "readiness-prober",
		UserName:  "Readiness Probe",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "POST",
		strings.TrimRight(cfg.BaseURL, "/")+"/api/integrations/webchat/webhook", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func retryableStatus(status int) bool {
	return status >= 500 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

// pollPhase watches the probe thread for the answer. Assistant text that
// appears but does not match is a definitive failure: the machine answered
// wrong, and waiting longer will not produce a new turn.
func pollPhase(ctx context.Context, cfg Config, probeMessageID string) Result {
	deadline := time.Now().Add(cfg.PollDeadline)

	for {
		text, err := fetchAssistantText(ctx, cfg, probeMessageID)
		if err == nil && text != "" {
			if answerPattern.MatchString(text) {
				return Result{Status: StatusPassed}
			}
			return Result{
				Status: StatusWrongAnswer,
				Detail: fmt.Sprintf("machine answered %q, expected 3", strings.TrimSpace(text)),
			}
		}

		if time.Now().Add(cfg.PollInterval).After(deadline) {
			detail := "no assistant response before poll deadline"
			if err != nil {
				detail += ", last error: " + err.Error()
			}
			return Result{Status: StatusTimeout, Detail: detail}
		}

		select {
		case <-ctx.Done():
			return Result{Status: StatusTimeout, Detail: "probe cancelled: " + ctx.Err().Error()}
		case <-time.After(cfg.PollInterval):
		}
	}
}

// fetchAssistantText returns the combined assistant-authored text that
// appeared after the probe's own message in the reserved thread.
func fetchAssistantText(ctx context.Context, cfg Config, probeMessageID string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/integrations/webchat/threads/%s/messages",
		strings.TrimRight(cfg.BaseURL, "/"), ProbeThreadID)
	req, err := http.NewRequestWithContext(attemptCtx, "GET", url, nil)
	if err != nil {
		return "", err
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("message listing returned %d", resp.StatusCode)
	}

	var payload struct {
		Messages []threadMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode message listing: %w", err)
	}

	// The reserved thread accumulates messages across probe runs; only
	// assistant text after this run's own message counts.
	seenProbe := false
	var parts []string
	for _, msg := range payload.Messages {
		if msg.MessageID == probeMessageID {
			seenProbe = true
			continue
		}
		if seenProbe && msg.Role == "assistant" {
			parts = append(parts, msg.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
