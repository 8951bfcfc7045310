package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/equiptrack/internal/gateway"
	jobmetrics "github.com/odyssey-erp/equiptrack/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskAuthPruneUnconfirmed removes accounts never confirmed.
	TaskAuthPruneUnconfirmed = "auth:prune_unconfirmed"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.To) == "" {
		return nil, fmt.Errorf("jobs: mail recipient required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.MaxRetry(5), asynq.Timeout(30*time.Second)), nil
}

// Sender delivers a mail synchronously.
type Sender interface {
	Send(ctx context.Context, payload SendEmailPayload) error
}

// MailJob processes TaskTypeSendEmail tasks.
type MailJob struct {
	sender  Sender
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewMailJob constructs a MailJob.
func NewMailJob(sender Sender, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailJob{sender: sender, logger: logger, metrics: metrics}
}

// Handle delivers one mail. Malformed payloads are not retried.
func (j *MailJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.logger.Error("decode mail task", slog.Any("error", err))
		return fmt.Errorf("decode mail payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskTypeSendEmail)
	err := j.sender.Send(ctx, payload)
	if err != nil {
		j.logger.Warn("send mail", slog.String("subject", payload.Subject), slog.Any("error", err))
	} else {
		j.logger.Info("mail sent", slog.String("subject", payload.Subject))
	}
	return tracker.End(err)
}

// PrunePayload configures one prune run.
type PrunePayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewPruneUnconfirmedTask constructs the prune task.
func NewPruneUnconfirmedTask(olderThan time.Duration) (*asynq.Task, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("jobs: prune age must be positive")
	}
	data, err := json.Marshal(PrunePayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthPruneUnconfirmed, data, asynq.Queue(QueueDefault)), nil
}

// Pruner deletes stale unconfirmed accounts.
type Pruner interface {
	PruneUnconfirmed(ctx context.Context, age time.Duration) (int64, error)
}

// PruneJob processes TaskAuthPruneUnconfirmed tasks.
type PruneJob struct {
	pruner  Pruner
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewPruneJob constructs a PruneJob.
func NewPruneJob(pruner Pruner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PruneJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &PruneJob{pruner: pruner, logger: logger, metrics: metrics}
}

// Handle runs one prune.
func (j *PruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload PrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OlderThan <= 0 {
		return fmt.Errorf("decode prune payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskAuthPruneUnconfirmed)
	n, err := j.pruner.PruneUnconfirmed(ctx, payload.OlderThan)
	if err == nil {
		j.metrics.AddPruned(n)
		j.logger.Info("pruned unconfirmed accounts", slog.Int64("count", n))
	}
	return tracker.End(err)
}

// Mailer enqueues gateway mail as TaskTypeSendEmail tasks.
type Mailer struct {
	client *Client
}

// NewMailer adapts client to gateway.Mailer.
func NewMailer(client *Client) *Mailer {
	return &Mailer{client: client}
}

// Send implements gateway.Mailer.
func (m *Mailer) Send(ctx context.Context, mail gateway.Mail) error {
	_, err := m.client.EnqueueSendEmail(ctx, SendEmailPayload{To: mail.To, Subject: mail.Subject, Body: mail.Body})
	return err
}

var _ gateway.Mailer = (*Mailer)(nil)
