// Package webhook delivers signed job results to client callback URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

const (
	userAgent   = "CliniSandbox-Webhook/1.0"
	maxAttempts = 3
)

type Config struct {
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > maxAttempts {
		c.MaxAttempts = maxAttempts
	}
	if c.MinWait <= 0 {
		c.MinWait = 2 * time.Second
	}
	if c.MaxWait < c.MinWait {
		c.MaxWait = c.MinWait
	}
	return c
}

// Notifier implements ports.ResultNotifier.
type Notifier struct {
	logger  *slog.Logger
	cfg     Config
	client  *http.Client
	metrics ports.Metrics
}

var _ ports.ResultNotifier = (*Notifier)(nil)

// New builds a notifier. metrics may be nil.
func New(logger *slog.Logger, cfg Config, metrics ports.Metrics) *Notifier {
	return &Notifier{
		logger:  logger.With("component", "webhook"),
		cfg:     cfg.withDefaults(),
		client:  &http.Client{},
		metrics: metrics,
	}
}

// SendWebhook posts the signed result, retrying transport errors and non-2xx
// responses with exponential backoff. Exhausted retries yield a
// *domain.DeliveryError.
func (n *Notifier) SendWebhook(ctx context.Context, url string, jobID domain.JobID, result json.RawMessage) error {
	body, err := CanonicalPayload(jobID, result)
	if err != nil {
		return err
	}
	signature := Sign(n.cfg.Secret, body)
	log := n.logger.With("job_id", jobID, "url", url)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.MinWait
	b.MaxInterval = n.cfg.MaxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempts := 0
	op := func() (int, error) {
		attempts++
		log.Info("webhook attempt", "attempt", attempts)
		status, err := n.post(ctx, url, body, signature)
		if n.metrics != nil {
			n.metrics.RecordWebhookAttempt(ctx, err == nil)
		}
		return status, err
	}

	status, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("webhook attempt failed, retrying", "error", err, "wait", wait)
		}),
	)
	if err != nil {
		return &domain.DeliveryError{URL: url, Attempts: attempts, Err: err}
	}
	log.Info("webhook delivered", "status_code", status, "attempts", attempts)
	return nil
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("callback responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
