package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"gamebattle-orchestrator/metrics"
	"gamebattle-orchestrator/utils"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// WebhookNotifier delivers JSON notifications best-effort: each delivery is
// retried with exponential backoff and failures are only logged.
type WebhookNotifier struct {
	url        string
	kind       string
	client     *http.Client
	maxRetries uint
	interval   time.Duration
	log        logrus.FieldLogger

	wg sync.WaitGroup
}

// NewWebhookNotifier returns a notifier for url. An empty url disables it.
func NewWebhookNotifier(url, kind string, client *http.Client, maxRetries uint, log logrus.FieldLogger) *WebhookNotifier {
	if client == nil {
		client = utils.NewHTTPClient(0)
	}
	return &WebhookNotifier{
		url:        url,
		kind:       kind,
		client:     client,
		maxRetries: maxRetries,
		interval:   500 * time.Millisecond,
		log:        log.WithFields(logrus.Fields{"component": "webhook", "kind": kind}),
	}
}

func (n *WebhookNotifier) Enabled() bool { return n != nil && n.url != "" }

// Send delivers payload, retrying transport errors and 5xx/429 answers.
func (n *WebhookNotifier) Send(ctx context.Context, payload any) error {
	if !n.Enabled() {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.interval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := utils.PostJSON(ctx, n.client, n.url, payload)
		var status *utils.StatusError
		if errors.As(err, &status) && !status.Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(n.maxRetries+1))
	return err
}

// Fire sends payload in the background. It never blocks the caller.
func (n *WebhookNotifier) Fire(payload any) {
	if !n.Enabled() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := n.Send(ctx, payload); err != nil {
			metrics.WebhookFailures.WithLabelValues(n.kind).Inc()
			n.log.WithError(err).Warn("Webhook delivery failed, giving up")
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *WebhookNotifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
