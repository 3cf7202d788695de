// Package dispatch contains the Web Push fan-out engine: one broadcast in,
// one classified delivery attempt per registered subscription out.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/associazione-ets/go-push-service/internal/webpush"
	"github.com/associazione-ets/go-push-service/pkg/push"
	"github.com/associazione-ets/go-push-service/pushservice/config"
)

const (
	// messageTTL is the retention window advertised to the push service.
	messageTTL = 60 * time.Second

	// requestTimeout bounds each endpoint POST; a slow push service must
	// never stall the whole batch.
	requestTimeout = 10 * time.Second

	// assertionExpiry is the lifetime of the signed VAPID assertion sent
	// with each request.
	assertionExpiry = 12 * time.Hour

	defaultIcon = "/pwa-192x192.png"
)

// Dispatcher implements push.Broadcaster over HTTP Web Push.
type Dispatcher struct {
	registry   push.Registry
	signer     *webpush.Signer
	signerErr  error
	httpClient *http.Client
	workers    int
	logger     *slog.Logger
}

// NewDispatcher builds the fan-out engine. Invalid VAPID configuration is
// remembered rather than fatal, so the service can still run registration
// traffic; Send surfaces the stored error before touching the network.
func NewDispatcher(cfg config.VapidConfig, registry push.Registry, workers int, logger *slog.Logger) *Dispatcher {
	signer, err := webpush.NewSigner(cfg)
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		registry:   registry,
		signer:     signer,
		signerErr:  err,
		httpClient: &http.Client{Timeout: requestTimeout},
		workers:    workers,
		logger:     logger.With("component", "PushDispatcher"),
	}
}

// ConfigError reports whether the dispatcher holds usable VAPID credentials.
func (d *Dispatcher) ConfigError() error {
	return d.signerErr
}

// Send fans the payload out to every registered subscription and aggregates
// the outcomes. Partial failure is the expected common case: per-subscription
// errors are counted, never propagated. The only hard failures are missing
// VAPID configuration (reported before any endpoint is contacted) and an
// unreadable registry.
func (d *Dispatcher) Send(ctx context.Context, payload push.Payload) (push.Result, error) {
	if d.signerErr != nil {
		return push.Result{}, d.signerErr
	}

	subs, err := d.registry.ListAll(ctx)
	if err != nil {
		return push.Result{}, fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return push.Result{}, nil
	}

	if payload.Icon == "" {
		payload.Icon = defaultIcon
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return push.Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	batchLogger := d.logger.With("batch_id", uuid.NewString())
	batchLogger.Info("Dispatching broadcast", "subscriptions", len(subs))

	var (
		mu        sync.Mutex
		delivered int
		failed    int
		expired   []string
	)

	g := new(errgroup.Group)
	g.SetLimit(d.workers)
	for _, sub := range subs {
		g.Go(func() error {
			outcome := d.attempt(ctx, sub, body)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeDelivered:
				delivered++
			case OutcomeExpired:
				failed++
				expired = append(expired, sub.ID)
			default:
				failed++
			}
			// Never an error: one bad subscription must not abort the rest.
			return nil
		})
	}
	_ = g.Wait()

	// Retire expired endpoints only after every attempt has been classified.
	if len(expired) > 0 {
		batchLogger.Info("Retiring expired subscriptions", "count", len(expired))
		if err := d.registry.Delete(ctx, expired); err != nil {
			batchLogger.Warn("Failed to delete expired subscriptions", "err", err)
		}
	}

	batchLogger.Info("Broadcast complete", "success", delivered, "fail", failed)
	return push.Result{SuccessCount: delivered, FailCount: failed}, nil
}

// attempt runs one subscription's pipeline: encrypt, sign, POST, classify.
func (d *Dispatcher) attempt(ctx context.Context, sub push.Subscription, body []byte) Outcome {
	ciphertext, err := webpush.Encrypt(body, sub.P256dh, sub.Auth)
	if err != nil {
		// Corrupt stored keys count as a transient failure for this one row.
		d.logger.Warn("Encryption failed for subscription", "id", sub.ID, "err", err)
		return OutcomeFailed
	}

	audience, err := webpush.Audience(sub.Endpoint)
	if err != nil {
		d.logger.Warn("Subscription has invalid endpoint", "id", sub.ID, "err", err)
		return OutcomeFailed
	}
	headers, err := d.signer.Headers(audience, assertionExpiry)
	if err != nil {
		d.logger.Warn("VAPID signing failed for subscription", "id", sub.ID, "err", err)
		return OutcomeFailed
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.Endpoint, bytes.NewReader(ciphertext))
	if err != nil {
		d.logger.Warn("Building push request failed", "id", sub.ID, "err", err)
		return OutcomeFailed
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("TTL", strconv.Itoa(int(messageTTL.Seconds())))
	req.Header.Set("Urgency", "normal")
	req.Header.Set("Authorization", headers.Authorization)
	req.Header.Set("Crypto-Key", headers.CryptoKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("Push transport error", "endpoint", sub.Endpoint, "err", err)
		return OutcomeFailed
	}
	defer func() { _ = resp.Body.Close() }()

	outcome := Classify(resp.StatusCode, nil)
	if outcome == OutcomeFailed {
		d.logger.Warn("Push rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
	}
	return outcome
}
