package enforcer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"
)

// LogAlerter reports enforcement transitions through the structured log.
// The default when no notification channel is configured.
type LogAlerter struct{}

func (LogAlerter) PolicyAttached(_ context.Context, identity Identity, policyARN string, watcherIDs []string) {
	log.Warn().
		Str("identity", identity.Name).
		Str("kind", string(identity.Kind)).
		Str("policy", policyARN).
		Strs("watchers", watcherIDs).
		Msg("alert: cost control deny policy attached")
}

func (LogAlerter) PolicyDetached(_ context.Context, identity Identity, policyARN string, watcherIDs []string) {
	log.Info().
		Str("identity", identity.Name).
		Str("kind", string(identity.Kind)).
		Str("policy", policyARN).
		Msg("alert: cost control deny policy detached")
}

// WebhookAlerter posts a JSON notice to an operator webhook. Delivery is
// best-effort: failures are logged, never propagated.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates an alerter posting to the given URL.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *WebhookAlerter) PolicyAttached(ctx context.Context, identity Identity, policyARN string, watcherIDs []string) {
	a.post(ctx, "policy_attached", identity, policyARN, watcherIDs)
}

func (a *WebhookAlerter) PolicyDetached(ctx context.Context, identity Identity, policyARN string, watcherIDs []string) {
	a.post(ctx, "policy_detached", identity, policyARN, watcherIDs)
}

func (a *WebhookAlerter) post(ctx context.Context, kind string, identity Identity, policyARN string, watcherIDs []string) {
	payload := "{}"
	payload, _ = sjson.Set(payload, "event", kind)
	payload, _ = sjson.Set(payload, "identity", identity.Name)
	payload, _ = sjson.Set(payload, "identity_kind", string(identity.Kind))
	payload, _ = sjson.Set(payload, "policy_arn", policyARN)
	payload, _ = sjson.Set(payload, "watchers", watcherIDs)
	payload, _ = sjson.Set(payload, "timestamp", time.Now().UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewBufferString(payload))
	if err != nil {
		log.Warn().Err(err).Msg("alert: building webhook request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", a.url).Msg("alert: webhook delivery failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		log.Warn().
			Str("url", a.url).
			Str("status", fmt.Sprintf("%d", resp.StatusCode)).
			Msg("alert: webhook rejected notice")
	}
}
