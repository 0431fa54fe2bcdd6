package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coachdesk/subsync/internal/tier"
)

var fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "subsync",
	Subsystem: "entitlement",
	Name:      "fetch_total",
	Help:      "Total provider fetches by result (found, not_found, error).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(fetchTotal)
}

// DefaultTimeout bounds the one remote call per reconciliation.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a provider response we will read.
const maxResponseBytes = 1 << 20

// Client fetches entitlement snapshots over HTTP. The API secret stays
// server-side; it is never exposed to the authenticated caller.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a provider client. A non-positive timeout falls back
// to DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch retrieves the entitlement snapshot for a subscriber. The second
// return is false when the provider does not know the subscriber at all;
// every other non-success outcome is a *ProviderError.
func (c *Client) Fetch(ctx context.Context, subscriberID string) (tier.Snapshot, bool, error) {
	u := fmt.Sprintf("%s/v1/subscribers/%s/entitlements", c.baseURL, url.PathEscape(subscriberID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		fetchTotal.WithLabelValues("error").Inc()
		return nil, false, &ProviderError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		fetchTotal.WithLabelValues("error").Inc()
		c.logger.Warn("entitlement fetch failed", "error", err)
		return nil, false, &ProviderError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		fetchTotal.WithLabelValues("not_found").Inc()
		return nil, false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		fetchTotal.WithLabelValues("error").Inc()
		c.logger.Warn("entitlement fetch returned unexpected status", "status", resp.StatusCode)
		return nil, false, &ProviderError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		fetchTotal.WithLabelValues("error").Inc()
		return nil, false, &ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var payload snapshotPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		fetchTotal.WithLabelValues("error").Inc()
		return nil, false, &ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}

	snap := make(tier.Snapshot, len(payload.Entitlements))
	for name, g := range payload.Entitlements {
		snap[tier.Tier(name)] = tier.Grant{
			ExpiresAt:            g.ExpiresAt,
			GracePeriodExpiresAt: g.GracePeriodExpiresAt,
		}
	}
	fetchTotal.WithLabelValues("found").Inc()
	return snap, true, nil
}
