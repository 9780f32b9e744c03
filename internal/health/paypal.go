package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// PayPalChecker checks that the PayPal REST API used for webhook signature
// verification is reachable.
type PayPalChecker struct {
	url    string
	client *http.Client
}

// NewPayPalChecker creates a new PayPal health checker.
// apiBase is the REST API root, e.g. "https://api-m.paypal.com".
func NewPayPalChecker(apiBase string) *PayPalChecker {
	return &PayPalChecker{
		url: apiBase,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck sends an unauthenticated GET to the API root. PayPal answers it
// with a 4xx, which proves the API is reachable; only transport errors and 5xx
// responses are failures.
func (p *PayPalChecker) HealthCheck(ctx context.Context) error {
	if p.url == "" {
		return fmt.Errorf("paypal api base not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach paypal api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("paypal unhealthy: unexpected status code %d", resp.StatusCode)
	}
	return nil
}
