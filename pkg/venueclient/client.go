/**
 * @description
 * This package provides a client for the venue-service. The booking-service only
 * needs one thing from it: the payment sub-account a venue's card payments are
 * routed to. Calls run through a failsafe-go retry policy and circuit breaker.
 */
package venueclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
)

// ErrVenueNotFound is returned when the venue-service does not know the venue.
var ErrVenueNotFound = errors.New("venue not found")

// Client is a client for the venue service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRetry overrides the retry policy backoff.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.executor = newExecutor(maxRetries, baseDelay, maxDelay)
	}
}

// NewClient creates a new venue service client.
func NewClient(baseURL string, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		executor:   newExecutor(3, 100*time.Millisecond, 2*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

//nolint:bodyclose // *http.Response is a type parameter here, not a live response
func newExecutor(maxRetries int, baseDelay, maxDelay time.Duration) failsafe.Executor[*http.Response] {
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(shouldRetry).
		WithBackoff(baseDelay, maxDelay).
		WithMaxRetries(maxRetries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= 500)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		Build()

	return failsafe.With[*http.Response](retry, breaker)
}

// PayoutAccountResponse defines the response from the payout account lookup.
type PayoutAccountResponse struct {
	VenueID          string `json:"venue_id"`
	PaymentAccountID string `json:"payment_account_id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
}

// PayoutAccount returns the venue's connected payment account id, or the empty
// string when the venue has not finished onboarding.
func (c *Client) PayoutAccount(ctx context.Context, venueID uuid.UUID) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("venue service base url is empty")
	}
	url := fmt.Sprintf("%s/internal/venues/%s/payout-account", c.baseURL, venueID)

	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-Internal-API-Key", c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if shouldRetry(resp, err) && resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute request to venue service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrVenueNotFound
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("venue service returned error status %d", resp.StatusCode)
	}

	var response PayoutAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if !response.ChargesEnabled {
		return "", nil
	}
	return strings.TrimSpace(response.PaymentAccountID), nil
}
