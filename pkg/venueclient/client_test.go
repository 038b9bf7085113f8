package venueclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayoutAccountRetriesTransientFailures(t *testing.T) {
	venueID := uuid.New()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/venues/"+venueID.String()+"/payout-account", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Internal-API-Key"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(PayoutAccountResponse{
			VenueID:          venueID.String(),
			PaymentAccountID: "acct_123",
			ChargesEnabled:   true,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", WithRetry(2, time.Millisecond, 5*time.Millisecond))
	account, err := client.PayoutAccount(context.Background(), venueID)

	require.NoError(t, err)
	assert.Equal(t, "acct_123", account)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPayoutAccountNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", WithRetry(2, time.Millisecond, 5*time.Millisecond))
	_, err := client.PayoutAccount(context.Background(), uuid.New())

	assert.True(t, errors.Is(err, ErrVenueNotFound))
}

func TestPayoutAccountSkipsVenuesWithoutCharges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PayoutAccountResponse{PaymentAccountID: "acct_pending", ChargesEnabled: false})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	account, err := client.PayoutAccount(context.Background(), uuid.New())

	require.NoError(t, err)
	assert.Empty(t, account)
}

func TestPayoutAccountDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", WithRetry(3, time.Millisecond, 5*time.Millisecond))
	_, err := client.PayoutAccount(context.Background(), uuid.New())

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPayoutAccountRequiresBaseURL(t *testing.T) {
	_, err := NewClient("  ", "").PayoutAccount(context.Background(), uuid.New())
	require.Error(t, err)
}
