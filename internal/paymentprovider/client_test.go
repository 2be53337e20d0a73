package paymentprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
)

func TestClient_ListAllSubscriptions_Paginated(t *testing.T) {
	pageOne := []Subscription{
		{ID: "sub_1", CustomerID: "cus_1", Status: "active"},
		{ID: "sub_2", CustomerID: "cus_2", Status: "past_due"},
	}
	pageTwo := []Subscription{
		{ID: "sub_3", CustomerID: "cus_3", Status: "canceled"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		if r.URL.Query().Get("starting_after") == "" {
			_ = json.NewEncoder(w).Encode(subscriptionPage{Data: pageOne, HasMore: true})
			return
		}
		assert.Equal(t, "sub_2", r.URL.Query().Get("starting_after"))
		_ = json.NewEncoder(w).Encode(subscriptionPage{Data: pageTwo, HasMore: false})
	}))
	defer server.Close()

	client := NewClient(config.PaymentProvider{
		ProviderURL:     server.URL,
		ProviderSecret:  "sk_test",
		PageSize:        2,
		ProviderTimeout: time.Second,
	})

	subs, err := client.ListAllSubscriptions(context.Background())
	require.NoError(t, err)
	assert.Len(t, subs, 3)
}

func TestClient_ListAllSubscriptions_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(config.PaymentProvider{
		ProviderURL:     server.URL,
		ProviderSecret:  "bad",
		PageSize:        10,
		ProviderTimeout: time.Second,
	})

	_, err := client.ListAllSubscriptions(context.Background())
	assert.Error(t, err)
}

func TestSnapshotByCustomer_MostRecentWins(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	snapshot := SnapshotByCustomer([]Subscription{
		{ID: "sub_1", CustomerID: "cus_1", Status: "canceled", CreatedAt: older},
		{ID: "sub_2", CustomerID: "cus_1", Status: "active", CreatedAt: newer},
		{ID: "sub_3", CustomerID: "cus_2", Status: "past_due", CreatedAt: older},
	})

	assert.Equal(t, map[string]string{
		"cus_1": "active",
		"cus_2": "past_due",
	}, snapshot)
}

func TestIsActiveStatus(t *testing.T) {
	assert.True(t, IsActiveStatus("active"))
	assert.True(t, IsActiveStatus("trialing"))
	assert.True(t, IsActiveStatus("past_due"))
	assert.False(t, IsActiveStatus("canceled"))
	assert.False(t, IsActiveStatus("incomplete"))
}
