package paymentprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"encoding/json"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
)

// Client — HTTP клиент API платёжного провайдера.
type Client struct {
	apiURL     string
	secretKey  string
	pageSize   int
	httpClient *http.Client
}

// NewClient создаёт нового клиента провайдера.
func NewClient(cfg config.PaymentProvider) *Client {
	return &Client{
		apiURL:     cfg.ProviderURL,
		secretKey:  cfg.ProviderSecret,
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: cfg.ProviderTimeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	return req, nil
}

// ListAllSubscriptions выгружает все подписки провайдера постранично.
func (c *Client) ListAllSubscriptions(ctx context.Context) ([]Subscription, error) {
	const op = "paymentprovider.ListAllSubscriptions"

	var all []Subscription
	startingAfter := ""
	for {
		query := url.Values{"limit": []string{strconv.Itoa(c.pageSize)}}
		if startingAfter != "" {
			query.Set("starting_after", startingAfter)
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/subscriptions?"+query.Encode())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%s: %w", op, errors.New("unexpected status: "+resp.Status))
		}

		var page subscriptionPage
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		_ = resp.Body.Close()

		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			break
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
	return all, nil
}

// SnapshotByCustomer строит снимок статусов: по каждому клиенту берётся
// самая свежая подписка.
func SnapshotByCustomer(subscriptions []Subscription) map[string]string {
	latest := make(map[string]time.Time, len(subscriptions))
	snapshot := make(map[string]string, len(subscriptions))
	for _, sub := range subscriptions {
		if seen, ok := latest[sub.CustomerID]; ok && !sub.CreatedAt.After(seen) {
			continue
		}
		latest[sub.CustomerID] = sub.CreatedAt
		snapshot[sub.CustomerID] = sub.Status
	}
	return snapshot
}
