package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrProviderUnavailable wraps network and server failures from the
	// entitlement provider. Callers fall back to the offline cache.
	ErrProviderUnavailable = errors.New("entitlement provider unavailable")

	// ErrUserCancelled marks a purchase flow the user backed out of. It is
	// an outcome, not a failure; callers treat it as a no-op.
	ErrUserCancelled = errors.New("purchase cancelled by user")

	// ErrSubscriberNotFound means the provider has never seen this user, so
	// there is nothing purchased.
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

// Provider is the narrow boundary to the external entitlement service.
// There is one real HTTP implementation and one deterministic fake for
// simulated runtime mode and tests.
type Provider interface {
	Subscriber(ctx context.Context, userID string) ([]Entitlement, error)
}

// HTTPProvider talks to the billing provider's REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type subscriberResponse struct {
	Entitlements []struct {
		ProductID   string     `json:"product_id"`
		ExpiresDate *time.Time `json:"expires_date"`
		WillRenew   bool       `json:"will_renew"`
		Active      bool       `json:"active"`
	} `json:"entitlements"`
}

func (p *HTTPProvider) Subscriber(ctx context.Context, userID string) ([]Entitlement, error) {
	url := fmt.Sprintf("%s/v1/subscribers/%s/entitlements", p.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscriber request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrSubscriberNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("subscriber request failed: status %d", resp.StatusCode)
	}

	var body subscriberResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode subscriber response: %w", err)
	}

	ents := make([]Entitlement, 0, len(body.Entitlements))
	for _, e := range body.Entitlements {
		ent := Entitlement{
			ProductID: e.ProductID,
			WillRenew: e.WillRenew,
			Active:    e.Active,
		}
		if e.ExpiresDate != nil {
			ent.ExpirationDate = *e.ExpiresDate
		}
		ents = append(ents, ent)
	}
	return ents, nil
}

// FakeProvider is the deterministic simulated-mode implementation. The zero
// value reports no entitlements for every user.
type FakeProvider struct {
	Subscribers map[string][]Entitlement
	Err         error
}

func (f *FakeProvider) Subscriber(_ context.Context, userID string) ([]Entitlement, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Subscribers[userID], nil
}
