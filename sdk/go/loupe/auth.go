package loupe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// tokenManager exchanges the API key for a bearer token and refreshes it
// before expiry. It is safe for concurrent use. A 401 on a query request
// invalidates the cached token so the next request re-authenticates; the
// failure never surfaces as a StreamEvent.
type tokenManager struct {
	baseURL  string
	clientID string
	apiKey   string
	client   *http.Client
	margin   time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, clientID, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:  baseURL,
		clientID: clientID,
		apiKey:   apiKey,
		client:   client,
		margin:   30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}

	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

// invalidate drops the cached token, forcing the next getToken to
// re-authenticate. Called when the server rejects a token with 401.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.mu.Unlock()
}

type authRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

type authResponseEnvelope struct {
	Data struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"data"`
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(authRequest{ClientID: tm.clientID, APIKey: tm.apiKey})
	if err != nil {
		return fmt.Errorf("loupe: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("loupe: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("loupe: auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Code: "AUTH_FAILED", Message: fmt.Sprintf("auth failed with status %d", resp.StatusCode)}
	}

	var envelope authResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("loupe: decode auth response: %w", err)
	}

	tm.token = envelope.Data.Token
	tm.expiresAt = envelope.Data.ExpiresAt
	return nil
}
