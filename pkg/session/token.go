package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lightforgemedia/go-sessionlink/pkg/resource"
)

// tokenClient fetches short-lived realtime session tokens from the token
// provider. The provider itself is a black box; only the envelope shape is
// ours.
type tokenClient struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

func (tc *tokenClient) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(tc.baseURL, "/")+tc.path, nil)
	if err != nil {
		return "", fmt.Errorf("session: build token request: %w", err)
	}

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", resource.Mark(resource.ClassNetwork, fmt.Errorf("session: token request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resource.Mark(resource.ClassForHTTPStatus(resp.StatusCode),
			fmt.Errorf("session: token endpoint returned %s", resp.Status))
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", resource.Mark(resource.ClassServer, fmt.Errorf("session: decode token response: %w", err))
	}
	if body.Token == "" {
		return "", resource.Mark(resource.ClassServer, errors.New("session: token endpoint returned empty token"))
	}
	return body.Token, nil
}
