package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lightforgemedia/go-sessionlink/pkg/resource"
)

// Wallet is the identity's wallet record as served by the resource endpoint.
type Wallet struct {
	ID      string `json:"id,omitempty"`
	Address string `json:"address"`
}

// newWalletFetcher builds the FetchFunc for the wallet resource:
// GET {base}/resource/{identityId} -> {"resource": {...} | null}.
func newWalletFetcher(baseURL string, httpClient *http.Client) resource.FetchFunc[Wallet] {
	return func(ctx context.Context, identity string) (Wallet, error) {
		endpoint := strings.TrimRight(baseURL, "/") + "/resource/" + url.PathEscape(identity)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return Wallet{}, fmt.Errorf("session: build wallet request: %w", err)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return Wallet{}, resource.Mark(resource.ClassNetwork, fmt.Errorf("session: wallet request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return Wallet{}, resource.Mark(resource.ClassForHTTPStatus(resp.StatusCode),
				fmt.Errorf("session: wallet endpoint returned %s", resp.Status))
		}

		var body struct {
			Resource *Wallet `json:"resource"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return Wallet{}, resource.Mark(resource.ClassServer, fmt.Errorf("session: decode wallet response: %w", err))
		}
		if body.Resource == nil || body.Resource.Address == "" {
			return Wallet{}, resource.Mark(resource.ClassServer, errors.New("session: no wallet registered for identity"))
		}
		return *body.Resource, nil
	}
}

func walletCacheKey(identity string) string {
	return "sessionlink:wallet:" + identity
}

func encodeWallet(w Wallet) (string, error) {
	b, err := json.Marshal(w)
	return string(b), err
}

func decodeWallet(s string) (Wallet, error) {
	var w Wallet
	err := json.Unmarshal([]byte(s), &w)
	return w, err
}
