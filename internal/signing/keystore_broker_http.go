package signing

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPSeedFetcher implements SeedFetcher against a remote signer process
// reachable over plain HTTP, modeled on storage.HTTPClient
// (code/cellorg/internal/storage/client.go): a thin http.Client wrapper
// with a fixed timeout and a single baseURL.
type HTTPSeedFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSeedFetcher wraps baseURL (e.g. "http://localhost:9100") as a
// SeedFetcher. GET {baseURL}/seeds/{id} must return {"seed_hex": "..."}, a
// 32-byte Ed25519 seed hex-encoded, generating one on first use.
func NewHTTPSeedFetcher(baseURL string) *HTTPSeedFetcher {
	return &HTTPSeedFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type seedResponse struct {
	SeedHex string `json:"seed_hex"`
}

// FetchSeed retrieves id's seed from the broker.
func (f *HTTPSeedFetcher) FetchSeed(id string) ([]byte, error) {
	resp, err := f.client.Get(f.baseURL + "/seeds/" + id)
	if err != nil {
		return nil, fmt.Errorf("signing: fetch seed for %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing: broker returned %s for %s", resp.Status, id)
	}
	var sr seedResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("signing: decode seed response for %s: %w", id, err)
	}
	seed, err := hex.DecodeString(sr.SeedHex)
	if err != nil {
		return nil, fmt.Errorf("signing: decode seed hex for %s: %w", id, err)
	}
	return seed, nil
}
