package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nosana-ci/nosana-node/pkg/log"
)

// ErrAuthMissing is returned when no pinning credential is configured.
var ErrAuthMissing = errors.New("pinning credential missing")

// Client uploads JSON documents to a pinning service and fetches documents
// through a gateway. Fetched entries are content-addressed and therefore
// cached forever.
type Client struct {
	apiURL  string
	gateway string
	jwt     string
	http    *retryablehttp.Client

	mu   sync.Mutex
	memo map[string][]byte
}

// Config holds blob store endpoints and the pinning credential.
type Config struct {
	APIURL  string
	Gateway string
	JWT     string
}

// NewClient creates a blob client.
func NewClient(cfg Config) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.HTTPClient.Timeout = 60 * time.Second
	hc.Logger = nil

	return &Client{
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		gateway: strings.TrimRight(cfg.Gateway, "/"),
		jwt:     cfg.JWT,
		http:    hc,
		memo:    make(map[string][]byte),
	}
}

// HasCredential reports whether a pinning credential is configured.
func (c *Client) HasCredential() bool {
	return c.jwt != ""
}

// PutJSON pins a JSON document and returns its CID.
func (c *Client) PutJSON(ctx context.Context, v any) (string, error) {
	if c.jwt == "" {
		return "", ErrAuthMissing
	}

	payload, err := json.Marshal(map[string]any{"pinataContent": v})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx, "POST", c.apiURL+"/pinning/pinJSONToIPFS", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.jwt)

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin upload: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("pin upload: status %d: %s", res.StatusCode, body)
	}

	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pin upload: decode response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", fmt.Errorf("pin upload: empty hash in response")
	}

	logger := log.WithComponent("ipfs")
	logger.Debug().Str("cid", out.IpfsHash).Msg("document pinned")
	return out.IpfsHash, nil
}

// GetJSON fetches a document by CID and decodes it into out.
func (c *Client) GetJSON(ctx context.Context, cidStr string, out any) error {
	data, err := c.get(ctx, cidStr)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", cidStr, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, cidStr string) ([]byte, error) {
	c.mu.Lock()
	if data, ok := c.memo[cidStr]; ok {
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", c.gateway+"/ipfs/"+cidStr, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cidStr, err)
	}
	defer res.Body.Close()

	if res.StatusCode != 200 {
		return nil, fmt.Errorf("fetch %s: status %d", cidStr, res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cidStr, err)
	}

	c.mu.Lock()
	c.memo[cidStr] = data
	c.mu.Unlock()
	return data, nil
}
