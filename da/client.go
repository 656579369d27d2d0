// Package da is the sequencer's data-availability client: it posts
// committed blocks to an external DA layer as opaque blobs, fetches them
// back by reference, and polls for finality, with retry/backoff on every
// network call. Grounded on the teacher's p2p message-envelope
// retry style, re-aimed at a single upstream DA endpoint instead of a peer
// set; there is no mempool gossip or multi-peer consensus here.
package da

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fontana-labs/sequencer/consensus"
)

// Client is the interface node/blockgen depends on, so tests (and a
// disconnected-mode no-op implementation) can stand in for the real HTTP
// client below.
type Client interface {
	SubmitBlock(ctx context.Context, block *consensus.Block) (blobRef string, err error)
	FetchBlock(ctx context.Context, blobRef string) (*consensus.Block, error)
	CheckConfirmation(ctx context.Context, blobRef string) (confirmed bool, err error)
}

// Config configures the HTTP-backed DA client. An empty NodeURL means the
// sequencer runs disconnected from any DA layer: blocks are produced and
// committed locally, but never acquire a blob_ref; this is
// "disconnected mode."
type Config struct {
	NodeURL       string
	AuthToken     string
	NamespaceSeed string // human-readable seed; derived into an 8-byte namespace
	MaxRetries    int
	RequestTimeout time.Duration
}

// Namespace derives the DA layer's 8-byte namespace identifier from
// NamespaceSeed. If seed is already a valid fixed-width hex namespace (16
// hex chars, 8 bytes), it is decoded and used as-is, so an operator who
// already knows the DA layer's namespace id can configure it directly.
// Otherwise the namespace is derived by truncating a SHA-256 digest of the
// seed to its first 8 bytes.
func Namespace(seed string) [8]byte {
	if raw, err := hex.DecodeString(seed); err == nil && len(raw) == 8 {
		var ns [8]byte
		copy(ns[:], raw)
		return ns
	}
	sum := sha256.Sum256([]byte(seed))
	var ns [8]byte
	copy(ns[:], sum[:8])
	return ns
}

// HTTPClient talks to a DA node's HTTP blob-submission API.
type HTTPClient struct {
	cfg       Config
	namespace [8]byte
	http      *http.Client
}

// NewHTTPClient builds an HTTPClient. It is safe to construct even when
// cfg.NodeURL is empty; callers that want disconnected-mode behavior should
// use NewDisconnectedClient instead so the no-op nature is explicit at the
// call site rather than implied by an empty URL.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &HTTPClient{
		cfg:       cfg,
		namespace: Namespace(cfg.NamespaceSeed),
		http:      &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type submitRequest struct {
	Namespace string `json:"namespace"`
	Data      []byte `json:"data"`
}

type submitResponse struct {
	BlobRef string `json:"blob_ref"`
}

func (c *HTTPClient) backoffPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
}

// SubmitBlock serializes block and posts it to the DA node, retrying
// transient failures with exponential backoff (github.com/cenkalti/backoff/v4,
// sourced from AKJUS-bsc-erigon's go.mod).
func (c *HTTPClient) SubmitBlock(ctx context.Context, block *consensus.Block) (string, error) {
	payload, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("da: encode block: %w", err)
	}
	reqBody, err := json.Marshal(submitRequest{Namespace: fmt.Sprintf("%x", c.namespace), Data: payload})
	if err != nil {
		return "", fmt.Errorf("da: encode submit request: %w", err)
	}

	var blobRef string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.NodeURL+"/v1/blobs", bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuth(req)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err // network error: retryable
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("da: submit failed with status %d: %s", resp.StatusCode, body)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("da: submit rejected with status %d: %s", resp.StatusCode, body))
		}
		var out submitResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("da: decode submit response: %w", err))
		}
		blobRef = out.BlobRef
		return nil
	}
	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return "", err
	}
	return blobRef, nil
}

// FetchBlock retrieves a previously submitted block by blob reference.
func (c *HTTPClient) FetchBlock(ctx context.Context, blobRef string) (*consensus.Block, error) {
	var block consensus.Block
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.NodeURL+"/v1/blobs/"+blobRef, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuth(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("da: blob %s not found", blobRef))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("da: fetch failed with status %d", resp.StatusCode)
		}
		var wrapped submitRequest
		if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
			return backoff.Permanent(fmt.Errorf("da: decode fetch envelope: %w", err))
		}
		if err := json.Unmarshal(wrapped.Data, &block); err != nil {
			return backoff.Permanent(fmt.Errorf("da: decode block payload: %w", err))
		}
		return nil
	}
	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return nil, err
	}
	return &block, nil
}

type confirmResponse struct {
	Confirmed bool `json:"confirmed"`
}

// CheckConfirmation polls the DA node for whether blobRef has reached
// finality on the underlying DA layer.
func (c *HTTPClient) CheckConfirmation(ctx context.Context, blobRef string) (bool, error) {
	var confirmed bool
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.NodeURL+"/v1/blobs/"+blobRef+"/confirmation", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuth(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("da: confirmation check failed with status %d", resp.StatusCode)
		}
		var out confirmResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("da: decode confirmation response: %w", err))
		}
		confirmed = out.Confirmed
		return nil
	}
	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return false, err
	}
	return confirmed, nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
}

// DisconnectedClient is the explicit no-op DA client for disconnected
// mode: blocks are produced and committed locally, but never
// attach a blob_ref. Used when Config.NodeURL is empty.
type DisconnectedClient struct{}

func NewDisconnectedClient() *DisconnectedClient { return &DisconnectedClient{} }

func (d *DisconnectedClient) SubmitBlock(ctx context.Context, block *consensus.Block) (string, error) {
	return "", nil
}

func (d *DisconnectedClient) FetchBlock(ctx context.Context, blobRef string) (*consensus.Block, error) {
	return nil, fmt.Errorf("da: disconnected client has no blobs to fetch")
}

func (d *DisconnectedClient) CheckConfirmation(ctx context.Context, blobRef string) (bool, error) {
	return false, fmt.Errorf("da: disconnected client has no blobs to confirm")
}
