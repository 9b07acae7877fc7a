package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/me-foundation/luckdrop/server"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

// LedgerSnapshot mirrors the engine's /ledger response.
type LedgerSnapshot struct {
	TreasuryAtoms uint64 `json:"treasury_atoms"`
	CommitAtoms   uint64 `json:"commit_atoms"`
	ProtocolAtoms uint64 `json:"protocol_atoms"`
	TotalAtoms    uint64 `json:"total_atoms"`
	Commits       uint64 `json:"commits"`
	Halted        bool   `json:"halted"`
}

// QueryClient talks to the engine's HTTP side endpoints. It is read-only;
// every mutating call goes through the engine API directly.
type QueryClient struct {
	base string
	hc   *http.Client
}

// NewQueryClient builds a client for the given base URL, e.g.
// "http://127.0.0.1:8888".
func NewQueryClient(baseURL string) *QueryClient {
	return &QueryClient{
		base: baseURL,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *QueryClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ledger fetches the balance counters.
func (c *QueryClient) Ledger(ctx context.Context) (*LedgerSnapshot, error) {
	var out LedgerSnapshot
	if err := c.get(ctx, "/ledger", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Commit fetches one commit record by id.
func (c *QueryClient) Commit(ctx context.Context, id uint64) (*commitdb.CommitRecord, error) {
	var out commitdb.CommitRecord
	if err := c.get(ctx, "/commit?id="+strconv.FormatUint(id, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CommitByDigest fetches the most recent commit bearing a digest.
func (c *QueryClient) CommitByDigest(ctx context.Context, digestHex string) (*commitdb.CommitRecord, error) {
	var out commitdb.CommitRecord
	if err := c.get(ctx, "/commit?digest="+url.QueryEscape(digestHex), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cosigners fetches the cosigner activation map.
func (c *QueryClient) Cosigners(ctx context.Context) (map[string]bool, error) {
	var out map[string]bool
	if err := c.get(ctx, "/cosigners", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events fetches the recent event ring.
func (c *QueryClient) Events(ctx context.Context) ([]server.Event, error) {
	var out []server.Event
	if err := c.get(ctx, "/events", &out); err != nil {
		return nil, err
	}
	return out, nil
}
