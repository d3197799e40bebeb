package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/magpie/pkg/types"
)

// Client is the outbound side of the node control protocol. It carries
// role change announcements during failover and, in http delivery mode,
// the replication stream itself.
type Client struct {
	http *http.Client
}

// NewClient creates a client with the given per-request timeout
func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// NotifyRoleChange tells a peer which node is now primary
func (c *Client) NotifyRoleChange(ctx context.Context, node *types.Node, newPrimary string) error {
	return c.post(ctx, node, "/api/role-change", map[string]any{
		"node_name": newPrimary,
		"new_role":  string(types.NodeRolePrimary),
		"timestamp": time.Now().UTC(),
	})
}

// Deliver posts one replicated operation to the peer's sync endpoint
func (c *Client) Deliver(ctx context.Context, node *types.Node, op *types.SyncOperation) error {
	return c.post(ctx, node, "/api/sync", op)
}

// Health fetches a peer's self-reported health
func (c *Client) Health(ctx context.Context, node *types.Node) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(node, "/api/health"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s health returned %d", node.Name, resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, node *types.Node, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(node, path), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s unreachable: %w", node.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s returned %d for %s: %s", node.Name, resp.StatusCode, path, msg)
	}
	return nil
}

func (c *Client) url(node *types.Node, path string) string {
	return "http://" + node.Address + path
}
