package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// Client implements DeviceService against the southbound agent HTTP API.
// Every call runs on its own goroutine and completes the returned future.
type Client struct {
	address    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new agent client
func NewClient(address string, timeout time.Duration, rateLimitRPS float64) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 100.0
	}

	return &Client{
		address: address,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rateLimitRPS), int(rateLimitRPS)),
	}
}

// Address returns the agent address
func (c *Client) Address() string {
	return c.address
}

// Close closes idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) url(node openflow.NodeID, kind, op string) string {
	return fmt.Sprintf("http://%s/v1/nodes/%s/%s/%s", c.address, url.PathEscape(node.String()), kind, op)
}

// call posts body and decodes the agent's Result.
func (c *Client) call(ctx context.Context, node openflow.NodeID, kind, op, tx string, body any) *future.Future[Result] {
	f := future.New[Result]()

	go func() {
		res, err := c.do(ctx, node, kind, op, body)
		if err != nil {
			log.Debug().Err(err).
				Str("node", node.String()).
				Str("kind", kind).
				Str("op", op).
				Str("tx", tx).
				Msg("Device RPC failed")
			f.Fail(err)
			return
		}
		if res.TransactionID == "" {
			res.TransactionID = tx
		}
		f.Resolve(res)
	}()

	return f
}

func (c *Client) do(ctx context.Context, node openflow.NodeID, kind, op string, body any) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal %s %s input: %w", kind, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(node, kind, op), bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(data))
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("failed to decode %s %s result: %w", kind, op, err)
	}
	return res, nil
}

func (c *Client) UpdateTable(ctx context.Context, in TableInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "tables", "update", in.TransactionID, in)
}

func (c *Client) AddGroup(ctx context.Context, in GroupInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "groups", "add", in.TransactionID, in)
}

func (c *Client) UpdateGroup(ctx context.Context, in GroupInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "groups", "update", in.TransactionID, in)
}

func (c *Client) RemoveGroup(ctx context.Context, in GroupInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "groups", "remove", in.TransactionID, in)
}

func (c *Client) AddMeter(ctx context.Context, in MeterInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "meters", "add", in.TransactionID, in)
}

func (c *Client) UpdateMeter(ctx context.Context, in MeterInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "meters", "update", in.TransactionID, in)
}

func (c *Client) RemoveMeter(ctx context.Context, in MeterInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "meters", "remove", in.TransactionID, in)
}

func (c *Client) AddFlow(ctx context.Context, in FlowInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "flows", "add", in.TransactionID, in)
}

func (c *Client) UpdateFlow(ctx context.Context, in FlowInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "flows", "update", in.TransactionID, in)
}

func (c *Client) RemoveFlow(ctx context.Context, in FlowInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "flows", "remove", in.TransactionID, in)
}

func (c *Client) OpenBundle(ctx context.Context, in BundleControlInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "bundles", "open", in.TransactionID, in)
}

func (c *Client) CloseBundle(ctx context.Context, in BundleControlInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "bundles", "close", in.TransactionID, in)
}

func (c *Client) CommitBundle(ctx context.Context, in BundleControlInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "bundles", "commit", in.TransactionID, in)
}

func (c *Client) AddBundleMessages(ctx context.Context, in BundleMessagesInput) *future.Future[Result] {
	return c.call(ctx, in.Node, "bundles", "add_messages", in.TransactionID, in)
}

var _ DeviceService = (*Client)(nil)
