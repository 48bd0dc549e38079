// Package httprpc carries binder transactions over HTTP.
//
// A transaction for a named service is a POST to /v1/transact/<service>
// whose body is the transaction code, flags and payload:
//
//	u32 code | u32 flags | payload
//
// The response body is the binder reply envelope. Application and protocol
// errors travel inside the reply with status 200; any other HTTP status is a
// transport failure.
//
// The client uses hashicorp/go-retryablehttp, but only retries requests
// that cannot have reached a service: failed dials and 503 responses.
//
// Usage:
//
//	c := httprpc.NewClient("https://node.example.com:7443", token, logger)
//	remote, err := explorer.Bind(ctx, c.Handle(explorer.ServiceName))
package httprpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/version"
)

// TransactPath is the route prefix for transactions.
const TransactPath = "/v1/transact/"

// ContentType is the media type of request and response bodies.
const ContentType = "application/octet-stream"

// MaxBodySize bounds request and response bodies.
const MaxBodySize = 16 * 1024 * 1024

// bodyHeaderSize is the code and flags prefix of a request body.
const bodyHeaderSize = 8

// Client is the HTTP client for a remote bridge node.
// It wraps go-retryablehttp for retry with backoff.
type Client struct {
	httpClient *http.Client
	serverURL  string
	token      string
	logger     *slog.Logger
}

// NewClient creates a client for the node at serverURL. An empty token sends
// no Authorization header.
//
// The client is configured with:
//   - RetryMax: 3 retries
//   - RetryWaitMin: 500 milliseconds
//   - RetryWaitMax: 5 seconds
//   - Backoff: Linear jitter
//   - CheckRetry: dial failures and 503 only
func NewClient(serverURL, token string, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Backoff = retryablehttp.LinearJitterBackoff
	retryClient.CheckRetry = retryPolicy

	// Disable retryablehttp's internal logging - we use slog instead
	retryClient.Logger = nil

	retryClient.HTTPClient.Transport = &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     60 * time.Second,
		MaxIdleConnsPerHost: 4,
	}

	return &Client{
		httpClient: retryClient.StandardClient(),
		serverURL:  serverURL,
		token:      token,
		logger:     logger.With(slog.String("component", "httprpc_client")),
	}
}

// retryPolicy retries only when the transaction was never dispatched.
// Transactions are not idempotent, so a request that may have reached a
// service is never sent twice.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return true, nil
		}
		return false, nil
	}
	return resp.StatusCode == http.StatusServiceUnavailable, nil
}

// Handle returns the endpoint handle of a service on the remote node.
func (c *Client) Handle(service string) binder.Handle {
	return binder.HandleFunc(func(ctx context.Context, txn binder.Transaction) (binder.Reply, error) {
		return c.transact(ctx, service, txn)
	})
}

func (c *Client) transact(ctx context.Context, service string, txn binder.Transaction) (binder.Reply, error) {
	endpoint := c.serverURL + TransactPath + url.PathEscape(service)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encodeBody(txn)))
	if err != nil {
		return binder.Reply{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("X-Bridge-Version", version.Version)
	req.Header.Set("X-Bridge-Platform", runtime.GOOS+"-"+runtime.GOARCH)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("sending transaction",
		slog.String("service", service),
		slog.String("code", txn.Code.String()),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return binder.Reply{}, fmt.Errorf("transaction request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return binder.Reply{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return binder.Reply{}, fmt.Errorf("transaction failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(body) > MaxBodySize {
		return binder.Reply{}, fmt.Errorf("response exceeds %d bytes", MaxBodySize)
	}

	rep, err := binder.DecodeReply(body)
	if err != nil {
		return binder.Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return rep, nil
}

func encodeBody(txn binder.Transaction) []byte {
	body := make([]byte, 0, bodyHeaderSize+len(txn.Data))
	body = binary.LittleEndian.AppendUint32(body, uint32(txn.Code))
	body = binary.LittleEndian.AppendUint32(body, uint32(txn.Flags))
	return append(body, txn.Data...)
}

func decodeBody(body []byte) (binder.Transaction, error) {
	if len(body) < bodyHeaderSize {
		return binder.Transaction{}, fmt.Errorf("body of %d bytes is shorter than the %d byte header", len(body), bodyHeaderSize)
	}
	return binder.Transaction{
		Code:  binder.Code(binary.LittleEndian.Uint32(body[0:4])),
		Flags: binder.Flags(binary.LittleEndian.Uint32(body[4:8])),
		Data:  body[bodyHeaderSize:],
	}, nil
}
