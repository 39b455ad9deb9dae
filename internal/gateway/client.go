package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// readyPollInterval is the pause between readiness probes. Variable so the
// package tests can shrink it.
var readyPollInterval = time.Second

// maxResponseBytes caps how much of an upstream body a client call reads.
// Defense replies are a dozen bytes of JSON; anything near the cap is
// garbage that only needs to be sampled for error reporting.
const maxResponseBytes = 1 << 20

// Response is the upstream reply as seen through the gateway.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client sends classification requests to defense containers through the
// egress gateway.
type Client struct {
	gatewayURL string
	authSecret string
	httpc      *http.Client
}

// NewClient returns a Client. requestTimeout bounds each individual request
// end to end, including the gateway hop.
func NewClient(gatewayURL, authSecret string, requestTimeout time.Duration) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		authSecret: authSecret,
		httpc:      &http.Client{Timeout: requestTimeout},
	}
}

// Post sends body to the target through the gateway and returns the
// mirrored upstream response. Transport-level failures return an error;
// any HTTP response, whatever the status, returns a Response.
func (c *Client) Post(ctx context.Context, targetURL, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderTargetURL, targetURL)
	req.Header.Set(HeaderAuth, c.authSecret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Ready polls the target through the gateway until it answers with anything
// other than 502, meaning the defense container is accepting connections.
// The gateway answers 502 exactly while the upstream dial fails, so this
// distinguishes "container still booting" from "container up but unhappy";
// the latter is for functional validation to judge, not readiness.
func (c *Client) Ready(ctx context.Context, targetURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL, nil)
		if err != nil {
			return fmt.Errorf("gateway: build readiness request: %w", err)
		}
		req.Header.Set(HeaderTargetURL, targetURL)
		req.Header.Set(HeaderAuth, c.authSecret)

		resp, err := c.httpc.Do(req)
		if err == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadGateway {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway: target %s not ready after %s", targetURL, timeout)
		case <-time.After(readyPollInterval):
		}
	}
}
