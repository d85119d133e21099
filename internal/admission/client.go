package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/petervdpas/hostline/internal/token"
	"github.com/petervdpas/hostline/internal/util"
)

// Client talks to a gate over HTTP.
type Client struct {
	base string
	hc   *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: util.DefaultFetchTimeout}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

// APIError is a non-2xx gate response that is not a reserve refusal.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gate %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) Reserve(ctx context.Context, channelID, callerID string) (Result, error) {
	var res Result
	err := c.post(ctx, "/api/v1/reserve", reserveRequest{ChannelID: channelID, CallerID: callerID}, &res)
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.Code {
		case CodeChannelBusy:
			return Result{Outcome: Busy}, nil
		case CodeChannelNotAvailable:
			return Result{Outcome: NotFound}, nil
		}
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Client) Release(ctx context.Context, channelID, callerID string) error {
	return c.post(ctx, "/api/v1/release", reserveRequest{ChannelID: channelID, CallerID: callerID}, nil)
}

func (c *Client) OpenHostChannel(ctx context.Context, channelID, hostID string) error {
	return c.post(ctx, "/api/v1/channels", openRequest{ChannelID: channelID, HostID: hostID}, nil)
}

func (c *Client) CloseHostChannel(ctx context.Context, channelID string, status HostStatus) error {
	return c.post(ctx, "/api/v1/channels/"+url.PathEscape(channelID)+"/close", closeRequest{Status: status}, nil)
}

// Token fetches a fresh transport credential. Tokens are never cached here.
func (c *Client) Token(ctx context.Context, kind token.Kind, identity, channel string) (string, error) {
	var out tokenResponse
	if err := c.post(ctx, "/api/v1/token", tokenRequest{Kind: kind, Identity: identity, Channel: channel}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("gate %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		return &APIError{Status: resp.StatusCode, Code: ae.Error.Code, Message: ae.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gate %s: decode: %w", path, err)
	}
	return nil
}
