package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultGraphBaseURL = "https://graph.facebook.com/v21.0"

// GraphClient drives the carrier's calling endpoints: answering an
// incoming call with an SDP answer, rejecting it, or hanging up.
type GraphClient struct {
	httpClient    *http.Client
	baseURL       string
	accessToken   string
	phoneNumberID string
}

// GraphOption is a functional option for [NewGraphClient].
type GraphOption func(*GraphClient)

// WithGraphBaseURL overrides the carrier API base URL.
func WithGraphBaseURL(url string) GraphOption {
	return func(c *GraphClient) {
		c.baseURL = url
	}
}

// WithGraphHTTPClient overrides the HTTP client.
func WithGraphHTTPClient(hc *http.Client) GraphOption {
	return func(c *GraphClient) {
		c.httpClient = hc
	}
}

// NewGraphClient creates a client for one business phone number.
func NewGraphClient(accessToken, phoneNumberID string, opts ...GraphOption) *GraphClient {
	c := &GraphClient{
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		baseURL:       defaultGraphBaseURL,
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PreAccept sends the SDP answer ahead of accepting, so media can flow as
// soon as the call connects.
func (c *GraphClient) PreAccept(ctx context.Context, callID, sdpAnswer string) error {
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"call_id":           callID,
		"action":            "pre_accept",
		"session":           map[string]string{"sdp_type": "answer", "sdp": sdpAnswer},
	})
}

// Accept answers the call with the SDP answer.
func (c *GraphClient) Accept(ctx context.Context, callID, sdpAnswer string) error {
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"call_id":           callID,
		"action":            "accept",
		"session":           map[string]string{"sdp_type": "answer", "sdp": sdpAnswer},
	})
}

// Reject declines an incoming call with a reason, e.g. "no_chatbot".
func (c *GraphClient) Reject(ctx context.Context, callID, reason string) error {
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"call_id":           callID,
		"action":            "reject",
		"reason":            reason,
	})
}

// Terminate hangs up a connected call.
func (c *GraphClient) Terminate(ctx context.Context, callID string) error {
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"call_id":           callID,
		"action":            "terminate",
	})
}

func (c *GraphClient) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("graph: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/calls", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: %s: %w", payload["action"], err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph: %s: status %d: %s", payload["action"], resp.StatusCode, msg)
	}
	return nil
}
