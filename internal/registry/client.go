package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client talks to the room endpoints of a signaling server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL (http or https).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Check reports whether roomID is registered.
func (c *Client) Check(ctx context.Context, roomID string) (bool, error) {
	var resp CheckResponse
	if err := c.post(ctx, "/api/rooms/check", roomID, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *Client) Register(ctx context.Context, roomID string) error {
	return c.post(ctx, "/api/rooms/register", roomID, &SuccessResponse{})
}

func (c *Client) Unregister(ctx context.Context, roomID string) error {
	return c.post(ctx, "/api/rooms/unregister", roomID, &SuccessResponse{})
}

func (c *Client) post(ctx context.Context, path, roomID string, out any) error {
	body, err := json.Marshal(map[string]string{"roomId": roomID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s: %s", path, e.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
