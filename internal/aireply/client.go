package aireply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client calls the /api/ai-reply endpoint of a signaling server.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

// Reply asks the server for a reply to text. It gives up after the client
// timeout and reports ErrTimeout.
func (c *Client) Reply(ctx context.Context, roomID, text string) (string, error) {
	body, err := json.Marshal(Request{RoomID: roomID, UserText: text})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ai-reply", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("ai-reply: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGatewayTimeout:
		return "", ErrTimeout
	case http.StatusBadRequest:
		return "", ErrInvalidInput
	default:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("%w: %s", ErrUpstream, e.Error)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ai-reply: decode response: %w", err)
	}
	if out.ReplyText == "" {
		return "", ErrEmptyReply
	}
	return out.ReplyText, nil
}
