// Package api is the client for the portal's request/response API. It
// backs the flows the push channel cannot cover: history fetches after
// opening a conversation or reconnecting, mark-read round trips, unread
// snapshots, and message delivery while the channel is down.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onboardly/comms/internal/proto"
)

// Client calls the portal REST API with a bearer credential issued by
// the auth collaborator.
type Client struct {
	baseURL string
	selfID  string
	token   string
	httpc   *http.Client
}

// NewClient creates a client for the given identity.
func NewClient(baseURL, selfID, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		selfID:  selfID,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// History fetches the full conversation with a peer, oldest first.
func (c *Client) History(ctx context.Context, peerID string) ([]proto.Message, error) {
	var msgs []proto.Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/messages/%s/%s", c.selfID, peerID), nil, &msgs)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", peerID, err)
	}
	return msgs, nil
}

// MarkRead marks every message from peerID to this identity as read.
func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	body := map[string]string{"senderId": peerID, "receiverId": c.selfID}
	if err := c.do(ctx, http.MethodPost, "/messages/mark-read", body, nil); err != nil {
		return fmt.Errorf("mark read for %s: %w", peerID, err)
	}
	return nil
}

// UnreadSnapshot fetches the authoritative unread counters.
func (c *Client) UnreadSnapshot(ctx context.Context) (map[string]int, error) {
	var out struct {
		Counts map[string]int `json:"counts"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/unread-count/"+c.selfID, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch unread snapshot: %w", err)
	}
	return out.Counts, nil
}

// SendMessage delivers a message over HTTP when the push channel is
// unavailable. Returns the server-confirmed message.
func (c *Client) SendMessage(ctx context.Context, peerID, content string) (proto.Message, error) {
	body := map[string]string{"senderId": c.selfID, "receiverId": peerID, "content": content}
	var msg proto.Message
	if err := c.do(ctx, http.MethodPost, "/messages", body, &msg); err != nil {
		return proto.Message{}, fmt.Errorf("send message to %s: %w", peerID, err)
	}
	return msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
