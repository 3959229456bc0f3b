// Package chatsync is a client-side synchronization engine for real-time chat.
//
// It keeps one conversation's timeline eventually consistent with a remote
// source of truth: optimistic sends are reconciled against pushed messages,
// backward pagination merges without reordering, and short-lived presence
// state (typing, reactions, online roster) cleans up after itself.
//
// Example:
//
//	cfg, _ := chatsync.LoadConfig("chatsync.toml")
//	conn := chatsync.NewConnectionManager(cfg.BaseURL, *cfg)
//	api := chatsync.NewClient(cfg.Token, chatsync.WithBaseURL(cfg.BaseURL))
//	engine := chatsync.New(conn, api, *cfg)
//
//	go engine.Run(ctx)
//	conn.Connect(ctx)
//	engine.Open(ctx, chatsync.Conversation{ID: "c1", Members: []string{"alice", "bob"}})
//	engine.Send(ctx, "hello", chatsync.SendOptions{})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// HistoryFetcher loads one page of a conversation's history.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, conversationID string, page int) (*HistoryPage, error)
}

// RemoteAPI is the REST surface the engine needs besides the socket.
type RemoteAPI interface {
	HistoryFetcher
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty for unauthenticated
// test servers.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ── Endpoints ────────────────────────────────────────────

// FetchPage returns page n (1 = most recent) of a conversation's history.
func (c *Client) FetchPage(ctx context.Context, conversationID string, page int) (*HistoryPage, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, map[string]string{"page": strconv.Itoa(page)})
	if err != nil {
		return nil, err
	}
	return decodeResult[HistoryPage](data)
}

// Conversation fetches conversation metadata (members, group flag).
func (c *Client) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Conversation](data)
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	_, err := c.doRequest(ctx, http.MethodPost, reactionsPath(messageID), map[string]string{"emoji": emoji}, nil)
	return err
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, reactionsPath(messageID), map[string]string{"emoji": emoji}, nil)
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	_, err := c.doRequest(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID), map[string]string{"content": content}, nil)
	return err
}

func reactionsPath(messageID string) string {
	return "/api/messages/" + url.PathEscape(messageID) + "/reactions"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

func statusError(status int, data []byte) error {
	var res Result
	if err := json.Unmarshal(data, &res); err == nil && res.Error != nil {
		return res.Error
	}
	return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: strings.TrimSpace(string(data))}
}

// decodeResult accepts both the {ok, data, error} envelope and a bare body.
func decodeResult[T any](data []byte) (*T, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err == nil {
		if res.Error != nil {
			return nil, res.Error
		}
		if res.OK && res.Data != nil {
			var out T
			if err := res.Decode(&out); err != nil {
				return nil, fmt.Errorf("failed to unmarshal response: %w", err)
			}
			return &out, nil
		}
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}
