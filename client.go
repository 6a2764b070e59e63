// Package chatsync is a real-time chat delivery client.
//
// It keeps a per-conversation message list consistent across three sources:
// optimistic local writes, socket echoes and REST fallback responses.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com"))
//	conn := chatsync.NewConnector(chatsync.TransportConfig{URL: "wss://api.example.com"})
//	sess, _ := chatsync.NewSession(chatsync.SessionConfig{
//		Self: chatsync.UserRef{ID: "u1", Name: "Ana"}, Token: token,
//		Client: client, Connector: conn,
//	})
//	sess.Start(ctx)
//	conv, _ := sess.OpenDirect(ctx, "u2")
//	sess.Send(conv.ID, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	Chats *ChatsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimit caps outgoing requests at rps with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Chats = &ChatsClient{c: c}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// Result is the response envelope of every endpoint.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *APIError       `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

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
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("rest call", "method", method, "path", path, "status", resp.StatusCode)

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			if resp.StatusCode >= 300 {
				return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			}
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || (len(data) > 0 && !result.Success) {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	return &result, nil
}

func decodeData[T any](r *Result) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return v, nil
}

// Keepalive pings the API so idle hosted backends stay warm.
func (c *Client) Keepalive(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/keepalive", nil, nil)
	return err
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient handles conversation and message endpoints.
type ChatsClient struct{ c *Client }

// ChatDetail is a conversation with its message history.
type ChatDetail struct {
	Conversation Conversation
	Messages     []Message
}

// List returns the conversations of the authenticated user.
func (cc *ChatsClient) List(ctx context.Context) ([]Conversation, error) {
	r, err := cc.c.doRequest(ctx, http.MethodGet, "/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](r)
}

// Search returns conversations matching query.
func (cc *ChatsClient) Search(ctx context.Context, query string) ([]Conversation, error) {
	r, err := cc.c.doRequest(ctx, http.MethodGet, "/chats/search", nil, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](r)
}

// GetOrCreateDirect returns the direct conversation with userID, creating
// it on first contact. Repeated calls return the same conversation.
func (cc *ChatsClient) GetOrCreateDirect(ctx context.Context, userID string) (Conversation, error) {
	r, err := cc.c.doRequest(ctx, http.MethodPost, "/chats/direct", map[string]string{"userId": userID}, nil)
	if err != nil {
		return Conversation{}, err
	}
	return decodeData[Conversation](r)
}

// Get returns a conversation and its messages.
func (cc *ChatsClient) Get(ctx context.Context, conversationID string) (*ChatDetail, error) {
	r, err := cc.c.doRequest(ctx, http.MethodGet, "/chats/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Chat     Conversation      `json:"chat"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := r.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	detail := &ChatDetail{Conversation: raw.Chat}
	now := time.Now()
	for _, m := range raw.Messages {
		msg, err := parseMessage(m, conversationID, now)
		if err != nil {
			cc.c.logger.Warn("skipping history entry", "conversation_id", conversationID, "error", err)
			continue
		}
		detail.Messages = append(detail.Messages, msg)
	}
	return detail, nil
}

// SendMessage posts a message. The correlation id makes retries idempotent.
func (cc *ChatsClient) SendMessage(ctx context.Context, conversationID, content, correlationID string) (Message, error) {
	body := map[string]string{
		"content":       content,
		"type":          MessageTypeText,
		"correlationId": correlationID,
	}
	r, err := cc.c.doRequest(ctx, http.MethodPost, "/chats/"+url.PathEscape(conversationID)+"/messages", body, nil)
	if err != nil {
		return Message{}, err
	}
	msg, err := parseMessage(r.Data, conversationID, time.Now())
	if err != nil {
		return Message{}, err
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = correlationID
	}
	return msg, nil
}

// MarkRead marks every message of the conversation as read.
func (cc *ChatsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cc.c.doRequest(ctx, http.MethodPut, "/chats/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// ToggleBlock blocks or unblocks the conversation and returns the new state.
func (cc *ChatsClient) ToggleBlock(ctx context.Context, conversationID string) (bool, error) {
	r, err := cc.c.doRequest(ctx, http.MethodPut, "/chats/"+url.PathEscape(conversationID)+"/block", nil, nil)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(r.Data, "blocked").Bool(), nil
}

// DeleteMessage removes one of the caller's messages.
func (cc *ChatsClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	path := "/chats/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID)
	_, err := cc.c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	return err
}
