// Package messenger provides the client-side conversation state for a
// direct-messaging application.
//
// It keeps one consistent, de-duplicated list of conversations in the face
// of three independent, out-of-order inputs: the initial snapshot fetched
// over HTTP, push events from the realtime channel, and local user intents
// (search, send, open a conversation).
//
// Example:
//
//	client := messenger.NewClient("https://chat.example.com", token)
//	rt := messenger.NewRealtimeClient(&messenger.RealtimeConfig{Token: token, BaseURL: client.BaseURL()})
//	_ = rt.Connect(ctx)
//
//	session := messenger.NewSession(user, client, rt, logger)
//	session.LoadInitialState(ctx)
//	session.Send(ctx, messenger.SendMessageBody{RecipientID: 7, Text: "hi"})
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:3001"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response channel to the messenger backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
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

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a messenger API client. token is the session token
// obtained at login (session bootstrap is outside this package).
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken sets or replaces the session token.
func (c *Client) SetToken(token string) {
	c.token = token
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
		req.Header.Set("X-Access-Token", c.token)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	c.log.Debug().Str("method", method).Str("path", path).Msg("api request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != nil {
			return nil, apiErr.Error
		}
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// API Methods
// ============================================================================

// Conversations fetches the authoritative conversation snapshot.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convos []Conversation
	if err := json.Unmarshal(data, &convos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return convos, nil
}

// PostMessage persists a message. When body.ConversationID is zero the
// server creates the conversation and the returned message carries its id.
func (c *Client) PostMessage(ctx context.Context, body SendMessageBody) (*SendMessageResult, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendMessageResult](data)
}

// PutReadStatus marks the conversation with recipientID read by the local
// user and returns the resulting read cursors.
func (c *Client) PutReadStatus(ctx context.Context, recipientID int) (*ReadUpdate, error) {
	data, err := c.doRequest(ctx, "PUT", "/api/readMessages", ReadStatusBody{RecipientID: recipientID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ReadUpdate](data)
}

// SearchUsers looks up users whose username matches query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	data, err := c.doRequest(ctx, "GET", "/api/users/"+url.PathEscape(query), nil, nil)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return users, nil
}
