// Package client implements the remote contracts over the planner HTTP API: PostgREST
// style row queries, function calls, sign-in and the realtime websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultHeartbeatTimeout = 45 * time.Second
	defaultReconnectBackoff = time.Second
	maxReconnectBackoff     = 30 * time.Second
	maxErrorBody            = 1 << 16
)

var (
	// ErrInvalidBaseURL indicates a base URL that is not absolute http(s).
	ErrInvalidBaseURL = errors.New("client: invalid base url")
)

// Config describes how to reach the API.
type Config struct {
	BaseURL string
	// Session supplies the bearer token. It may be attached later with WithSession.
	Session          session.Source
	HTTPClient       *http.Client
	Dialer           *websocket.Dialer
	HeartbeatTimeout time.Duration
	ReconnectBackoff time.Duration
	Logger           *zap.Logger
}

// Client talks to the planner API. It satisfies remote.Query, remote.Realtime,
// remote.Functions and session.Authenticator.
type Client struct {
	base             *url.URL
	source           session.Source
	http             *http.Client
	dialer           *websocket.Dialer
	heartbeatTimeout time.Duration
	reconnectBackoff time.Duration
	logger           *zap.Logger
}

// New validates cfg and constructs a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	heartbeat := cfg.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatTimeout
	}
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = defaultReconnectBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:             base,
		source:           cfg.Session,
		http:             httpClient,
		dialer:           dialer,
		heartbeatTimeout: heartbeat,
		reconnectBackoff: backoff,
		logger:           logger,
	}, nil
}

// WithSession returns a copy of the client that authenticates with source.
func (c *Client) WithSession(source session.Source) *Client {
	copied := *c
	copied.source = source
	return &copied
}

func (c *Client) Select(ctx context.Context, table string, filter remote.Filter) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.restURL(table, filter), nil, true, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	var created json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.restURL(table, remote.Where()), row, true, &created); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Client) Update(ctx context.Context, table string, filter remote.Filter, patch map[string]any) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodPatch, c.restURL(table, filter), patch, true, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Delete(ctx context.Context, table string, filter remote.Filter) (int, error) {
	var response struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, c.restURL(table, filter), nil, true, &response); err != nil {
		return 0, err
	}
	return response.Deleted, nil
}

// Invoke calls a server-side function once.
func (c *Client) Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	var result json.RawMessage
	endpoint := c.endpoint(remote.PathFunctions + url.PathEscape(name))
	if err := c.do(ctx, http.MethodPost, endpoint, payload, true, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SignIn exchanges an email login for an access token.
func (c *Client) SignIn(ctx context.Context, email, displayName string) (string, error) {
	var response remote.SignInResponse
	request := remote.SignInRequest{Email: email, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, c.endpoint(remote.PathSignIn), request, false, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.AccessToken) == "" {
		return "", remote.NewError(remote.CodeInternal, "sign in returned no token")
	}
	return response.AccessToken, nil
}

// User describes the caller the current token belongs to.
func (c *Client) User(ctx context.Context) (remote.UserResponse, error) {
	var response remote.UserResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint(remote.PathUser), nil, true, &response); err != nil {
		return remote.UserResponse{}, err
	}
	return response, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) restURL(table string, filter remote.Filter) string {
	endpoint := c.endpoint(remote.PathRest + url.PathEscape(table))
	if query := filter.Encode().Encode(); query != "" {
		endpoint += "?" + query
	}
	return endpoint
}

func (c *Client) token() (string, error) {
	if c.source == nil {
		return "", remote.NewError(remote.CodeUnauthenticated, "no session")
	}
	current := c.source.Current()
	if current == nil || strings.TrimSpace(current.AccessToken) == "" {
		return "", remote.NewError(remote.CodeUnauthenticated, "no session")
	}
	return current.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, authenticated bool, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return remote.WrapError(remote.CodeInvalid, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return remote.WrapError(remote.CodeInternal, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if authenticated {
		token, err := c.token()
		if err != nil {
			return err
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("url", endpoint), zap.Error(err))
		return remote.WrapError(remote.CodeUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeFailure(response)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return remote.WrapError(remote.CodeInternal, fmt.Errorf("decode %s %s: %w", method, endpoint, err))
	}
	return nil
}

func decodeFailure(response *http.Response) error {
	code := remote.CodeForStatus(response.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var payload remote.ErrorResponse
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != nil && payload.Error.Code != "" {
		return remote.NewError(payload.Error.Code, payload.Error.Message)
	}
	message := strings.TrimSpace(string(raw))
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	return remote.NewError(code, message)
}
