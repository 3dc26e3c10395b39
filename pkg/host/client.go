package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/errors"
)

// Client talks to the assistant host over its HTTP+JSON API. It implements
// Adapter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

var _ Adapter = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// NewClient creates a host client against the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithHeaders sets default headers for each request, typically auth.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		if len(headers) == 0 {
			return
		}
		c.headers = make(map[string]string, len(headers))
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// AbortSession stops the session's in-flight generation.
func (c *Client) AbortSession(ctx context.Context, id core.SessionID) error {
	if id == "" {
		return errors.New(errors.CodeHostRequest, "session id is required", nil)
	}
	return c.doJSON(ctx, http.MethodPost, c.sessionPath(id, "abort"), nil, nil)
}

// SendPromptAsync re-submits the prompt on the chosen model. The host
// answers as soon as it has queued the prompt.
func (c *Client) SendPromptAsync(ctx context.Context, id core.SessionID, parts []core.MessagePart, model core.ModelRef, agent string) error {
	if id == "" {
		return errors.New(errors.CodeHostRequest, "session id is required", nil)
	}
	if model.IsZero() {
		return errors.New(errors.CodeHostRequest, "model is required", nil)
	}
	payload := wirePrompt{
		Parts: toWireParts(parts),
		Model: wireModel{ProviderID: model.Provider, ModelID: model.Model},
		Agent: agent,
	}
	return c.doJSON(ctx, http.MethodPost, c.sessionPath(id, "prompt"), payload, nil)
}

// ListMessages returns the session transcript, oldest first.
func (c *Client) ListMessages(ctx context.Context, id core.SessionID) ([]core.Message, error) {
	if id == "" {
		return nil, errors.New(errors.CodeHostRequest, "session id is required", nil)
	}
	var decoded []wireMessage
	if err := c.doJSON(ctx, http.MethodGet, c.sessionPath(id, "message"), nil, &decoded); err != nil {
		return nil, err
	}
	out := make([]core.Message, 0, len(decoded))
	for _, m := range decoded {
		out = append(out, fromWireMessage(m))
	}
	return out, nil
}

// GetSession returns session metadata.
func (c *Client) GetSession(ctx context.Context, id core.SessionID) (core.SessionInfo, error) {
	if id == "" {
		return core.SessionInfo{}, errors.New(errors.CodeHostRequest, "session id is required", nil)
	}
	var decoded wireSession
	if err := c.doJSON(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &decoded); err != nil {
		return core.SessionInfo{}, err
	}
	return core.SessionInfo{Agent: decoded.Agent}, nil
}

// ShowToast asks the host TUI to display a notification.
func (c *Client) ShowToast(ctx context.Context, toast core.Toast) error {
	return c.doJSON(ctx, http.MethodPost, "/tui/show-toast", toWireToast(toast), nil)
}

func (c *Client) sessionPath(id core.SessionID, suffix string) string {
	path := "/session/" + url.PathEscape(string(id))
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.New(errors.CodeHostRequest, "encode request", err)
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return errors.New(errors.CodeHostRequest, "build request", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(ctx, request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return errors.New(errors.CodeHostUnavailable, "host request failed", err).
			WithAttribute("path", path)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseHTTPError(response, path)
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.New(errors.CodeHostRequest, "read response", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.New(errors.CodeHostRequest, "decode response", err)
	}
	return nil
}

func (c *Client) applyHeaders(ctx context.Context, request *http.Request) {
	for key, value := range c.headers {
		request.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(request.Header))
}

// parseHTTPError maps a non-2xx host response to a coded error, reading
// whatever detail the body offers.
func parseHTTPError(response *http.Response, path string) error {
	payload, _ := io.ReadAll(io.LimitReader(response.Body, 8192))

	detail := ""
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(payload, &decoded) == nil {
		for _, candidate := range []string{decoded.Detail, decoded.Message, decoded.Error} {
			if strings.TrimSpace(candidate) != "" {
				detail = strings.TrimSpace(candidate)
				break
			}
		}
	}
	if detail == "" {
		detail = response.Status
	}

	return errors.New(errors.FromStatusCode(response.StatusCode), fmt.Sprintf("host: %s", detail), nil).
		WithStatusCode(response.StatusCode).
		WithAttribute("path", path)
}
