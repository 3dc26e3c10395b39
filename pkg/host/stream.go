package host

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Reconnect backoff bounds for the event stream.
const (
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second
)

// EventStream consumes the host's SSE event feed and hands decoded events
// to a handler. It reconnects with exponential backoff until the context
// is cancelled; the handler is invoked from the read loop, so it must not
// block on long work.
type EventStream struct {
	client       *Client
	handler      func(context.Context, core.Event)
	reconnectMin time.Duration
	reconnectMax time.Duration
	log          *slog.Logger
}

// StreamOption configures the event stream.
type StreamOption func(*EventStream)

// WithReconnectBackoff overrides the reconnect backoff bounds.
func WithReconnectBackoff(min, max time.Duration) StreamOption {
	return func(s *EventStream) {
		if min > 0 {
			s.reconnectMin = min
		}
		if max >= s.reconnectMin {
			s.reconnectMax = max
		}
	}
}

// NewEventStream builds a stream over the client's event feed.
func NewEventStream(client *Client, handler func(context.Context, core.Event), opts ...StreamOption) *EventStream {
	s := &EventStream{
		client:       client,
		handler:      handler,
		reconnectMin: DefaultReconnectMin,
		reconnectMax: DefaultReconnectMax,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run consumes the feed until the context is cancelled. Disconnects are
// logged and retried; Run only returns the context's error.
func (s *EventStream) Run(ctx context.Context) error {
	backoff := s.reconnectMin
	for {
		body, err := s.client.openEventStream(ctx)
		if err == nil {
			s.log.Info("host.stream.connected")
			backoff = s.reconnectMin
			err = s.readLoop(ctx, body)
			body.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("host.stream.disconnected", "error", err, "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.reconnectMax {
			backoff = s.reconnectMax
		}
	}
}

// readLoop parses SSE frames: data: lines accumulate until a blank line
// dispatches the payload. Malformed events are logged and skipped so one
// bad frame cannot wedge the feed.
func (s *EventStream) readLoop(ctx context.Context, body io.Reader) error {
	reader := bufio.NewReader(body)
	var buffer bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && buffer.Len() > 0 {
				s.dispatch(ctx, buffer.Bytes())
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if buffer.Len() > 0 {
				s.dispatch(ctx, buffer.Bytes())
				buffer.Reset()
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if buffer.Len() > 0 {
				buffer.WriteByte('\n')
			}
			buffer.WriteString(payload)
		}
	}
}

func (s *EventStream) dispatch(ctx context.Context, payload []byte) {
	event, err := DecodeEvent(payload)
	if err != nil {
		s.log.Warn("host.stream.bad_event", "error", err)
		return
	}
	if event == nil {
		return
	}
	s.handler(ctx, event)
}

// openEventStream connects to the host's event feed.
func (c *Client) openEventStream(ctx context.Context) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/event"), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	c.applyHeaders(ctx, request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		return nil, parseHTTPError(response, "/event")
	}
	return response.Body, nil
}
