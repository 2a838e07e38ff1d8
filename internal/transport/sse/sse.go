// Package sse implements the task stream transport over HTTP server-sent events.
package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/transport"
)

const (
	// StreamPathFormat is the path of a task event stream, relative to the server URL.
	StreamPathFormat = "/api/v1/codegen/%s/stream"
	// ResumeQueryParam carries the last accepted cursor on reconnections.
	ResumeQueryParam = "last_event_id"

	contentType = "text/event-stream"
)

// ClientConfig is the configuration of the SSE transport.
type ClientConfig struct {
	// ServerURL is the base URL of the task server (e.g. http://127.0.0.1:8080).
	ServerURL string
	// HTTPClient must not have a timeout, streams are long lived.
	HTTPClient *http.Client
	Logger     log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server URL scheme must be http or https, got %q", u.Scheme)
	}

	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "transport.SSE"})

	return nil
}

// Client is a transport.Transport that subscribes to the task stream endpoint.
type Client struct {
	serverURL string
	client    *http.Client
	logger    log.Logger
}

// NewClient returns a new SSE transport.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		serverURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
	}, nil
}

var _ transport.Transport = &Client{}

// StreamURL returns the URL used to subscribe to a task stream.
func (c *Client) StreamURL(taskID string, resume model.Cursor) string {
	u := c.serverURL + fmt.Sprintf(StreamPathFormat, url.PathEscape(taskID))
	if !resume.IsZero() {
		u += "?" + url.Values{ResumeQueryParam: []string{resume.String()}}.Encode()
	}
	return u
}

// Open subscribes to the task stream.
func (c *Client) Open(ctx context.Context, taskID string, resume model.Cursor) (transport.Channel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StreamURL(taskID, resume), nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	req.Header.Set("Cache-Control", "no-cache")

	c.logger.Debugf("Opening stream %s", req.URL)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &transport.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(ct), contentType) {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	return &channel{body: resp.Body, reader: NewReader(resp.Body)}, nil
}

type channel struct {
	body      io.ReadCloser
	reader    *Reader
	closeOnce sync.Once
	closeErr  error
}

func (c *channel) Next() (event.Frame, error) {
	return c.reader.Next()
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.body.Close()
	})
	return c.closeErr
}
